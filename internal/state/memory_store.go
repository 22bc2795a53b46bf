package state

import (
	"context"
	"sync"
	"time"

	"alertbridge/internal/domain"
)

// MemoryStore keeps alert records in process memory for single-instance mode.
// Params: in-memory maps for records and the message index.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	index   map[string]string
}

type memoryRecord struct {
	record   domain.AlertRecord
	revision uint64
}

// NewMemoryStore creates in-memory state store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		index:   make(map[string]string),
	}
}

// GetRecord returns record payload and revision.
// Params: record key.
// Returns: stored record, revision, or ErrNotFound.
func (s *MemoryStore) GetRecord(_ context.Context, key string) (domain.AlertRecord, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.records[key]
	if !ok {
		return domain.AlertRecord{}, 0, ErrNotFound
	}
	return entry.record, entry.revision, nil
}

// CreateRecord writes a record only when the key is absent.
// Params: record key and payload.
// Returns: revision 1 or ErrConflict.
func (s *MemoryStore) CreateRecord(_ context.Context, key string, record domain.AlertRecord) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return 0, ErrConflict
	}
	s.records[key] = memoryRecord{record: record, revision: 1}
	s.reindexLocked(key, domain.MessageRef{}, record.MessageRef)
	return 1, nil
}

// UpdateRecord updates record payload using expected revision CAS.
// Params: record key, expected revision, and replacement payload.
// Returns: new revision, ErrNotFound or ErrConflict.
func (s *MemoryStore) UpdateRecord(_ context.Context, key string, expectedRevision uint64, record domain.AlertRecord) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.records[key]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.records[key] = memoryRecord{record: record, revision: rev}
	s.reindexLocked(key, entry.record.MessageRef, record.MessageRef)
	return rev, nil
}

// FindByMessage resolves a bound message reference to its record key.
// Params: message reference.
// Returns: record key or ErrNotFound.
func (s *MemoryStore) FindByMessage(_ context.Context, ref domain.MessageRef) (string, error) {
	if !ref.Bound() {
		return "", ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.index[messageIndexKey(ref)]
	if !ok {
		return "", ErrNotFound
	}
	return key, nil
}

// PurgeResolved deletes resolved records older than cutoff.
// Params: retention cutoff.
// Returns: number of deleted records.
func (s *MemoryStore) PurgeResolved(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, entry := range s.records {
		if !purgeable(entry.record, before) {
			continue
		}
		delete(s.records, key)
		if entry.record.MessageRef.Bound() {
			delete(s.index, messageIndexKey(entry.record.MessageRef))
		}
		purged++
	}
	return purged, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

// reindexLocked moves the message index entry when the bound reference changes.
// Params: record key with previous and next references; caller holds mu.
// Returns: none.
func (s *MemoryStore) reindexLocked(key string, previous domain.MessageRef, next domain.MessageRef) {
	if previous == next {
		return
	}
	if previous.Bound() {
		if owner, ok := s.index[messageIndexKey(previous)]; ok && owner == key {
			delete(s.index, messageIndexKey(previous))
		}
	}
	if next.Bound() {
		s.index[messageIndexKey(next)] = key
	}
}
