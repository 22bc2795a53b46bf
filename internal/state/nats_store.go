package state

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"alertbridge/internal/config"
	"alertbridge/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSStore persists alert records in JetStream KV buckets.
// Params: NATS connection, JetStream context, and KV bucket handles.
// Returns: KV-backed state store implementation.
type NATSStore struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	dataKV   nats.KeyValue
	indexKV  nats.KeyValue
	settings config.StateNATSConfig
}

// NewNATSStore opens (or creates) KV buckets and returns NATS state backend.
// Params: NATS/JetStream settings from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.StateNATSConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","), nats.Name("alertbridge-state"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	dataKV, err := openBucket(js, settings.Bucket, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	indexKV, err := openBucket(js, settings.IndexBucket, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &NATSStore{
		nc:       nc,
		js:       js,
		dataKV:   dataKV,
		indexKV:  indexKV,
		settings: settings,
	}, nil
}

// openBucket binds one KV bucket, creating it when allowed.
// Params: JetStream context, bucket name and create permission.
// Returns: bucket handle or open/create error.
func openBucket(js nats.JetStreamContext, bucket string, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return kv, nil
}

// GetRecord reads one record and its KV revision.
// Params: record key.
// Returns: record payload, revision, or ErrNotFound.
func (s *NATSStore) GetRecord(_ context.Context, key string) (domain.AlertRecord, uint64, error) {
	entry, err := s.dataKV.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.AlertRecord{}, 0, ErrNotFound
		}
		return domain.AlertRecord{}, 0, fmt.Errorf("get record: %w", err)
	}

	var record domain.AlertRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return domain.AlertRecord{}, 0, fmt.Errorf("decode record: %w", err)
	}
	return record, entry.Revision(), nil
}

// CreateRecord writes a record only when the key is absent.
// Params: record key and payload.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) CreateRecord(_ context.Context, key string, record domain.AlertRecord) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	if err := s.indexMessage(key, record.MessageRef); err != nil {
		return 0, err
	}
	rev, err := s.dataKV.Create(key, body)
	if err != nil {
		if isRevisionConflict(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("create record: %w", err)
	}
	return rev, nil
}

// UpdateRecord updates record payload using expected revision CAS.
// Params: record key, expected revision, and replacement payload.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) UpdateRecord(_ context.Context, key string, expectedRevision uint64, record domain.AlertRecord) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	// Index first: a lost CAS leaves an index entry whose record does not carry
	// the reference, which readers already treat as a miss.
	if err := s.indexMessage(key, record.MessageRef); err != nil {
		return 0, err
	}
	rev, err := s.dataKV.Update(key, body, expectedRevision)
	if err != nil {
		if !isRevisionConflict(err) && !errors.Is(err, nats.ErrKeyNotFound) {
			return 0, fmt.Errorf("update record: %w", err)
		}
		if _, getErr := s.dataKV.Get(key); errors.Is(getErr, nats.ErrKeyNotFound) {
			return 0, ErrNotFound
		}
		return 0, ErrConflict
	}
	return rev, nil
}

// FindByMessage resolves a bound message reference to its record key.
// Params: message reference.
// Returns: record key or ErrNotFound.
func (s *NATSStore) FindByMessage(_ context.Context, ref domain.MessageRef) (string, error) {
	if !ref.Bound() {
		return "", ErrNotFound
	}
	entry, err := s.indexKV.Get(natsIndexKey(ref))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get message index: %w", err)
	}
	return string(entry.Value()), nil
}

// PurgeResolved deletes resolved records older than cutoff.
// Params: retention cutoff.
// Returns: number of deleted records.
func (s *NATSStore) PurgeResolved(ctx context.Context, before time.Time) (int, error) {
	keys, err := s.dataKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("list keys: %w", err)
	}
	purged := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		record, rev, err := s.GetRecord(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return purged, err
		}
		if !purgeable(record, before) {
			continue
		}
		if err := s.dataKV.Delete(key, nats.LastRevision(rev)); err != nil {
			if isRevisionConflict(err) {
				continue
			}
			return purged, fmt.Errorf("delete record: %w", err)
		}
		if record.MessageRef.Bound() {
			if err := s.indexKV.Delete(natsIndexKey(record.MessageRef)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
				return purged, fmt.Errorf("delete message index: %w", err)
			}
		}
		purged++
	}
	return purged, nil
}

// Ping reports connection health.
func (s *NATSStore) Ping(context.Context) error {
	if !s.nc.IsConnected() {
		return fmt.Errorf("nats connection status %s", s.nc.Status())
	}
	return nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// indexMessage stores the bound message reference of one record key.
// Params: record key and message reference.
// Returns: put error; unbound references are ignored.
func (s *NATSStore) indexMessage(key string, ref domain.MessageRef) error {
	if !ref.Bound() {
		return nil
	}
	if _, err := s.indexKV.Put(natsIndexKey(ref), []byte(key)); err != nil {
		return fmt.Errorf("put message index: %w", err)
	}
	return nil
}

// natsIndexKey hashes a message reference into a KV-safe key.
// Params: bound message reference.
// Returns: "msg_<sha1 hex>" key.
func natsIndexKey(ref domain.MessageRef) string {
	digest := sha1.Sum([]byte(messageIndexKey(ref)))
	return "msg_" + hex.EncodeToString(digest[:])
}

func isRevisionConflict(err error) bool {
	return errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}
