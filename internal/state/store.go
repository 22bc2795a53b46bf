package state

import (
	"context"
	"errors"
	"time"

	"alertbridge/internal/domain"
)

var (
	// ErrNotFound indicates absent record or message index entry.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS writes.
	ErrConflict = errors.New("revision conflict")
)

// Store provides alert record persistence operations.
// Params: CAS operations keyed by record key plus the message index.
// Returns: backend persistence behavior.
//
// Backends keep the message index in sync with the bound MessageRef of each
// record: a write that changes the bound reference makes the new reference
// resolvable through FindByMessage.
type Store interface {
	GetRecord(ctx context.Context, key string) (domain.AlertRecord, uint64, error)
	CreateRecord(ctx context.Context, key string, record domain.AlertRecord) (uint64, error)
	UpdateRecord(ctx context.Context, key string, expectedRevision uint64, record domain.AlertRecord) (uint64, error)
	FindByMessage(ctx context.Context, ref domain.MessageRef) (string, error)
	PurgeResolved(ctx context.Context, before time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// messageIndexKey builds one flat index key for a bound message reference.
// Params: message reference with room and message id.
// Returns: deterministic index key.
func messageIndexKey(ref domain.MessageRef) string {
	return ref.Room + "\x00" + ref.MessageID
}

// purgeable reports whether a record may be deleted by retention.
// Params: record and retention cutoff.
// Returns: true for resolved records last updated before cutoff.
func purgeable(record domain.AlertRecord, before time.Time) bool {
	return record.State == domain.StateResolved && record.UpdatedAt.Before(before)
}
