package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"alertbridge/internal/config"
	"alertbridge/internal/domain"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
)

// sqlMigrations lists schema steps; index+1 is the schema version.
var sqlMigrations = []string{
	`CREATE TABLE IF NOT EXISTS alert_records (
		record_key TEXT PRIMARY KEY,
		revision BIGINT NOT NULL,
		state TEXT NOT NULL,
		message_room TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		updated_at_ms BIGINT NOT NULL,
		body TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_records_message ON alert_records (message_room, message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_records_state ON alert_records (state, updated_at_ms)`,
}

// SQLStore persists alert records in SQLite or PostgreSQL.
// Params: database handle and placeholder dialect.
// Returns: SQL-backed state store; revision column implements CAS.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore opens the configured database and applies migrations.
// Params: SQL settings with driver ("sqlite" or "postgres") and DSN.
// Returns: initialized SQL store or open/migration error.
func NewSQLStore(ctx context.Context, settings config.StateSQLConfig) (*SQLStore, error) {
	dialect := strings.ToLower(strings.TrimSpace(settings.Driver))
	if dialect != dialectSQLite && dialect != dialectPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", settings.Driver)
	}
	db, err := sql.Open(dialect, settings.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if dialect == dialectSQLite {
		// SQLite serializes writers; one connection keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply %q: %w", pragma, err)
			}
		}
	} else if settings.MaxOpenConns > 0 {
		db.SetMaxOpenConns(settings.MaxOpenConns)
	}

	store := newSQLStore(db, dialect)
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func newSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// migrate applies pending schema steps inside one transaction each.
// Params: context.
// Returns: migration error.
func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > len(sqlMigrations) {
		return fmt.Errorf("database schema version %d is newer than supported %d", current, len(sqlMigrations))
	}
	for version := current + 1; version <= len(sqlMigrations); version++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, sqlMigrations[version-1]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_version (version) VALUES (?)`), version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}
	return nil
}

// GetRecord reads one record and its revision.
// Params: record key.
// Returns: record payload, revision, or ErrNotFound.
func (s *SQLStore) GetRecord(ctx context.Context, key string) (domain.AlertRecord, uint64, error) {
	var (
		revision int64
		body     string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT revision, body FROM alert_records WHERE record_key = ?`), key).Scan(&revision, &body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AlertRecord{}, 0, ErrNotFound
		}
		return domain.AlertRecord{}, 0, fmt.Errorf("get record: %w", err)
	}
	var record domain.AlertRecord
	if err := json.Unmarshal([]byte(body), &record); err != nil {
		return domain.AlertRecord{}, 0, fmt.Errorf("decode record: %w", err)
	}
	return record, uint64(revision), nil
}

// CreateRecord inserts a record only when the key is absent.
// Params: record key and payload.
// Returns: revision 1 or ErrConflict.
func (s *SQLStore) CreateRecord(ctx context.Context, key string, record domain.AlertRecord) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	result, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO alert_records
		(record_key, revision, state, message_room, message_id, updated_at_ms, body)
		VALUES (?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT (record_key) DO NOTHING`),
		key, string(record.State), record.MessageRef.Room, record.MessageRef.MessageID, record.UpdatedAt.UnixMilli(), string(body))
	if err != nil {
		return 0, fmt.Errorf("create record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("create record rows: %w", err)
	}
	if affected == 0 {
		return 0, ErrConflict
	}
	return 1, nil
}

// UpdateRecord updates record payload using expected revision CAS.
// Params: record key, expected revision, and replacement payload.
// Returns: new revision, ErrNotFound or ErrConflict.
func (s *SQLStore) UpdateRecord(ctx context.Context, key string, expectedRevision uint64, record domain.AlertRecord) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE alert_records
		SET revision = revision + 1, state = ?, message_room = ?, message_id = ?, updated_at_ms = ?, body = ?
		WHERE record_key = ? AND revision = ?`),
		string(record.State), record.MessageRef.Room, record.MessageRef.MessageID, record.UpdatedAt.UnixMilli(), string(body),
		key, int64(expectedRevision))
	if err != nil {
		return 0, fmt.Errorf("update record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update record rows: %w", err)
	}
	if affected == 1 {
		return expectedRevision + 1, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM alert_records WHERE record_key = ?`), key).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("check record: %w", err)
	}
	return 0, ErrConflict
}

// FindByMessage resolves a bound message reference to its record key.
// Params: message reference.
// Returns: record key or ErrNotFound.
func (s *SQLStore) FindByMessage(ctx context.Context, ref domain.MessageRef) (string, error) {
	if !ref.Bound() {
		return "", ErrNotFound
	}
	var key string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT record_key FROM alert_records WHERE message_room = ? AND message_id = ? LIMIT 1`),
		ref.Room, ref.MessageID).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("find by message: %w", err)
	}
	return key, nil
}

// PurgeResolved deletes resolved records older than cutoff in one statement.
// Params: retention cutoff.
// Returns: number of deleted records.
func (s *SQLStore) PurgeResolved(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM alert_records WHERE state = ? AND updated_at_ms < ?`),
		string(domain.StateResolved), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge resolved: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge resolved rows: %w", err)
	}
	return int(affected), nil
}

// Ping checks database reachability.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts '?' placeholders into '$n' for PostgreSQL.
// Params: query written with '?' placeholders.
// Returns: query in the store dialect.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	index := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		index++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(index))
	}
	return b.String()
}
