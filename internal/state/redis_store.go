package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"alertbridge/internal/config"
	"alertbridge/internal/domain"

	"github.com/go-redis/redis/v8"
)

// RedisStore persists alert records as JSON envelopes in Redis.
// Params: redis client and key prefix.
// Returns: Redis-backed state store; WATCH/MULTI implements CAS.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// redisGetter is satisfied by both *redis.Client and *redis.Tx.
type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type redisEnvelope struct {
	Revision uint64             `json:"revision"`
	Record   domain.AlertRecord `json:"record"`
}

// NewRedisStore connects to Redis and verifies reachability.
// Params: Redis settings from config.
// Returns: initialized store or ping error.
func NewRedisStore(ctx context.Context, settings config.StateRedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     settings.Addr,
		Username: settings.Username,
		Password: settings.Password,
		DB:       settings.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", settings.Addr, err)
	}
	return newRedisStore(client, settings.KeyPrefix), nil
}

func newRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// GetRecord reads one record and its revision.
// Params: record key.
// Returns: record payload, revision, or ErrNotFound.
func (s *RedisStore) GetRecord(ctx context.Context, key string) (domain.AlertRecord, uint64, error) {
	envelope, err := s.load(ctx, s.client, key)
	if err != nil {
		return domain.AlertRecord{}, 0, err
	}
	return envelope.Record, envelope.Revision, nil
}

// CreateRecord writes a record only when the key is absent.
// Params: record key and payload.
// Returns: revision 1 or ErrConflict.
func (s *RedisStore) CreateRecord(ctx context.Context, key string, record domain.AlertRecord) (uint64, error) {
	body, err := json.Marshal(redisEnvelope{Revision: 1, Record: record})
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	if record.MessageRef.Bound() {
		if err := s.client.Set(ctx, s.indexKey(record.MessageRef), key, 0).Err(); err != nil {
			return 0, fmt.Errorf("put message index: %w", err)
		}
	}
	created, err := s.client.SetNX(ctx, s.recordKey(key), body, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("create record: %w", err)
	}
	if !created {
		return 0, ErrConflict
	}
	return 1, nil
}

// UpdateRecord updates record payload using expected revision CAS.
// Params: record key, expected revision, and replacement payload.
// Returns: new revision, ErrNotFound or ErrConflict.
func (s *RedisStore) UpdateRecord(ctx context.Context, key string, expectedRevision uint64, record domain.AlertRecord) (uint64, error) {
	recordKey := s.recordKey(key)
	next := expectedRevision + 1
	body, err := json.Marshal(redisEnvelope{Revision: next, Record: record})
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if current.Revision != expectedRevision {
			return ErrConflict
		}
		previous := current.Record.MessageRef
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey, body, 0)
			if previous != record.MessageRef {
				if previous.Bound() {
					pipe.Del(ctx, s.indexKey(previous))
				}
				if record.MessageRef.Bound() {
					pipe.Set(ctx, s.indexKey(record.MessageRef), key, 0)
				}
			}
			return nil
		})
		return err
	}, recordKey)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return 0, ErrConflict
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("update record: %w", err)
	}
	return next, nil
}

// FindByMessage resolves a bound message reference to its record key.
// Params: message reference.
// Returns: record key or ErrNotFound.
func (s *RedisStore) FindByMessage(ctx context.Context, ref domain.MessageRef) (string, error) {
	if !ref.Bound() {
		return "", ErrNotFound
	}
	key, err := s.client.Get(ctx, s.indexKey(ref)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get message index: %w", err)
	}
	return key, nil
}

// PurgeResolved deletes resolved records older than cutoff.
// Params: retention cutoff.
// Returns: number of deleted records.
func (s *RedisStore) PurgeResolved(ctx context.Context, before time.Time) (int, error) {
	purged := 0
	prefix := s.recordKey("")
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		recordKey := iter.Val()
		key := recordKey[len(prefix):]
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.load(ctx, tx, key)
			if err != nil {
				return err
			}
			if !purgeable(current.Record, before) {
				return ErrConflict
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, recordKey)
				if current.Record.MessageRef.Bound() {
					pipe.Del(ctx, s.indexKey(current.Record.MessageRef))
				}
				return nil
			})
			return err
		}, recordKey)
		switch {
		case err == nil:
			purged++
		case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound), errors.Is(err, redis.TxFailedErr):
		default:
			return purged, fmt.Errorf("purge %s: %w", key, err)
		}
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("scan records: %w", err)
	}
	return purged, nil
}

// Ping checks Redis reachability.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// load reads and decodes one envelope through a client or transaction.
// Params: context, command source and record key.
// Returns: envelope or ErrNotFound.
func (s *RedisStore) load(ctx context.Context, cmd redisGetter, key string) (redisEnvelope, error) {
	raw, err := cmd.Get(ctx, s.recordKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return redisEnvelope{}, ErrNotFound
		}
		return redisEnvelope{}, fmt.Errorf("get record: %w", err)
	}
	var envelope redisEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return redisEnvelope{}, fmt.Errorf("decode record: %w", err)
	}
	return envelope, nil
}

func (s *RedisStore) recordKey(key string) string {
	return s.prefix + "record:" + key
}

func (s *RedisStore) indexKey(ref domain.MessageRef) string {
	return s.prefix + "message:" + messageIndexKey(ref)
}
