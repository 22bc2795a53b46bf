package state

import (
	"context"
	"testing"

	"alertbridge/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return newRedisStore(client, "alertbridge:"), mr
}

func TestRedisStoreContract(t *testing.T) {
	t.Parallel()

	store, _ := newTestRedisStore(t)
	runStoreContract(t, store)
	runStoreCASRace(t, store)
}

func TestRedisStoreKeyLayout(t *testing.T) {
	t.Parallel()

	store, mr := newTestRedisStore(t)
	ctx := context.Background()
	ref := domain.MessageRef{Room: "-100200", MessageID: "42"}

	rev, err := store.CreateRecord(ctx, "room_a/highcpu/01", domain.AlertRecord{Key: "room_a/highcpu/01", MessageRef: ref})
	require.NoError(t, err)
	require.Equal(t, uint64(1), rev)
	require.True(t, mr.Exists("alertbridge:record:room_a/highcpu/01"))

	key, err := mr.Get("alertbridge:message:-100200\x0042")
	require.NoError(t, err)
	require.Equal(t, "room_a/highcpu/01", key)
}

func TestRedisStoreUnavailable(t *testing.T) {
	t.Parallel()

	store, mr := newTestRedisStore(t)
	mr.Close()

	_, _, err := store.GetRecord(context.Background(), "k")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Error(t, store.Ping(context.Background()))
}
