package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"alertbridge/internal/domain"
)

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, store Store) {
	t.Helper()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	key := "room_0123456789abcdef/highcpu/00aa11bb22cc33dd"
	record := domain.AlertRecord{
		Key:        key,
		Identity:   "highcpu/00aa11bb22cc33dd",
		Room:       "!ops:example.org",
		State:      domain.StateFiring,
		Payload:    domain.AlertPayload{Labels: map[string]string{"alertname": "HighCPU", "instance": "node1"}},
		MessageRef: domain.MessageRef{Room: "!ops:example.org"},
		CreatedAt:  base,
		UpdatedAt:  base,
	}

	if _, _, err := store.GetRecord(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found before create, got %v", err)
	}
	if _, err := store.UpdateRecord(ctx, key, 1, record); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on update of absent key, got %v", err)
	}

	rev, err := store.CreateRecord(ctx, key, record)
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if rev == 0 {
		t.Fatalf("expected revision >0")
	}
	if _, err := store.CreateRecord(ctx, key, record); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on second create, got %v", err)
	}

	loaded, loadedRev, err := store.GetRecord(ctx, key)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if loadedRev != rev || loaded.Identity != record.Identity || loaded.Payload.Labels["instance"] != "node1" {
		t.Fatalf("unexpected record load: %+v rev=%d", loaded, loadedRev)
	}

	bound := domain.MessageRef{Room: "!ops:example.org", MessageID: "$event1"}
	if _, err := store.FindByMessage(ctx, bound); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unbound message to miss, got %v", err)
	}
	loaded.MessageRef = bound
	loaded.UpdatedAt = base.Add(time.Second)
	rev2, err := store.UpdateRecord(ctx, key, loadedRev, loaded)
	if err != nil {
		t.Fatalf("update record: %v", err)
	}
	if rev2 == loadedRev {
		t.Fatalf("expected revision to change")
	}
	if _, err := store.UpdateRecord(ctx, key, loadedRev, loaded); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on stale revision, got %v", err)
	}

	found, err := store.FindByMessage(ctx, bound)
	if err != nil {
		t.Fatalf("find by message: %v", err)
	}
	if found != key {
		t.Fatalf("expected key %q, got %q", key, found)
	}

	loaded.State = domain.StateResolved
	loaded.UpdatedAt = base.Add(2 * time.Second)
	if _, err := store.UpdateRecord(ctx, key, rev2, loaded); err != nil {
		t.Fatalf("resolve record: %v", err)
	}

	purged, err := store.PurgeResolved(ctx, base.Add(time.Second))
	if err != nil {
		t.Fatalf("purge before update time: %v", err)
	}
	if purged != 0 {
		t.Fatalf("expected nothing purged before cutoff, got %d", purged)
	}
	purged, err = store.PurgeResolved(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged record, got %d", purged)
	}
	if _, _, err := store.GetRecord(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after purge, got %v", err)
	}
	if _, err := store.FindByMessage(ctx, bound); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected index removed after purge, got %v", err)
	}
	if _, err := store.CreateRecord(ctx, key, record); err != nil {
		t.Fatalf("create after purge: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

// runStoreCASRace checks that concurrent writers on one revision see exactly one winner.
func runStoreCASRace(t *testing.T, store Store) {
	t.Helper()

	ctx := context.Background()
	key := "room_fedcba9876543210/diskfull/0011223344556677"
	record := domain.AlertRecord{Key: key, Identity: "diskfull/0011223344556677", State: domain.StateFiring}
	rev, err := store.CreateRecord(ctx, key, record)
	if err != nil {
		t.Fatalf("create record: %v", err)
	}

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := record
			next.State = domain.StateResolved
			_, err := store.UpdateRecord(ctx, key, rev, next)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected update error: %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 || conflicts != writers-1 {
		t.Fatalf("expected one winner, got winners=%d conflicts=%d", winners, conflicts)
	}
}
