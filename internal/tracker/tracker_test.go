package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alertbridge/internal/clock"
	"alertbridge/internal/domain"
	"alertbridge/internal/reconcile"
	"alertbridge/internal/state"
)

type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.now
	c.now = c.now.Add(c.step)
	return current
}

// conflictStore injects revision conflicts to emulate another writer instance.
type conflictStore struct {
	state.Store
	conflicts atomic.Int32
	failGet   error
}

func (s *conflictStore) UpdateRecord(ctx context.Context, key string, rev uint64, record domain.AlertRecord) (uint64, error) {
	if s.conflicts.Load() > 0 {
		s.conflicts.Add(-1)
		return 0, state.ErrConflict
	}
	return s.Store.UpdateRecord(ctx, key, rev, record)
}

func (s *conflictStore) GetRecord(ctx context.Context, key string) (domain.AlertRecord, uint64, error) {
	if s.failGet != nil {
		return domain.AlertRecord{}, 0, s.failGet
	}
	return s.Store.GetRecord(ctx, key)
}

func newTestTracker(store state.Store) *Tracker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), step: time.Millisecond}
	return New(store, clk, logger, time.Minute)
}

func firingPayload() domain.AlertPayload {
	return domain.AlertPayload{Labels: map[string]string{"alertname": "HighCPU", "instance": "node1"}}
}

func fireAndBind(t *testing.T, tr *Tracker, key string, messageID string) domain.MessageRef {
	t.Helper()

	ref := domain.MessageRef{Room: "room-1", MessageID: messageID}
	err := tr.Do(context.Background(), key, func(scope *Scope) error {
		decision, err := scope.UpsertOnFire(context.Background(), "highcpu/fp", "room-1", firingPayload())
		if err != nil {
			return err
		}
		if decision.Action != reconcile.ActionSend {
			t.Fatalf("expected send action, got %+v", decision)
		}
		_, err = scope.BindMessageRef(context.Background(), ref)
		return err
	})
	if err != nil {
		t.Fatalf("fire and bind: %v", err)
	}
	return ref
}

func TestTrackerFireBindEditCycle(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(state.NewMemoryStore())
	ref := fireAndBind(t, tr, "k", "m1")

	err := tr.Do(context.Background(), "k", func(scope *Scope) error {
		decision, err := scope.UpsertOnFire(context.Background(), "highcpu/fp", "room-1", firingPayload())
		if err != nil {
			return err
		}
		if decision.Action != reconcile.ActionEdit || decision.Record.MessageRef != ref {
			t.Fatalf("expected edit of bound message, got %+v", decision)
		}
		record, found, err := scope.Get(context.Background())
		if err != nil || !found {
			t.Fatalf("get record: found=%v err=%v", found, err)
		}
		if record.SendClaimedAt != nil || record.MessageRef != ref {
			t.Fatalf("unexpected stored record %+v", record)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second fire: %v", err)
	}

	key, found, err := tr.LookupMessage(context.Background(), ref)
	if err != nil || !found || key != "k" {
		t.Fatalf("lookup message: key=%q found=%v err=%v", key, found, err)
	}
}

func TestTrackerResolutionOfUnknownAlertIsNoop(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(state.NewMemoryStore())
	err := tr.Do(context.Background(), "missing", func(scope *Scope) error {
		decision, err := scope.ApplyResolution(context.Background(), firingPayload())
		if err != nil {
			return err
		}
		if decision.Changed || decision.Exists || decision.Reason != reconcile.ReasonUnknownAlert {
			t.Fatalf("expected unknown alert no-op, got %+v", decision)
		}
		_, found, err := scope.Get(context.Background())
		if found {
			t.Fatalf("resolution must not create a record")
		}
		return err
	})
	if err != nil {
		t.Fatalf("apply resolution: %v", err)
	}
}

func TestTrackerReactionOnStaleMessageIsNoop(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(state.NewMemoryStore())
	fireAndBind(t, tr, "k", "m1")

	err := tr.Do(context.Background(), "k", func(scope *Scope) error {
		decision, err := scope.ApplyReaction(context.Background(), domain.ReactionEvent{
			Ref:  domain.MessageRef{Room: "room-1", MessageID: "old"},
			Kind: domain.ReactionAcknowledge,
		})
		if err != nil {
			return err
		}
		if decision.Changed || decision.Reason != reconcile.ReasonStaleMessage {
			t.Fatalf("expected stale message no-op, got %+v", decision)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("apply reaction: %v", err)
	}
}

func TestTrackerConcurrentResolveReactionsChangeOnce(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(state.NewMemoryStore())
	ref := fireAndBind(t, tr, "k", "m1")

	const actors = 16
	var (
		wg      sync.WaitGroup
		changed atomic.Int32
	)
	for i := 0; i < actors; i++ {
		wg.Add(1)
		go func(actor int) {
			defer wg.Done()
			err := tr.Do(context.Background(), "k", func(scope *Scope) error {
				decision, err := scope.ApplyReaction(context.Background(), domain.ReactionEvent{
					Ref:     ref,
					ActorID: "user",
					Kind:    domain.ReactionResolve,
				})
				if decision.Changed {
					changed.Add(1)
				}
				return err
			})
			if err != nil {
				t.Errorf("actor %d: %v", actor, err)
			}
		}(i)
	}
	wg.Wait()
	if changed.Load() != 1 {
		t.Fatalf("expected exactly one change, got %d", changed.Load())
	}
	if tr.locks.size() != 0 {
		t.Fatalf("expected key locks released, got %d", tr.locks.size())
	}
}

func TestTrackerRetriesConflicts(t *testing.T) {
	t.Parallel()

	store := &conflictStore{Store: state.NewMemoryStore()}
	tr := newTestTracker(store)
	ref := fireAndBind(t, tr, "k", "m1")

	store.conflicts.Store(2)
	err := tr.Do(context.Background(), "k", func(scope *Scope) error {
		decision, err := scope.ApplyReaction(context.Background(), domain.ReactionEvent{Ref: ref, Kind: domain.ReactionAcknowledge, ActorID: "alice"})
		if err != nil {
			return err
		}
		if !decision.Changed || decision.Record.State != domain.StateAcknowledged {
			t.Fatalf("expected acknowledged after retries, got %+v", decision)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("apply reaction: %v", err)
	}

	store.conflicts.Store(maxCASAttempts)
	err = tr.Do(context.Background(), "k", func(scope *Scope) error {
		_, err := scope.ApplyReaction(context.Background(), domain.ReactionEvent{Ref: ref, Kind: domain.ReactionResolve})
		return err
	})
	if !domain.IsStoreUnavailable(err) {
		t.Fatalf("expected store unavailable after exhausting retries, got %v", err)
	}
}

func TestTrackerWrapsBackendErrors(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: connection refused")
	tr := newTestTracker(&conflictStore{Store: state.NewMemoryStore(), failGet: cause})
	err := tr.Do(context.Background(), "k", func(scope *Scope) error {
		_, err := scope.UpsertOnFire(context.Background(), "highcpu/fp", "room-1", firingPayload())
		return err
	})
	var unavailable *domain.StoreUnavailableError
	if !errors.As(err, &unavailable) || unavailable.Op != "upsert_on_fire" || !errors.Is(err, cause) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestTrackerDoHonoursContextWhileWaiting(t *testing.T) {
	t.Parallel()

	tr := New(state.NewMemoryStore(), clock.RealClock{}, nil, time.Minute)
	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = tr.Do(context.Background(), "k", func(*Scope) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tr.Do(ctx, "k", func(*Scope) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	other := tr.Do(context.Background(), "other", func(*Scope) error { return nil })
	if other != nil {
		t.Fatalf("different key must not wait: %v", other)
	}
	close(release)
}

func TestTrackerPurgeResolved(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(state.NewMemoryStore())
	ref := fireAndBind(t, tr, "k", "m1")
	err := tr.Do(context.Background(), "k", func(scope *Scope) error {
		_, err := scope.ApplyReaction(context.Background(), domain.ReactionEvent{Ref: ref, Kind: domain.ReactionResolve})
		return err
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	purged, err := tr.PurgeResolved(context.Background(), time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	if err != nil || purged != 1 {
		t.Fatalf("purge: purged=%d err=%v", purged, err)
	}
	if _, found, _ := tr.LookupMessage(context.Background(), ref); found {
		t.Fatalf("expected purged message to be untracked")
	}
}

func TestTrackerCurrentDoesNotWaitForScope(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(state.NewMemoryStore())
	ref := fireAndBind(t, tr, "k", "m1")

	err := tr.Do(context.Background(), "k", func(*Scope) error {
		record, found, err := tr.Current(context.Background(), "k")
		if err != nil || !found || record.MessageRef != ref {
			t.Fatalf("current inside scope: record=%+v found=%v err=%v", record, found, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if _, found, err := tr.Current(context.Background(), "missing"); err != nil || found {
		t.Fatalf("expected missing record, found=%v err=%v", found, err)
	}
}
