package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"alertbridge/internal/clock"
	"alertbridge/internal/domain"
	"alertbridge/internal/reconcile"
	"alertbridge/internal/state"
)

const maxCASAttempts = 3

// Tracker owns alert record mutation on top of a state backend.
// Params: persistence store, clock, logger and send-claim TTL.
// Returns: per-key serialized lifecycle operations.
type Tracker struct {
	store    state.Store
	clock    clock.Clock
	logger   *slog.Logger
	claimTTL time.Duration
	locks    *keyLock
}

// New constructs a tracker.
// Params: state backend, clock, logger and send-claim TTL.
// Returns: tracker instance.
func New(store state.Store, clk clock.Clock, logger *slog.Logger, claimTTL time.Duration) *Tracker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:    store,
		clock:    clk,
		logger:   logger,
		claimTTL: claimTTL,
		locks:    newKeyLock(),
	}
}

// Scope exposes record operations for one key while its lock is held.
type Scope struct {
	tracker *Tracker
	key     string
}

// Key returns the record key of the scope.
func (s *Scope) Key() string {
	return s.key
}

// Do runs fn while holding the per-key scope.
// fn must only touch the store; chat calls happen after Do returns.
// Params: context, record key and callback.
// Returns: callback error or context error while waiting for the scope.
func (t *Tracker) Do(ctx context.Context, key string, fn func(scope *Scope) error) error {
	unlock, err := t.locks.lock(ctx, key)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", key, err)
	}
	defer unlock()
	return fn(&Scope{tracker: t, key: key})
}

// Current reads the stored record outside any scope.
// Params: context and record key.
// Returns: record, found flag, or StoreUnavailableError.
func (t *Tracker) Current(ctx context.Context, key string) (domain.AlertRecord, bool, error) {
	record, _, err := t.store.GetRecord(ctx, key)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return domain.AlertRecord{}, false, nil
		}
		return domain.AlertRecord{}, false, &domain.StoreUnavailableError{Op: "get", Err: err}
	}
	return record, true, nil
}

// LookupMessage resolves a chat message to the record key owning it.
// Params: context and message reference.
// Returns: record key, found flag, or StoreUnavailableError.
func (t *Tracker) LookupMessage(ctx context.Context, ref domain.MessageRef) (string, bool, error) {
	key, err := t.store.FindByMessage(ctx, ref)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return "", false, nil
		}
		return "", false, &domain.StoreUnavailableError{Op: "find_by_message", Err: err}
	}
	return key, true, nil
}

// PurgeResolved removes resolved records not updated since cutoff.
// Params: context and retention cutoff.
// Returns: purged count or StoreUnavailableError.
func (t *Tracker) PurgeResolved(ctx context.Context, before time.Time) (int, error) {
	purged, err := t.store.PurgeResolved(ctx, before)
	if err != nil {
		return purged, &domain.StoreUnavailableError{Op: "purge_resolved", Err: err}
	}
	return purged, nil
}

// Get returns the current record without side effects.
// Params: context.
// Returns: record, found flag, or StoreUnavailableError.
func (s *Scope) Get(ctx context.Context) (domain.AlertRecord, bool, error) {
	return s.tracker.Current(ctx, s.key)
}

// UpsertOnFire records a firing delivery.
// Params: context, identity, room and payload.
// Returns: fresh record requiring send, or refreshed record requiring edit.
func (s *Scope) UpsertOnFire(ctx context.Context, identity string, room string, payload domain.AlertPayload) (reconcile.Decision, error) {
	return s.mutate(ctx, "upsert_on_fire", func(current *domain.AlertRecord, now time.Time) reconcile.Decision {
		return reconcile.OnFire(current, reconcile.FireInput{
			Key:      s.key,
			Identity: identity,
			Room:     room,
			Payload:  payload,
			Now:      now,
			ClaimTTL: s.tracker.claimTTL,
		})
	})
}

// ApplyResolution records a resolved delivery.
// Params: context and resolution payload.
// Returns: changed decision for non-terminal records, no-op otherwise.
func (s *Scope) ApplyResolution(ctx context.Context, payload domain.AlertPayload) (reconcile.Decision, error) {
	decision, err := s.mutate(ctx, "apply_resolution", func(current *domain.AlertRecord, now time.Time) reconcile.Decision {
		return reconcile.OnResolve(current, payload, now)
	})
	if err == nil && !decision.Exists {
		s.tracker.logger.Warn("resolution for unknown alert dropped", "alert_key", s.key)
	}
	return decision, err
}

// ApplyReaction records a reaction on the message bound to the scope key.
// Params: context and reaction event.
// Returns: decision with Changed=false for stale references and guarded transitions.
func (s *Scope) ApplyReaction(ctx context.Context, event domain.ReactionEvent) (reconcile.Decision, error) {
	return s.mutate(ctx, "apply_reaction", func(current *domain.AlertRecord, now time.Time) reconcile.Decision {
		if current == nil {
			return reconcile.Decision{Action: reconcile.ActionNone, Reason: reconcile.ReasonUnknownAlert}
		}
		if current.MessageRef != event.Ref {
			return reconcile.Decision{Record: *current, Action: reconcile.ActionNone, Exists: true, Reason: reconcile.ReasonStaleMessage}
		}
		return reconcile.OnReaction(*current, event, now)
	})
}

// BindMessageRef persists the message created for a fresh record.
// Params: context and reference returned by the chat send.
// Returns: decision carrying the bound record.
func (s *Scope) BindMessageRef(ctx context.Context, ref domain.MessageRef) (reconcile.Decision, error) {
	decision, err := s.mutate(ctx, "bind_message_ref", func(current *domain.AlertRecord, now time.Time) reconcile.Decision {
		if current == nil {
			return reconcile.Decision{Action: reconcile.ActionNone, Reason: reconcile.ReasonUnknownAlert}
		}
		return reconcile.Bind(*current, ref, now)
	})
	if err == nil && decision.Reason == reconcile.ReasonBoundElsewhere {
		s.tracker.logger.Warn("record already bound to another message",
			"alert_key", s.key,
			"message_id", ref.MessageID,
			"bound_message_id", decision.Record.MessageRef.MessageID,
		)
	}
	return decision, err
}

// ReleaseSendClaim clears the send claim after the chat send failed.
// Params: context.
// Returns: decision or StoreUnavailableError.
func (s *Scope) ReleaseSendClaim(ctx context.Context) (reconcile.Decision, error) {
	return s.mutate(ctx, "release_send_claim", func(current *domain.AlertRecord, now time.Time) reconcile.Decision {
		if current == nil {
			return reconcile.Decision{Action: reconcile.ActionNone, Reason: reconcile.ReasonUnknownAlert}
		}
		return reconcile.ReleaseClaim(*current, now)
	})
}

// mutate runs one CAS read-modify-write with bounded conflict retries.
// Params: context, operation name and pure decision callback.
// Returns: persisted decision or StoreUnavailableError.
func (s *Scope) mutate(ctx context.Context, op string, decide func(current *domain.AlertRecord, now time.Time) reconcile.Decision) (reconcile.Decision, error) {
	store := s.tracker.store
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		record, rev, err := store.GetRecord(ctx, s.key)
		var current *domain.AlertRecord
		switch {
		case err == nil:
			current = &record
		case errors.Is(err, state.ErrNotFound):
		default:
			return reconcile.Decision{}, &domain.StoreUnavailableError{Op: op, Err: err}
		}

		decision := decide(current, s.tracker.clock.Now())
		if !decision.Changed {
			return decision, nil
		}
		if current == nil {
			_, err = store.CreateRecord(ctx, s.key, decision.Record)
		} else {
			_, err = store.UpdateRecord(ctx, s.key, rev, decision.Record)
		}
		if err == nil {
			return decision, nil
		}
		if errors.Is(err, state.ErrConflict) || errors.Is(err, state.ErrNotFound) {
			s.tracker.logger.Debug("record write conflict, retrying", "alert_key", s.key, "op", op, "attempt", attempt+1)
			continue
		}
		return reconcile.Decision{}, &domain.StoreUnavailableError{Op: op, Err: err}
	}
	return reconcile.Decision{}, &domain.StoreUnavailableError{
		Op:  op,
		Err: fmt.Errorf("conflict retries exceeded for %s", s.key),
	}
}
