package app

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"alertbridge/internal/domain"
	"alertbridge/internal/identity"
	"alertbridge/internal/ingest"
	"alertbridge/internal/metrics"
	"alertbridge/internal/reconcile"
	"alertbridge/internal/render"
	"alertbridge/internal/tracker"
)

// IngestorConfig holds ingestor collaborators.
type IngestorConfig struct {
	Tracker        *tracker.Tracker
	Resolver       *identity.Resolver
	Renderer       *render.Renderer
	Messenger      Messenger
	ResolvedMarker string
	Parallelism    int
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Ingestor applies webhook batches to alert records and chat messages.
// Params: tracker, identity resolver, renderer and chat messenger.
// Returns: batch processor with per-item isolation.
type Ingestor struct {
	tracker        *tracker.Tracker
	resolver       *identity.Resolver
	renderer       *render.Renderer
	messenger      Messenger
	resolvedMarker string
	parallelism    int
	metrics        *metrics.Metrics
	logger         *slog.Logger
	messages       messageSync
}

// NewIngestor creates ingestor.
func NewIngestor(cfg IngestorConfig) *Ingestor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	messenger := newMeteredMessenger(cfg.Messenger, cfg.Metrics)
	return &Ingestor{
		tracker:        cfg.Tracker,
		resolver:       cfg.Resolver,
		renderer:       cfg.Renderer,
		messenger:      messenger,
		resolvedMarker: cfg.ResolvedMarker,
		parallelism:    parallelism,
		metrics:        cfg.Metrics,
		logger:         logger,
		messages:       messageSync{tracker: cfg.Tracker, renderer: cfg.Renderer, messenger: messenger, logger: logger},
	}
}

type keyedEvent struct {
	identity string
	event    domain.AlertEvent
}

// Ingest processes one batch for one room.
// Params: context, room id and decoded batch.
// Returns: per-item result in batch order; StoreUnavailableError fails the whole request.
func (i *Ingestor) Ingest(ctx context.Context, room string, batch ingest.Batch) (domain.IngestResult, error) {
	items := make([]domain.IngestItem, batch.Size())
	for _, rejected := range batch.Rejected {
		items[rejected.Index] = errorItem(domain.IngestItem{Index: rejected.Index}, rejected)
	}

	// Events of one key keep batch order; keys run in parallel.
	groups := make(map[string][]keyedEvent)
	order := make([]string, 0, len(batch.Events))
	for _, event := range batch.Events {
		alertID, err := i.resolver.Resolve(event.Index, event.Payload.Labels)
		if err != nil {
			items[event.Index] = errorItem(domain.IngestItem{Index: event.Index, Status: event.Status}, err)
			continue
		}
		key := identity.RecordKey(room, alertID)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], keyedEvent{identity: alertID, event: event})
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(i.parallelism)
	for _, key := range order {
		events := groups[key]
		group.Go(func() error {
			for _, keyed := range events {
				item, err := i.process(groupCtx, room, key, keyed)
				if err != nil {
					return err
				}
				items[keyed.event.Index] = item
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return domain.IngestResult{}, err
	}

	result := domain.IngestResult{Room: room, Items: make([]domain.IngestItem, 0, len(items))}
	for _, item := range items {
		result.Add(item)
	}
	i.metrics.IngestResult(result)
	i.logger.Info("webhook batch processed",
		"room", room,
		"receiver", batch.Receiver,
		"created", result.Created,
		"edited", result.Edited,
		"skipped", result.Skipped,
		"errored", result.Errored,
	)
	return result, nil
}

// process handles one event.
// Store mutations run inside the key scope; chat calls run after it is released.
// Params: context, room, record key and event with resolved identity.
// Returns: item outcome, or a request-fatal error (store outage, cancellation).
func (i *Ingestor) process(ctx context.Context, room, key string, keyed keyedEvent) (domain.IngestItem, error) {
	item := domain.IngestItem{Index: keyed.event.Index, Identity: keyed.identity, Status: keyed.event.Status}
	var err error
	switch keyed.event.Status {
	case domain.AlertStatusFiring:
		item, err = i.fire(ctx, room, key, keyed, item)
	case domain.AlertStatusResolved:
		item, err = i.resolve(ctx, key, keyed, item)
	default:
		item = errorItem(item, &domain.MalformedAlertError{Index: item.Index, Reason: "unsupported status"})
	}
	if err != nil {
		if domain.IsStoreUnavailable(err) || ctx.Err() != nil {
			return item, err
		}
		return errorItem(item, err), nil
	}
	return item, nil
}

// mutate runs one store operation inside the key scope.
func (i *Ingestor) mutate(ctx context.Context, key string, op func(ctx context.Context, scope *tracker.Scope) (reconcile.Decision, error)) (reconcile.Decision, error) {
	var decision reconcile.Decision
	err := i.tracker.Do(ctx, key, func(scope *tracker.Scope) error {
		var err error
		decision, err = op(ctx, scope)
		return err
	})
	return decision, err
}

func (i *Ingestor) fire(ctx context.Context, room, key string, keyed keyedEvent, item domain.IngestItem) (domain.IngestItem, error) {
	decision, err := i.mutate(ctx, key, func(ctx context.Context, scope *tracker.Scope) (reconcile.Decision, error) {
		return scope.UpsertOnFire(ctx, keyed.identity, room, keyed.event.Payload)
	})
	if err != nil {
		return item, err
	}

	switch decision.Action {
	case reconcile.ActionSend:
		// The send claim keeps other deliveries from sending while this call is in flight.
		content := i.renderer.Render(decision.Record)
		ref, err := i.messenger.Send(ctx, room, content)
		if err != nil {
			i.logger.Warn("alert message send failed", "alert_key", key, "room", room, "error", err.Error())
			_, releaseErr := i.mutate(ctx, key, func(ctx context.Context, scope *tracker.Scope) (reconcile.Decision, error) {
				return scope.ReleaseSendClaim(ctx)
			})
			if releaseErr != nil {
				return item, releaseErr
			}
			return errorItem(item, err), nil
		}
		bound, err := i.mutate(ctx, key, func(ctx context.Context, scope *tracker.Scope) (reconcile.Decision, error) {
			return scope.BindMessageRef(ctx, ref)
		})
		if err != nil {
			return item, err
		}
		item.Outcome = domain.OutcomeCreated
		i.logger.Debug("alert message sent", "alert_key", key, "room", room, "message_id", ref.MessageID)
		if bound.Changed {
			// Writes that landed while the send was in flight.
			if err := i.messages.catchUp(ctx, key, ref, content); domain.IsStoreUnavailable(err) {
				return item, err
			}
		}
		return item, nil
	case reconcile.ActionEdit:
		if err := i.messages.edit(ctx, key, decision.Record); err != nil {
			if domain.IsStoreUnavailable(err) {
				return item, err
			}
			return errorItem(item, err), nil
		}
		item.Outcome = domain.OutcomeEdited
		return item, nil
	default:
		i.logger.Debug("firing delivery needs no message operation", "alert_key", key, "reason", decision.Reason)
		item.Outcome = domain.OutcomeSkipped
		return item, nil
	}
}

func (i *Ingestor) resolve(ctx context.Context, key string, keyed keyedEvent, item domain.IngestItem) (domain.IngestItem, error) {
	decision, err := i.mutate(ctx, key, func(ctx context.Context, scope *tracker.Scope) (reconcile.Decision, error) {
		return scope.ApplyResolution(ctx, keyed.event.Payload)
	})
	if err != nil {
		return item, err
	}
	if !decision.Changed || decision.Action != reconcile.ActionEdit {
		i.logger.Debug("resolution needs no message operation", "alert_key", key, "reason", decision.Reason)
		item.Outcome = domain.OutcomeSkipped
		return item, nil
	}

	if err := i.messages.edit(ctx, key, decision.Record); err != nil {
		if domain.IsStoreUnavailable(err) {
			return item, err
		}
		return errorItem(item, err), nil
	}
	item.Outcome = domain.OutcomeEdited
	if i.resolvedMarker != "" {
		if err := i.messenger.React(ctx, decision.Record.MessageRef, i.resolvedMarker); err != nil {
			i.logger.Warn("resolved marker reaction failed", "alert_key", key, "message_id", decision.Record.MessageRef.MessageID, "error", err.Error())
		}
	}
	return item, nil
}

func errorItem(item domain.IngestItem, err error) domain.IngestItem {
	item.Outcome = domain.OutcomeError
	item.Error = err.Error()
	return item
}
