package app

import (
	"context"
	"log/slog"
	"sync"

	"alertbridge/internal/domain"
	"alertbridge/internal/metrics"
	"alertbridge/internal/reconcile"
	"alertbridge/internal/render"
	"alertbridge/internal/tracker"
)

// Reaction outcomes reported to metrics and logs.
const (
	reactionIgnored   = "ignored"
	reactionUntracked = "untracked"
	reactionNoop      = "noop"
	reactionApplied   = "applied"
	reactionEdited    = "edited"
	reactionFailed    = "failed"
)

// ReactionHandler applies chat reactions to alert records.
// Params: tracker, renderer, messenger and reaction vocabulary.
// Returns: handler that edits a message only when its record changed.
type ReactionHandler struct {
	tracker   *tracker.Tracker
	reactions domain.ReactionMap
	metrics   *metrics.Metrics
	logger    *slog.Logger
	messages  messageSync
}

// NewReactionHandler creates reaction handler.
func NewReactionHandler(t *tracker.Tracker, renderer *render.Renderer, messenger Messenger, reactions domain.ReactionMap, recorder *metrics.Metrics, logger *slog.Logger) *ReactionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReactionHandler{
		tracker:   t,
		reactions: reactions,
		metrics:   recorder,
		logger:    logger,
		messages: messageSync{
			tracker:   t,
			renderer:  renderer,
			messenger: newMeteredMessenger(messenger, recorder),
			logger:    logger,
		},
	}
}

// Handle applies one reaction.
// Params: context and reaction from the chat feed.
// Returns: outcome label and StoreUnavailableError or context error; chat failures are logged only.
func (h *ReactionHandler) Handle(ctx context.Context, event domain.ReactionEvent) (string, error) {
	if event.Kind == domain.ReactionUnknown {
		event.Kind = h.reactions.Classify(event.Key)
	}
	outcome, err := h.handle(ctx, event)
	h.metrics.Reaction(event.Kind, outcome)
	return outcome, err
}

func (h *ReactionHandler) handle(ctx context.Context, event domain.ReactionEvent) (string, error) {
	if event.Kind == domain.ReactionUnknown {
		return reactionIgnored, nil
	}

	key, found, err := h.tracker.LookupMessage(ctx, event.Ref)
	if err != nil {
		return reactionFailed, err
	}
	if !found {
		return reactionUntracked, nil
	}

	var decision reconcile.Decision
	err = h.tracker.Do(ctx, key, func(scope *tracker.Scope) error {
		var err error
		decision, err = scope.ApplyReaction(ctx, event)
		return err
	})
	if err != nil {
		return reactionFailed, err
	}
	if !decision.Changed {
		h.logger.Debug("reaction needs no change", "alert_key", key, "actor", event.ActorID, "reason", decision.Reason)
		return reactionNoop, nil
	}
	h.logger.Info("alert state changed by reaction",
		"alert_key", key,
		"state", string(decision.Record.State),
		"actor", event.ActorID,
	)
	if decision.Action != reconcile.ActionEdit {
		return reactionApplied, nil
	}
	if err := h.messages.edit(ctx, key, decision.Record); err != nil {
		if domain.IsStoreUnavailable(err) {
			return reactionFailed, err
		}
		return reactionApplied, nil
	}
	return reactionEdited, nil
}

// Run consumes reactions with a fixed number of workers until ctx ends or in is closed.
// Params: context, reaction channel and worker count.
// Returns: after all workers stopped.
func (h *ReactionHandler) Run(ctx context.Context, in <-chan domain.ReactionEvent, workers int) {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-in:
					if !ok {
						return
					}
					if _, err := h.Handle(ctx, event); err != nil && ctx.Err() == nil {
						h.logger.Error("reaction handling failed",
							"room", event.Ref.Room,
							"message_id", event.Ref.MessageID,
							"error", err.Error(),
						)
					}
				}
			}
		}()
	}
	wg.Wait()
}
