package reconcile

import (
	"time"

	"alertbridge/internal/domain"
)

// Action is the chat message operation required after a decision.
type Action string

const (
	// ActionNone requires no chat call.
	ActionNone Action = "none"
	// ActionSend requires a new chat message.
	ActionSend Action = "send"
	// ActionEdit requires an edit of the bound message.
	ActionEdit Action = "edit"
)

// Reasons explain no-op and non-standard decisions in logs and tests.
const (
	ReasonUnknownAlert    = "unknown_alert"
	ReasonAlreadyResolved = "already_resolved"
	ReasonStaleFiring     = "stale_firing"
	ReasonStaleResolution = "stale_resolution"
	ReasonSendInFlight    = "send_in_flight"
	ReasonResendUnbound   = "resend_unbound"
	ReasonNotFiring       = "not_firing"
	ReasonUnknownReaction = "unknown_reaction"
	ReasonAlreadyBound    = "already_bound"
	ReasonBoundElsewhere  = "bound_elsewhere"
	ReasonStaleMessage    = "stale_message"
	ReasonNoClaim         = "no_claim"
)

// Decision is one reconciliation result.
// Params: next record, required message action and mutation flags.
// Returns: deterministic output consumed by the tracker and handlers.
type Decision struct {
	Record  domain.AlertRecord
	Action  Action
	Changed bool
	Fresh   bool
	Exists  bool
	Reason  string
}

// FireInput describes one firing delivery.
type FireInput struct {
	Key      string
	Identity string
	Room     string
	Payload  domain.AlertPayload
	Now      time.Time
	ClaimTTL time.Duration
}

// OnFire reconciles a firing delivery with the current record.
// Params: current record (nil when absent) and delivery input.
// Returns: fresh lifecycle for absent/resolved records, payload refresh otherwise.
func OnFire(current *domain.AlertRecord, in FireInput) Decision {
	if current == nil {
		return freshLifecycle(in)
	}
	if current.State == domain.StateResolved {
		if staleFiring(*current, in.Payload) {
			return Decision{Record: *current, Action: ActionNone, Exists: true, Reason: ReasonStaleFiring}
		}
		return freshLifecycle(in)
	}

	next := *current
	next.Payload = in.Payload
	next.UpdatedAt = in.Now
	decision := Decision{Record: next, Changed: true, Exists: true}
	switch {
	case next.MessageRef.Bound():
		decision.Action = ActionEdit
	case claimExpired(next.SendClaimedAt, in.Now, in.ClaimTTL):
		claimedAt := in.Now
		decision.Record.SendClaimedAt = &claimedAt
		decision.Action = ActionSend
		decision.Reason = ReasonResendUnbound
	default:
		decision.Action = ActionNone
		decision.Reason = ReasonSendInFlight
	}
	return decision
}

// OnResolve reconciles a resolved delivery with the current record.
// Params: current record (nil when absent), delivery payload and processing time.
// Returns: resolution of non-terminal records; no-op otherwise.
func OnResolve(current *domain.AlertRecord, payload domain.AlertPayload, now time.Time) Decision {
	if current == nil {
		return Decision{Action: ActionNone, Reason: ReasonUnknownAlert}
	}
	if current.State == domain.StateResolved {
		return Decision{Record: *current, Action: ActionNone, Exists: true, Reason: ReasonAlreadyResolved}
	}
	if !payload.StartsAt.IsZero() && !current.Payload.StartsAt.IsZero() && payload.StartsAt.Before(current.Payload.StartsAt) {
		return Decision{Record: *current, Action: ActionNone, Exists: true, Reason: ReasonStaleResolution}
	}

	next := *current
	next.Payload = mergeResolvedPayload(current.Payload, payload)
	resolvedAt := now
	if !payload.EndsAt.IsZero() {
		resolvedAt = payload.EndsAt
	}
	next.State = domain.StateResolved
	next.ResolvedAt = &resolvedAt
	next.ResolvedVia = domain.ResolvedByWebhook
	next.ResolvedBy = ""
	next.UpdatedAt = now
	return Decision{Record: next, Action: editIfBound(next), Changed: true, Exists: true}
}

// OnReaction reconciles one reaction with the record owning the reacted message.
// Params: current record, reaction event and processing time.
// Returns: monotone transition or no-op.
func OnReaction(current domain.AlertRecord, event domain.ReactionEvent, now time.Time) Decision {
	unchanged := Decision{Record: current, Action: ActionNone, Exists: true}
	switch event.Kind {
	case domain.ReactionAcknowledge:
		if current.State != domain.StateFiring {
			unchanged.Reason = ReasonNotFiring
			return unchanged
		}
		next := current
		at := reactionTime(event, now)
		next.State = domain.StateAcknowledged
		next.AcknowledgedBy = event.ActorID
		next.AcknowledgedAt = &at
		next.UpdatedAt = now
		return Decision{Record: next, Action: editIfBound(next), Changed: true, Exists: true}
	case domain.ReactionResolve:
		if current.State == domain.StateResolved {
			unchanged.Reason = ReasonAlreadyResolved
			return unchanged
		}
		next := current
		at := reactionTime(event, now)
		next.State = domain.StateResolved
		next.ResolvedBy = event.ActorID
		next.ResolvedAt = &at
		next.ResolvedVia = domain.ResolvedByReaction
		next.UpdatedAt = now
		return Decision{Record: next, Action: editIfBound(next), Changed: true, Exists: true}
	default:
		unchanged.Reason = ReasonUnknownReaction
		return unchanged
	}
}

// Bind records the chat message created for a fresh lifecycle.
// Params: current record and the reference returned by the chat send.
// Returns: record with bound reference and cleared send claim.
func Bind(current domain.AlertRecord, ref domain.MessageRef, now time.Time) Decision {
	if current.MessageRef == ref {
		return Decision{Record: current, Action: ActionNone, Exists: true, Reason: ReasonAlreadyBound}
	}
	if current.MessageRef.Bound() {
		return Decision{Record: current, Action: ActionNone, Exists: true, Reason: ReasonBoundElsewhere}
	}
	next := current
	next.MessageRef = ref
	next.SendClaimedAt = nil
	next.UpdatedAt = now
	// Callers re-render the message when writes landed while the send was in flight.
	return Decision{Record: next, Action: ActionNone, Changed: true, Exists: true}
}

// ReleaseClaim drops the send claim of an unbound record after a failed send.
// Params: current record and processing time.
// Returns: changed decision when a claim was held; the next firing delivery then sends again.
func ReleaseClaim(current domain.AlertRecord, now time.Time) Decision {
	if current.MessageRef.Bound() {
		return Decision{Record: current, Action: ActionNone, Exists: true, Reason: ReasonAlreadyBound}
	}
	if current.SendClaimedAt == nil {
		return Decision{Record: current, Action: ActionNone, Exists: true, Reason: ReasonNoClaim}
	}
	next := current
	next.SendClaimedAt = nil
	next.UpdatedAt = now
	return Decision{Record: next, Action: ActionNone, Changed: true, Exists: true}
}

// freshLifecycle starts a new lifecycle instance in Firing state.
// Params: firing delivery input.
// Returns: decision requiring a new message.
func freshLifecycle(in FireInput) Decision {
	claimedAt := in.Now
	return Decision{
		Record: domain.AlertRecord{
			Key:           in.Key,
			Identity:      in.Identity,
			Room:          in.Room,
			State:         domain.StateFiring,
			Payload:       in.Payload,
			MessageRef:    domain.MessageRef{Room: in.Room},
			SendClaimedAt: &claimedAt,
			CreatedAt:     in.Now,
			UpdatedAt:     in.Now,
		},
		Action:  ActionSend,
		Changed: true,
		Fresh:   true,
	}
}

// staleFiring detects delayed redelivery of an occurrence the monitoring system already resolved.
// Params: resolved record and firing payload.
// Returns: true when the firing payload carries the resolved occurrence start time.
func staleFiring(current domain.AlertRecord, payload domain.AlertPayload) bool {
	if current.ResolvedVia != domain.ResolvedByWebhook {
		return false
	}
	if payload.StartsAt.IsZero() || current.Payload.StartsAt.IsZero() {
		return false
	}
	return !payload.StartsAt.After(current.Payload.StartsAt)
}

// mergeResolvedPayload keeps stored annotations when the resolution omits them.
// Params: stored payload and resolution payload.
// Returns: payload used for the resolved rendering.
func mergeResolvedPayload(stored domain.AlertPayload, incoming domain.AlertPayload) domain.AlertPayload {
	merged := incoming
	if len(merged.Labels) == 0 {
		merged.Labels = stored.Labels
	}
	if len(merged.Annotations) == 0 {
		merged.Annotations = stored.Annotations
	}
	if merged.StartsAt.IsZero() {
		merged.StartsAt = stored.StartsAt
	}
	if merged.GeneratorURL == "" {
		merged.GeneratorURL = stored.GeneratorURL
	}
	return merged
}

func claimExpired(claimedAt *time.Time, now time.Time, ttl time.Duration) bool {
	if claimedAt == nil {
		return true
	}
	return now.Sub(*claimedAt) >= ttl
}

func editIfBound(record domain.AlertRecord) Action {
	if record.MessageRef.Bound() {
		return ActionEdit
	}
	return ActionNone
}

func reactionTime(event domain.ReactionEvent, now time.Time) time.Time {
	if event.Timestamp.IsZero() {
		return now
	}
	return event.Timestamp.UTC()
}
