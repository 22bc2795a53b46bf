package domain

import "time"

// LifecycleState is the handling status of one tracked alert.
// Params: firing/acknowledged/resolved state constants.
// Returns: state used by reconciliation, storage and rendering.
type LifecycleState string

const (
	// StateFiring marks an alert reported active and not yet handled.
	StateFiring LifecycleState = "firing"
	// StateAcknowledged marks an alert a human took ownership of.
	StateAcknowledged LifecycleState = "acknowledged"
	// StateResolved marks a closed alert.
	StateResolved LifecycleState = "resolved"
)

// Valid reports whether the state is one of the known lifecycle states.
func (s LifecycleState) Valid() bool {
	switch s {
	case StateFiring, StateAcknowledged, StateResolved:
		return true
	default:
		return false
	}
}

// ResolutionSource records who closed an alert.
type ResolutionSource string

const (
	// ResolvedByWebhook marks resolution reported by the monitoring system.
	ResolvedByWebhook ResolutionSource = "webhook"
	// ResolvedByReaction marks resolution requested by a chat reaction.
	ResolvedByReaction ResolutionSource = "reaction"
)

// AlertPayload is the last received alert content used for rendering.
// Params: labels, annotations and timestamps as sent by the monitoring system.
// Returns: render input persisted inside AlertRecord.
type AlertPayload struct {
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	StartsAt     time.Time         `json:"starts_at,omitempty"`
	EndsAt       time.Time         `json:"ends_at,omitempty"`
	GeneratorURL string            `json:"generator_url,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
}

// MessageRef identifies one chat message in one room.
// Params: backend room identifier and backend message identifier.
// Returns: handle used for edits, reactions and the message index.
type MessageRef struct {
	Room      string `json:"room"`
	MessageID string `json:"message_id,omitempty"`
}

// Bound reports whether a chat message was sent for the reference.
func (r MessageRef) Bound() bool {
	return r.MessageID != ""
}

// AlertRecord stores persisted alert lifecycle for one identity in one room.
// Params: identity, lifecycle state, latest payload and bound chat message.
// Returns: record for state backends, reconciliation and rendering.
type AlertRecord struct {
	Key            string           `json:"key"`
	Identity       string           `json:"identity"`
	Room           string           `json:"room"`
	State          LifecycleState   `json:"state"`
	Payload        AlertPayload     `json:"payload"`
	MessageRef     MessageRef       `json:"message_ref"`
	SendClaimedAt  *time.Time       `json:"send_claimed_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	AcknowledgedBy string           `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time       `json:"acknowledged_at,omitempty"`
	ResolvedBy     string           `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time       `json:"resolved_at,omitempty"`
	ResolvedVia    ResolutionSource `json:"resolved_via,omitempty"`
}

// Terminal reports whether reactions can no longer change the record.
func (r AlertRecord) Terminal() bool {
	return r.State == StateResolved
}

// ReactionKind is the lifecycle meaning of one chat reaction.
type ReactionKind string

const (
	// ReactionUnknown marks reactions without lifecycle meaning.
	ReactionUnknown ReactionKind = ""
	// ReactionAcknowledge requests Firing -> Acknowledged.
	ReactionAcknowledge ReactionKind = "acknowledge"
	// ReactionResolve requests Firing/Acknowledged -> Resolved.
	ReactionResolve ReactionKind = "resolve"
)

// ReactionEvent is one inbound reaction from the chat feed.
// Params: reacted message, actor, raw reaction key and its classified kind.
// Returns: input for the reaction handler, never persisted.
type ReactionEvent struct {
	Ref       MessageRef
	ActorID   string
	Key       string
	Kind      ReactionKind
	Timestamp time.Time
}

// ReactionMap classifies raw reaction keys into lifecycle kinds.
// Params: configured acknowledge and resolve keys.
// Returns: classifier shared by chat backends.
type ReactionMap struct {
	kinds map[string]ReactionKind
}

// NewReactionMap builds one classifier; resolve keys win on overlap.
func NewReactionMap(ack []string, resolve []string) ReactionMap {
	kinds := make(map[string]ReactionKind, len(ack)+len(resolve))
	for _, key := range ack {
		kinds[normalizeReactionKey(key)] = ReactionAcknowledge
	}
	for _, key := range resolve {
		kinds[normalizeReactionKey(key)] = ReactionResolve
	}
	return ReactionMap{kinds: kinds}
}

// Classify returns the lifecycle kind for one raw reaction key.
func (m ReactionMap) Classify(key string) ReactionKind {
	return m.kinds[normalizeReactionKey(key)]
}

// normalizeReactionKey drops emoji variation selectors and shortcode colons.
func normalizeReactionKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		if r == '\uFE0F' || r == '\uFE0E' {
			continue
		}
		out = append(out, r)
	}
	trimmed := string(out)
	if len(trimmed) > 2 && trimmed[0] == ':' && trimmed[len(trimmed)-1] == ':' {
		trimmed = trimmed[1 : len(trimmed)-1]
	}
	return trimmed
}
