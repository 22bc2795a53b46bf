package domain

import (
	"fmt"
	"strings"
)

// AlertStatus is the status reported by the monitoring system for one alert.
// Params: constants "firing" or "resolved".
// Returns: normalized status used by the ingestor.
type AlertStatus string

const (
	// AlertStatusFiring marks an active alert.
	AlertStatusFiring AlertStatus = "firing"
	// AlertStatusResolved marks an alert the monitoring system closed.
	AlertStatusResolved AlertStatus = "resolved"
)

// ParseAlertStatus normalizes one raw status value.
// Params: raw status text, case-insensitive.
// Returns: known status or false.
func ParseAlertStatus(raw string) (AlertStatus, bool) {
	switch AlertStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case AlertStatusFiring:
		return AlertStatusFiring, true
	case AlertStatusResolved:
		return AlertStatusResolved, true
	default:
		return "", false
	}
}

// AlertEvent is one validated alert item of a webhook batch.
// Params: item index, effective status and payload.
// Returns: ingest input independent of the wire format.
type AlertEvent struct {
	Index   int
	Status  AlertStatus
	Payload AlertPayload
}

// Validate checks event fields that do not depend on identity configuration.
// Params: event from boundary decoding.
// Returns: MalformedAlertError when the event cannot be processed.
func (e AlertEvent) Validate() error {
	if e.Status != AlertStatusFiring && e.Status != AlertStatusResolved {
		return &MalformedAlertError{Index: e.Index, Reason: fmt.Sprintf("unsupported status %q", e.Status)}
	}
	if len(e.Payload.Labels) == 0 {
		return &MalformedAlertError{Index: e.Index, Reason: "labels are required"}
	}
	return nil
}

// IngestOutcome is the processing result of one alert item.
type IngestOutcome string

const (
	// OutcomeCreated marks a newly sent chat message.
	OutcomeCreated IngestOutcome = "created"
	// OutcomeEdited marks an edited chat message.
	OutcomeEdited IngestOutcome = "edited"
	// OutcomeSkipped marks items that required no message operation.
	OutcomeSkipped IngestOutcome = "skipped"
	// OutcomeError marks items that failed validation or delivery.
	OutcomeError IngestOutcome = "error"
)

// IngestItem is the per-alert entry of IngestResult.
type IngestItem struct {
	Index    int           `json:"index"`
	Identity string        `json:"identity,omitempty"`
	Status   AlertStatus   `json:"status,omitempty"`
	Outcome  IngestOutcome `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// IngestResult aggregates one batch.
// Params: per-item outcomes in batch order.
// Returns: counters reported to the webhook caller.
type IngestResult struct {
	Room    string       `json:"room"`
	Created int          `json:"created"`
	Edited  int          `json:"edited"`
	Skipped int          `json:"skipped"`
	Errored int          `json:"errored"`
	Items   []IngestItem `json:"items"`
}

// Add appends one item and updates the counters.
func (r *IngestResult) Add(item IngestItem) {
	switch item.Outcome {
	case OutcomeCreated:
		r.Created++
	case OutcomeEdited:
		r.Edited++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeError:
		r.Errored++
	}
	r.Items = append(r.Items, item)
}
