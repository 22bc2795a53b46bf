package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"alertbridge/internal/domain"
)

// Batch is one decoded Alertmanager webhook delivery.
// Params: group metadata, valid events and per-item decode failures.
// Returns: ingest input; Rejected items never reach the store.
type Batch struct {
	Receiver string
	GroupKey string
	Status   domain.AlertStatus
	Events   []domain.AlertEvent
	Rejected []*domain.MalformedAlertError
}

// Size returns the number of alert items in the delivery.
func (b Batch) Size() int {
	return len(b.Events) + len(b.Rejected)
}

type webhookMessage struct {
	Version           string            `json:"version"`
	GroupKey          string            `json:"groupKey"`
	TruncatedAlerts   int               `json:"truncatedAlerts"`
	Status            string            `json:"status"`
	Receiver          string            `json:"receiver"`
	GroupLabels       map[string]string `json:"groupLabels"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	ExternalURL       string            `json:"externalURL"`
	Alerts            json.RawMessage   `json:"alerts"`
}

type webhookAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

// DecodeWebhook parses one webhook body.
// Params: raw JSON body.
// Returns: batch with per-item results, or MalformedBatchError for structural failures.
func DecodeWebhook(raw []byte) (Batch, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return Batch{}, &domain.MalformedBatchError{Reason: "empty body"}
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	var message webhookMessage
	if err := decoder.Decode(&message); err != nil {
		return Batch{}, &domain.MalformedBatchError{Reason: "decode webhook", Err: err}
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return Batch{}, &domain.MalformedBatchError{Reason: "decode webhook", Err: err}
	}

	batch := Batch{Receiver: message.Receiver, GroupKey: message.GroupKey}
	if message.Status != "" {
		status, ok := domain.ParseAlertStatus(message.Status)
		if !ok {
			return Batch{}, &domain.MalformedBatchError{Reason: fmt.Sprintf("unsupported batch status %q", message.Status)}
		}
		batch.Status = status
	}

	alerts := bytes.TrimSpace(message.Alerts)
	if len(alerts) == 0 || alerts[0] != '[' {
		return Batch{}, &domain.MalformedBatchError{Reason: "alerts must be an array"}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(alerts, &items); err != nil {
		return Batch{}, &domain.MalformedBatchError{Reason: "decode alerts", Err: err}
	}

	batch.Events = make([]domain.AlertEvent, 0, len(items))
	for index, item := range items {
		event, err := decodeAlert(index, item, batch.Status)
		if err != nil {
			batch.Rejected = append(batch.Rejected, err)
			continue
		}
		batch.Events = append(batch.Events, event)
	}
	return batch, nil
}

// decodeAlert converts one alert item into a validated event.
// Params: item index, raw item JSON and batch-level default status.
// Returns: event or MalformedAlertError for this index only.
func decodeAlert(index int, raw json.RawMessage, fallback domain.AlertStatus) (domain.AlertEvent, *domain.MalformedAlertError) {
	var item webhookAlert
	if err := json.Unmarshal(raw, &item); err != nil {
		return domain.AlertEvent{}, &domain.MalformedAlertError{Index: index, Reason: "decode alert", Err: err}
	}

	status := fallback
	if item.Status != "" {
		parsed, ok := domain.ParseAlertStatus(item.Status)
		if !ok {
			return domain.AlertEvent{}, &domain.MalformedAlertError{Index: index, Reason: fmt.Sprintf("unsupported status %q", item.Status)}
		}
		status = parsed
	}

	event := domain.AlertEvent{
		Index:  index,
		Status: status,
		Payload: domain.AlertPayload{
			Labels:       item.Labels,
			Annotations:  item.Annotations,
			StartsAt:     item.StartsAt.UTC(),
			EndsAt:       item.EndsAt.UTC(),
			GeneratorURL: item.GeneratorURL,
			Fingerprint:  item.Fingerprint,
		},
	}
	if err := event.Validate(); err != nil {
		var malformed *domain.MalformedAlertError
		if errors.As(err, &malformed) {
			return domain.AlertEvent{}, malformed
		}
		return domain.AlertEvent{}, &domain.MalformedAlertError{Index: index, Reason: "invalid alert", Err: err}
	}
	return event, nil
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}
