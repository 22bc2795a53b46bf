package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"alertbridge/internal/config"
	"alertbridge/internal/domain"
	"alertbridge/internal/render"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	matrixSendPath   = "/_matrix/client/v3/rooms/{roomId}/send/{eventType}/{txnId}"
	matrixSyncPath   = "/_matrix/client/v3/sync"
	matrixSyncFilter = `{"room":{"timeline":{"types":["m.reaction"]},"state":{"types":[]},"ephemeral":{"types":[]},"account_data":{"types":[]}},"presence":{"types":[]},"account_data":{"types":[]}}`
	matrixMinBackoff = time.Second
	matrixMaxBackoff = 30 * time.Second
)

// Matrix talks to a Matrix homeserver over the client-server API.
// Params: homeserver URL, access token and bot user id.
// Returns: chat backend posting HTML formatted events.
type Matrix struct {
	cfg    config.MatrixConfig
	http   *resty.Client
	logger *slog.Logger
}

// NewMatrix creates Matrix backend.
// Params: Matrix config and logger.
// Returns: initialized backend.
func NewMatrix(cfg config.MatrixConfig, logger *slog.Logger) *Matrix {
	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(strings.TrimSpace(cfg.Homeserver), "/")).
		SetTimeout(time.Duration(timeoutSec+cfg.SyncTimeoutSec) * time.Second).
		SetAuthToken(strings.TrimSpace(cfg.AccessToken)).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Matrix{cfg: cfg, http: client, logger: logger}
}

// Name returns backend name.
func (m *Matrix) Name() string {
	return config.ChatBackendMatrix
}

type matrixMessage struct {
	MsgType       string           `json:"msgtype"`
	Body          string           `json:"body"`
	Format        string           `json:"format,omitempty"`
	FormattedBody string           `json:"formatted_body,omitempty"`
	NewContent    *matrixMessage   `json:"m.new_content,omitempty"`
	RelatesTo     *matrixRelatesTo `json:"m.relates_to,omitempty"`
}

type matrixRelatesTo struct {
	RelType string `json:"rel_type"`
	EventID string `json:"event_id"`
	Key     string `json:"key,omitempty"`
}

type matrixSendResponse struct {
	EventID string `json:"event_id"`
}

func matrixContent(content render.Content) *matrixMessage {
	return &matrixMessage{
		MsgType:       "m.text",
		Body:          content.Plain,
		Format:        "org.matrix.custom.html",
		FormattedBody: content.HTML,
	}
}

// Send posts one m.room.message event.
// Params: context, room id and rendered content.
// Returns: message reference with event id.
func (m *Matrix) Send(ctx context.Context, room string, content render.Content) (domain.MessageRef, error) {
	eventID, err := m.sendEvent(ctx, room, "m.room.message", matrixContent(content))
	if err != nil {
		return domain.MessageRef{}, &domain.DeliveryError{Room: room, Err: fmt.Errorf("matrix send: %w", err)}
	}
	return domain.MessageRef{Room: room, MessageID: eventID}, nil
}

// Edit replaces message content with an m.replace relation.
// Params: context, message reference and rendered content.
// Returns: EditFailedError on any rejection.
func (m *Matrix) Edit(ctx context.Context, ref domain.MessageRef, content render.Content) error {
	replacement := matrixContent(content)
	edit := &matrixMessage{
		MsgType:       "m.text",
		Body:          "* " + content.Plain,
		Format:        "org.matrix.custom.html",
		FormattedBody: "* " + content.HTML,
		NewContent:    replacement,
		RelatesTo:     &matrixRelatesTo{RelType: "m.replace", EventID: ref.MessageID},
	}
	if _, err := m.sendEvent(ctx, ref.Room, "m.room.message", edit); err != nil {
		return &domain.EditFailedError{Ref: ref, Err: fmt.Errorf("matrix edit: %w", err)}
	}
	return nil
}

// React annotates a message with the given key.
// Params: context, message reference and emoji.
// Returns: transport or API error.
func (m *Matrix) React(ctx context.Context, ref domain.MessageRef, key string) error {
	body := map[string]any{
		"m.relates_to": matrixRelatesTo{RelType: "m.annotation", EventID: ref.MessageID, Key: key},
	}
	if _, err := m.sendEvent(ctx, ref.Room, "m.reaction", body); err != nil {
		return fmt.Errorf("matrix react: %w", err)
	}
	return nil
}

// sendEvent PUTs one room event with a fresh transaction id.
func (m *Matrix) sendEvent(ctx context.Context, room, eventType string, body any) (string, error) {
	var result matrixSendResponse
	response, err := m.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"roomId":    room,
			"eventType": eventType,
			"txnId":     uuid.NewString(),
		}).
		SetBody(body).
		SetResult(&result).
		Put(matrixSendPath)
	if err != nil {
		return "", err
	}
	if response.IsError() {
		return "", fmt.Errorf("status=%d body=%s", response.StatusCode(), strings.TrimSpace(response.String()))
	}
	if result.EventID == "" {
		return "", errors.New("response missing event_id")
	}
	return result.EventID, nil
}

type matrixSyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []matrixEvent `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
}

type matrixEvent struct {
	Type           string `json:"type"`
	Sender         string `json:"sender"`
	EventID        string `json:"event_id"`
	OriginServerTS int64  `json:"origin_server_ts"`
	Content        struct {
		RelatesTo *matrixRelatesTo `json:"m.relates_to"`
	} `json:"content"`
}

// Run long-polls /sync for m.reaction events until ctx ends.
// The first sync only establishes the stream position.
// Params: context and reaction sink.
// Returns: nil after shutdown.
func (m *Matrix) Run(ctx context.Context, out chan<- domain.ReactionEvent) error {
	since := ""
	backoff := matrixMinBackoff
	for {
		initial := since == ""
		next, err := m.syncOnce(ctx, since, initial, out)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			m.logger.Warn("matrix sync failed", "error", err.Error(), "retry_in", backoff.String())
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			backoff *= 2
			if backoff > matrixMaxBackoff {
				backoff = matrixMaxBackoff
			}
			continue
		}
		backoff = matrixMinBackoff
		since = next
	}
}

// syncOnce performs one /sync call and emits reactions unless initial.
func (m *Matrix) syncOnce(ctx context.Context, since string, initial bool, out chan<- domain.ReactionEvent) (string, error) {
	timeoutMS := 0
	if !initial {
		timeoutMS = m.cfg.SyncTimeoutSec * 1000
	}
	params := map[string]string{
		"filter":  matrixSyncFilter,
		"timeout": strconv.Itoa(timeoutMS),
	}
	if since != "" {
		params["since"] = since
	}

	var result matrixSyncResponse
	response, err := m.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&result).
		Get(matrixSyncPath)
	if err != nil {
		return since, err
	}
	if response.IsError() {
		return since, fmt.Errorf("sync status=%d body=%s", response.StatusCode(), strings.TrimSpace(response.String()))
	}
	if result.NextBatch == "" {
		return since, errors.New("sync response missing next_batch")
	}
	if initial {
		return result.NextBatch, nil
	}

	for roomID, joined := range result.Rooms.Join {
		for _, event := range joined.Timeline.Events {
			reaction, ok := m.reactionFromEvent(roomID, event)
			if !ok {
				continue
			}
			if !emit(ctx, out, reaction) {
				return since, ctx.Err()
			}
		}
	}
	return result.NextBatch, nil
}

func (m *Matrix) reactionFromEvent(roomID string, event matrixEvent) (domain.ReactionEvent, bool) {
	if event.Type != "m.reaction" || event.Sender == m.cfg.UserID {
		return domain.ReactionEvent{}, false
	}
	relation := event.Content.RelatesTo
	if relation == nil || relation.RelType != "m.annotation" || relation.EventID == "" {
		return domain.ReactionEvent{}, false
	}
	reaction := domain.ReactionEvent{
		Ref:     domain.MessageRef{Room: roomID, MessageID: relation.EventID},
		ActorID: event.Sender,
		Key:     relation.Key,
	}
	if event.OriginServerTS > 0 {
		reaction.Timestamp = time.UnixMilli(event.OriginServerTS).UTC()
	}
	return reaction, true
}
