package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"alertbridge/internal/config"
	"alertbridge/internal/domain"
	"alertbridge/internal/render"

	"nhooyr.io/websocket"
)

const (
	mattermostMinBackoff = time.Second
	mattermostMaxBackoff = 30 * time.Second
	mattermostReadLimit  = 1 << 20
)

// Mattermost talks to Mattermost REST API v4 and its websocket event stream.
// Params: API base URL, bot token and HTTP client.
// Returns: chat backend posting markdown messages.
type Mattermost struct {
	cfg    config.MattermostConfig
	client *http.Client
	logger *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	selfMu sync.Mutex
	selfID string
}

// NewMattermost creates Mattermost backend.
// Params: Mattermost config and logger.
// Returns: initialized backend.
func NewMattermost(cfg config.MattermostConfig, logger *slog.Logger) *Mattermost {
	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mattermost{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		logger: logger,

		minBackoff: mattermostMinBackoff,
		maxBackoff: mattermostMaxBackoff,
	}
}

// Name returns backend name.
func (m *Mattermost) Name() string {
	return config.ChatBackendMattermost
}

type mattermostPost struct {
	ID        string `json:"id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Message   string `json:"message"`
}

// Send creates one post in a channel.
// Params: context, channel id and rendered content.
// Returns: message reference with post id.
func (m *Mattermost) Send(ctx context.Context, room string, content render.Content) (domain.MessageRef, error) {
	var created mattermostPost
	err := m.do(ctx, http.MethodPost, "/api/v4/posts", mattermostPost{ChannelID: room, Message: content.Markdown}, &created)
	if err != nil {
		return domain.MessageRef{}, &domain.DeliveryError{Room: room, Err: fmt.Errorf("mattermost send: %w", err)}
	}
	if strings.TrimSpace(created.ID) == "" {
		return domain.MessageRef{}, &domain.DeliveryError{Room: room, Err: errors.New("mattermost response missing id")}
	}
	return domain.MessageRef{Room: room, MessageID: created.ID}, nil
}

// Edit patches post message in place.
// Params: context, message reference and rendered content.
// Returns: EditFailedError on any rejection.
func (m *Mattermost) Edit(ctx context.Context, ref domain.MessageRef, content render.Content) error {
	path := "/api/v4/posts/" + url.PathEscape(ref.MessageID) + "/patch"
	if err := m.do(ctx, http.MethodPut, path, mattermostPost{Message: content.Markdown}, nil); err != nil {
		return &domain.EditFailedError{Ref: ref, Err: fmt.Errorf("mattermost edit: %w", err)}
	}
	return nil
}

// React adds the bot reaction to a post.
// Params: context, message reference and emoji name.
// Returns: transport or API error.
func (m *Mattermost) React(ctx context.Context, ref domain.MessageRef, key string) error {
	selfID, err := m.self(ctx)
	if err != nil {
		return err
	}
	payload := struct {
		UserID    string `json:"user_id"`
		PostID    string `json:"post_id"`
		EmojiName string `json:"emoji_name"`
	}{
		UserID:    selfID,
		PostID:    ref.MessageID,
		EmojiName: strings.Trim(key, ":"),
	}
	if err := m.do(ctx, http.MethodPost, "/api/v4/reactions", payload, nil); err != nil {
		return fmt.Errorf("mattermost react: %w", err)
	}
	return nil
}

// self returns the bot user id, resolved once.
func (m *Mattermost) self(ctx context.Context) (string, error) {
	m.selfMu.Lock()
	defer m.selfMu.Unlock()
	if m.selfID != "" {
		return m.selfID, nil
	}
	var me struct {
		ID string `json:"id"`
	}
	if err := m.do(ctx, http.MethodGet, "/api/v4/users/me", nil, &me); err != nil {
		return "", fmt.Errorf("mattermost users/me: %w", err)
	}
	if me.ID == "" {
		return "", errors.New("mattermost users/me returned empty id")
	}
	m.selfID = me.ID
	return me.ID, nil
}

// do sends one authenticated JSON request.
// Params: method, API path, optional request body and optional response target.
// Returns: transport, status or decode error.
func (m *Mattermost) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	endpoint := strings.TrimRight(strings.TrimSpace(m.cfg.BaseURL), "/") + path
	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+strings.TrimSpace(m.cfg.BotToken))

	response, err := m.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError("mattermost", response)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Run consumes reaction_added websocket events and reconnects with backoff.
// Params: context and reaction sink.
// Returns: nil after shutdown.
func (m *Mattermost) Run(ctx context.Context, out chan<- domain.ReactionEvent) error {
	backoff := m.minBackoff
	for {
		connected := false
		selfID, err := m.self(ctx)
		if err == nil {
			connected, err = m.stream(ctx, selfID, out)
		}
		if ctx.Err() != nil {
			return nil
		}
		// A session that got through the handshake starts the backoff over.
		if connected {
			backoff = m.minBackoff
		}
		m.logger.Warn("mattermost event stream interrupted", "error", errString(err), "retry_in", backoff.String())
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > m.maxBackoff {
			backoff = m.maxBackoff
		}
	}
}

type mattermostEvent struct {
	Event     string              `json:"event"`
	Data      map[string]any      `json:"data"`
	Broadcast mattermostBroadcast `json:"broadcast"`
}

type mattermostBroadcast struct {
	ChannelID string `json:"channel_id"`
}

type mattermostReaction struct {
	UserID    string `json:"user_id"`
	PostID    string `json:"post_id"`
	EmojiName string `json:"emoji_name"`
	CreateAt  int64  `json:"create_at"`
}

// stream reads one websocket session until it fails or ctx ends.
// Params: context, bot user id and reaction sink.
// Returns: whether the websocket connected, and the error that ended the session.
func (m *Mattermost) stream(ctx context.Context, selfID string, out chan<- domain.ReactionEvent) (bool, error) {
	endpoint, err := mattermostWebsocketURL(m.cfg.BaseURL)
	if err != nil {
		return false, err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + strings.TrimSpace(m.cfg.BotToken)}},
	})
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(mattermostReadLimit)
	m.logger.Info("mattermost event stream connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		event, ok := parseMattermostReaction(data, selfID)
		if !ok {
			continue
		}
		if !emit(ctx, out, event) {
			return true, ctx.Err()
		}
	}
}

// parseMattermostReaction decodes reaction_added frames not made by the bot.
func parseMattermostReaction(data []byte, selfID string) (domain.ReactionEvent, bool) {
	var frame mattermostEvent
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event != "reaction_added" {
		return domain.ReactionEvent{}, false
	}
	rawReaction, ok := frame.Data["reaction"].(string)
	if !ok {
		return domain.ReactionEvent{}, false
	}
	var reaction mattermostReaction
	if err := json.Unmarshal([]byte(rawReaction), &reaction); err != nil {
		return domain.ReactionEvent{}, false
	}
	if reaction.PostID == "" || reaction.UserID == selfID {
		return domain.ReactionEvent{}, false
	}
	event := domain.ReactionEvent{
		Ref:     domain.MessageRef{Room: frame.Broadcast.ChannelID, MessageID: reaction.PostID},
		ActorID: reaction.UserID,
		Key:     reaction.EmojiName,
	}
	if reaction.CreateAt > 0 {
		event.Timestamp = time.UnixMilli(reaction.CreateAt).UTC()
	}
	return event, true
}

func mattermostWebsocketURL(baseURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", fmt.Errorf("parse mattermost base_url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path += "/api/v4/websocket"
	return parsed.String(), nil
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
