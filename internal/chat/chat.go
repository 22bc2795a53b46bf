package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"alertbridge/internal/config"
	"alertbridge/internal/domain"
	"alertbridge/internal/render"
)

// Client sends and edits alert messages in chat rooms.
// Params: room or message reference with rendered content.
// Returns: DeliveryError on send failure, EditFailedError on edit failure.
type Client interface {
	Send(ctx context.Context, room string, content render.Content) (domain.MessageRef, error)
	Edit(ctx context.Context, ref domain.MessageRef, content render.Content) error
}

// Reactor puts a reaction on a message on behalf of the bot.
type Reactor interface {
	React(ctx context.Context, ref domain.MessageRef, key string) error
}

// ReactionSource feeds reactions on chat messages into out until ctx ends.
// Reactions made by the bot itself are not emitted.
type ReactionSource interface {
	Run(ctx context.Context, out chan<- domain.ReactionEvent) error
}

// Backend is one chat protocol implementation.
type Backend interface {
	Client
	Reactor
	ReactionSource
	Name() string
}

// New builds chat backend selected by chat.backend.
// Params: chat config section and logger.
// Returns: backend or init error.
func New(cfg config.ChatConfig, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case config.ChatBackendTelegram:
		return NewTelegram(cfg.Telegram, logger)
	case config.ChatBackendMattermost:
		return NewMattermost(cfg.Mattermost, logger), nil
	case config.ChatBackendMatrix:
		return NewMatrix(cfg.Matrix, logger), nil
	default:
		return nil, fmt.Errorf("unsupported chat backend %q", cfg.Backend)
	}
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: backend prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4<<10))
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}

// emit forwards one reaction unless ctx is done.
func emit(ctx context.Context, out chan<- domain.ReactionEvent, event domain.ReactionEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
