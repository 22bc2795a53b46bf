package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"alertbridge/internal/config"
	"alertbridge/internal/domain"
	"alertbridge/internal/render"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// Telegram talks to Telegram Bot API.
// Params: bot client and reaction feed sink.
// Returns: chat backend with HTML formatted messages.
type Telegram struct {
	client *tgbot.Bot
	logger *slog.Logger

	mu  sync.RWMutex
	out chan<- domain.ReactionEvent
	ctx context.Context
}

// NewTelegram creates Telegram backend.
// Params: Telegram config and logger.
// Returns: initialized backend or init error.
func NewTelegram(cfg config.TelegramConfig, logger *slog.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Telegram{logger: logger}

	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
		tgbot.WithDefaultHandler(t.handleUpdate),
		tgbot.WithAllowedUpdates(tgbot.AllowedUpdates{"message_reaction"}),
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"); base != "" {
		options = append(options, tgbot.WithServerURL(base))
	}
	client, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	t.client = client
	return t, nil
}

// Name returns backend name.
func (t *Telegram) Name() string {
	return config.ChatBackendTelegram
}

// Send posts one alert message to Telegram chat.
// Params: context, chat id or @channel username, rendered content.
// Returns: message reference keyed by numeric chat id.
func (t *Telegram) Send(ctx context.Context, room string, content render.Content) (domain.MessageRef, error) {
	sent, err := t.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    normalizeChatID(room),
		Text:      content.Telegram,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return domain.MessageRef{}, &domain.DeliveryError{Room: room, Err: fmt.Errorf("telegram send: %w", err)}
	}
	if sent == nil || sent.ID <= 0 {
		return domain.MessageRef{}, &domain.DeliveryError{Room: room, Err: errors.New("telegram send returned empty message id")}
	}
	chatRoom := room
	if sent.Chat.ID != 0 {
		chatRoom = strconv.FormatInt(sent.Chat.ID, 10)
	}
	return domain.MessageRef{Room: chatRoom, MessageID: strconv.Itoa(sent.ID)}, nil
}

// Edit replaces message text in place.
// Params: context, message reference and rendered content.
// Returns: EditFailedError when Telegram rejects the edit.
func (t *Telegram) Edit(ctx context.Context, ref domain.MessageRef, content render.Content) error {
	messageID, err := strconv.Atoi(ref.MessageID)
	if err != nil {
		return &domain.EditFailedError{Ref: ref, Err: fmt.Errorf("telegram message id %q: %w", ref.MessageID, err)}
	}
	_, err = t.client.EditMessageText(ctx, &tgbot.EditMessageTextParams{
		ChatID:    normalizeChatID(ref.Room),
		MessageID: messageID,
		Text:      content.Telegram,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return &domain.EditFailedError{Ref: ref, Err: fmt.Errorf("telegram edit: %w", err)}
	}
	return nil
}

// React sets the bot reaction on a message.
// Params: context, message reference and emoji.
// Returns: transport or API error.
func (t *Telegram) React(ctx context.Context, ref domain.MessageRef, key string) error {
	messageID, err := strconv.Atoi(ref.MessageID)
	if err != nil {
		return fmt.Errorf("telegram message id %q: %w", ref.MessageID, err)
	}
	_, err = t.client.SetMessageReaction(ctx, &tgbot.SetMessageReactionParams{
		ChatID:    normalizeChatID(ref.Room),
		MessageID: messageID,
		Reaction: []tgmodels.ReactionType{{
			Type: tgmodels.ReactionTypeTypeEmoji,
			ReactionTypeEmoji: &tgmodels.ReactionTypeEmoji{
				Type:  tgmodels.ReactionTypeTypeEmoji,
				Emoji: key,
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("telegram react: %w", err)
	}
	return nil
}

// Run long-polls message_reaction updates until ctx ends.
// Params: context and reaction sink.
// Returns: nil after shutdown.
func (t *Telegram) Run(ctx context.Context, out chan<- domain.ReactionEvent) error {
	t.mu.Lock()
	t.out = out
	t.ctx = ctx
	t.mu.Unlock()

	t.client.Start(ctx)
	return nil
}

// handleUpdate converts newly added reactions into reaction events.
func (t *Telegram) handleUpdate(_ context.Context, _ *tgbot.Bot, update *tgmodels.Update) {
	if update == nil || update.MessageReaction == nil {
		return
	}
	reaction := update.MessageReaction
	if reaction.User != nil && reaction.User.IsBot {
		return
	}

	t.mu.RLock()
	out, ctx := t.out, t.ctx
	t.mu.RUnlock()
	if out == nil {
		return
	}

	ref := domain.MessageRef{
		Room:      strconv.FormatInt(reaction.Chat.ID, 10),
		MessageID: strconv.Itoa(reaction.MessageID),
	}
	actor := telegramActor(reaction)
	timestamp := time.Unix(int64(reaction.Date), 0).UTC()
	for _, key := range addedEmoji(reaction.OldReaction, reaction.NewReaction) {
		event := domain.ReactionEvent{Ref: ref, ActorID: actor, Key: key, Timestamp: timestamp}
		if !emit(ctx, out, event) {
			return
		}
	}
}

// addedEmoji returns emoji present in next but not in prev.
func addedEmoji(prev, next []tgmodels.ReactionType) []string {
	seen := make(map[string]struct{}, len(prev))
	for _, item := range prev {
		if emoji := reactionEmoji(item); emoji != "" {
			seen[emoji] = struct{}{}
		}
	}
	added := make([]string, 0, len(next))
	for _, item := range next {
		emoji := reactionEmoji(item)
		if emoji == "" {
			continue
		}
		if _, ok := seen[emoji]; ok {
			continue
		}
		added = append(added, emoji)
	}
	return added
}

func reactionEmoji(item tgmodels.ReactionType) string {
	if item.Type != tgmodels.ReactionTypeTypeEmoji || item.ReactionTypeEmoji == nil {
		return ""
	}
	return item.ReactionTypeEmoji.Emoji
}

func telegramActor(reaction *tgmodels.MessageReactionUpdated) string {
	switch {
	case reaction.User != nil && reaction.User.Username != "":
		return "@" + reaction.User.Username
	case reaction.User != nil:
		return strconv.FormatInt(reaction.User.ID, 10)
	case reaction.ActorChat != nil && reaction.ActorChat.Title != "":
		return reaction.ActorChat.Title
	case reaction.ActorChat != nil:
		return strconv.FormatInt(reaction.ActorChat.ID, 10)
	default:
		return "unknown"
	}
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: room value from the webhook route.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
