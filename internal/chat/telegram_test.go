package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"alertbridge/internal/config"
	"alertbridge/internal/domain"
	"alertbridge/internal/render"

	tgmodels "github.com/go-telegram/bot/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type telegramCall struct {
	Method    string
	ChatID    string
	MessageID string
	Text      string
	ParseMode string
	Reaction  string
}

func newTelegramServer(t *testing.T, editReply string) (*httptest.Server, func() []telegramCall) {
	t.Helper()

	var (
		mu    sync.Mutex
		calls []telegramCall
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(2 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		call := telegramCall{
			Method:    strings.TrimPrefix(r.URL.Path, "/bottoken/"),
			ChatID:    r.FormValue("chat_id"),
			MessageID: r.FormValue("message_id"),
			Text:      r.FormValue("text"),
			ParseMode: r.FormValue("parse_mode"),
			Reaction:  r.FormValue("reaction"),
		}
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch call.Method {
		case "sendMessage":
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":101,"date":1,"chat":{"id":-100123,"type":"supergroup"}}}`)
		case "editMessageText":
			if editReply != "" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, editReply)
				return
			}
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":101,"date":1,"chat":{"id":-100123,"type":"supergroup"}}}`)
		case "setMessageReaction":
			_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
		default:
			t.Errorf("unexpected method %s", call.Method)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	return server, func() []telegramCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]telegramCall(nil), calls...)
	}
}

func TestTelegramSendEditReact(t *testing.T) {
	t.Parallel()

	server, calls := newTelegramServer(t, "")
	backend, err := NewTelegram(config.TelegramConfig{BotToken: "token", APIBase: server.URL}, discardLogger())
	if err != nil {
		t.Fatalf("new telegram: %v", err)
	}

	ref, err := backend.Send(context.Background(), "@alerts", render.Content{Telegram: "<b>FIRING</b>"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ref.Room != "-100123" || ref.MessageID != "101" {
		t.Fatalf("unexpected ref %+v", ref)
	}
	if err := backend.Edit(context.Background(), ref, render.Content{Telegram: "<b>RESOLVED</b>"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := backend.React(context.Background(), ref, "✅"); err != nil {
		t.Fatalf("react: %v", err)
	}

	got := calls()
	if len(got) != 3 {
		t.Fatalf("expected 3 calls, got %+v", got)
	}
	if got[0].ChatID != "@alerts" || got[0].ParseMode != "HTML" || got[0].Text != "<b>FIRING</b>" {
		t.Fatalf("unexpected send call %+v", got[0])
	}
	if got[1].ChatID != "-100123" || got[1].MessageID != "101" || got[1].Text != "<b>RESOLVED</b>" {
		t.Fatalf("unexpected edit call %+v", got[1])
	}
	if !strings.Contains(got[2].Reaction, "✅") {
		t.Fatalf("unexpected reaction payload %q", got[2].Reaction)
	}
}

func TestTelegramEditErrors(t *testing.T) {
	t.Parallel()

	server, _ := newTelegramServer(t, `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified"}`)
	backend, err := NewTelegram(config.TelegramConfig{BotToken: "token", APIBase: server.URL}, discardLogger())
	if err != nil {
		t.Fatalf("new telegram: %v", err)
	}
	ref := domain.MessageRef{Room: "-100123", MessageID: "101"}
	if err := backend.Edit(context.Background(), ref, render.Content{Telegram: "same"}); err != nil {
		t.Fatalf("not modified must be success, got %v", err)
	}

	missing, _ := newTelegramServer(t, `{"ok":false,"error_code":400,"description":"Bad Request: message to edit not found"}`)
	backend, err = NewTelegram(config.TelegramConfig{BotToken: "token", APIBase: missing.URL}, discardLogger())
	if err != nil {
		t.Fatalf("new telegram: %v", err)
	}
	err = backend.Edit(context.Background(), ref, render.Content{Telegram: "x"})
	var editErr *domain.EditFailedError
	if !errors.As(err, &editErr) || editErr.Ref != ref {
		t.Fatalf("expected edit failed error, got %v", err)
	}

	err = backend.Edit(context.Background(), domain.MessageRef{Room: "1", MessageID: "abc"}, render.Content{})
	if !errors.As(err, &editErr) {
		t.Fatalf("expected edit failed error for bad id, got %v", err)
	}
}

func TestTelegramRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := NewTelegram(config.TelegramConfig{}, nil); err == nil {
		t.Fatalf("expected token error")
	}
}

func TestTelegramHandleUpdateEmitsAddedReactions(t *testing.T) {
	t.Parallel()

	backend, err := NewTelegram(config.TelegramConfig{BotToken: "token", APIBase: "http://127.0.0.1:1"}, discardLogger())
	if err != nil {
		t.Fatalf("new telegram: %v", err)
	}
	out := make(chan domain.ReactionEvent, 4)
	backend.out = out
	backend.ctx = context.Background()

	eyes := tgmodels.ReactionType{Type: tgmodels.ReactionTypeTypeEmoji, ReactionTypeEmoji: &tgmodels.ReactionTypeEmoji{Type: tgmodels.ReactionTypeTypeEmoji, Emoji: "👀"}}
	check := tgmodels.ReactionType{Type: tgmodels.ReactionTypeTypeEmoji, ReactionTypeEmoji: &tgmodels.ReactionTypeEmoji{Type: tgmodels.ReactionTypeTypeEmoji, Emoji: "✅"}}

	backend.handleUpdate(context.Background(), nil, &tgmodels.Update{MessageReaction: &tgmodels.MessageReactionUpdated{
		Chat:        tgmodels.Chat{ID: -100123},
		MessageID:   101,
		User:        &tgmodels.User{ID: 7, Username: "alice"},
		Date:        1700000000,
		OldReaction: []tgmodels.ReactionType{eyes},
		NewReaction: []tgmodels.ReactionType{eyes, check},
	}})
	backend.handleUpdate(context.Background(), nil, &tgmodels.Update{MessageReaction: &tgmodels.MessageReactionUpdated{
		Chat:        tgmodels.Chat{ID: -100123},
		MessageID:   101,
		User:        &tgmodels.User{ID: 8, IsBot: true},
		NewReaction: []tgmodels.ReactionType{check},
	}})

	select {
	case event := <-out:
		if event.Key != "✅" || event.ActorID != "@alice" || event.Ref.Room != "-100123" || event.Ref.MessageID != "101" {
			t.Fatalf("unexpected event %+v", event)
		}
		if !event.Timestamp.Equal(time.Unix(1700000000, 0)) {
			t.Fatalf("unexpected timestamp %v", event.Timestamp)
		}
	default:
		t.Fatalf("expected reaction event")
	}
	if len(out) != 0 {
		t.Fatalf("expected only the added non-bot reaction, got %d more", len(out))
	}
}
