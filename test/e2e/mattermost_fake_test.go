package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"nhooyr.io/websocket"
)

// mattermostFake emulates the Mattermost endpoints used by the chat backend.
type mattermostFake struct {
	mu        sync.Mutex
	posts     map[string]string
	order     []string
	reactions []string
	events    chan []byte
}

func newMattermostFake(t *testing.T) (*mattermostFake, *httptest.Server) {
	t.Helper()

	fake := &mattermostFake{posts: map[string]string{}, events: make(chan []byte, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/users/me", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "bot-user"})
	})
	mux.HandleFunc("/api/v4/posts", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		fake.mu.Lock()
		id := "post-" + strconv.Itoa(len(fake.order)+1)
		fake.posts[id] = payload["message"]
		fake.order = append(fake.order, id)
		fake.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id, "channel_id": payload["channel_id"]})
	})
	mux.HandleFunc("/api/v4/posts/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v4/posts/"), "/patch")
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		fake.mu.Lock()
		_, ok := fake.posts[id]
		if ok {
			fake.posts[id] = payload["message"]
		}
		fake.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/api/v4/reactions", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		fake.mu.Lock()
		fake.reactions = append(fake.reactions, payload["post_id"]+":"+payload["emoji_name"])
		fake.mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/api/v4/websocket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := conn.CloseRead(context.Background())
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-fake.events:
				if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
					return
				}
			}
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return fake, server
}

// react pushes one reaction_added frame to the connected bot.
func (f *mattermostFake) react(t *testing.T, channelID, postID, userID, emoji string) {
	t.Helper()

	reaction, err := json.Marshal(map[string]any{"user_id": userID, "post_id": postID, "emoji_name": emoji})
	if err != nil {
		t.Fatalf("encode reaction: %v", err)
	}
	frame, err := json.Marshal(map[string]any{
		"event":     "reaction_added",
		"data":      map[string]any{"reaction": string(reaction)},
		"broadcast": map[string]any{"channel_id": channelID},
	})
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	f.events <- frame
}

func (f *mattermostFake) post(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts[id]
}

func (f *mattermostFake) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *mattermostFake) reactionList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reactions...)
}
