package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"alertbridge/internal/clock"
	"alertbridge/internal/config"
	"alertbridge/internal/domain"
	"alertbridge/internal/identity"
	"alertbridge/internal/ingest"
	"alertbridge/internal/state"
)

// fakeBackend serves chat calls from fakeMessenger and never emits reactions.
type fakeBackend struct {
	*fakeMessenger
}

func (fakeBackend) Run(ctx context.Context, _ chan<- domain.ReactionEvent) error {
	<-ctx.Done()
	return nil
}

func (fakeBackend) Name() string {
	return "fake"
}

const serviceTestConfig = `
[log.console]
enabled = true
level = "error"

[webhook]
listen = "127.0.0.1:0"

[rooms]
ops = "room-1"

[state]
resolved_retention_sec = 3600

[chat]
backend = "mattermost"

[chat.mattermost]
base_url = "http://127.0.0.1:1"
bot_token = "token"
`

func newTestService(t *testing.T, clk clock.Clock) (*Service, *fakeMessenger) {
	t.Helper()
	cfg, err := config.Parse([]byte(serviceTestConfig))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	messenger := &fakeMessenger{}
	service, err := newService(cfg, clk, fakeBackend{fakeMessenger: messenger})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(service.cleanupInitResources)
	return service, messenger
}

func TestServicePurgesExpiredResolvedRecords(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service, _ := newTestService(t, clock.Func(func() time.Time { return now }))

	for _, body := range []string{firingCPU, resolvedCPU} {
		batch, err := ingest.DecodeWebhook([]byte(body))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if _, err := service.ingestor.Ingest(context.Background(), "room-1", batch); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	id, err := identity.NewResolver(nil).Resolve(0, cpuLabels())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	key := identity.RecordKey("room-1", id)

	now = now.Add(30 * time.Minute)
	service.purgeOnce(context.Background())
	if _, _, err := service.store.GetRecord(context.Background(), key); err != nil {
		t.Fatalf("expected record inside retention to stay: %v", err)
	}

	now = now.Add(time.Hour)
	service.purgeOnce(context.Background())
	if _, _, err := service.store.GetRecord(context.Background(), key); err != state.ErrNotFound {
		t.Fatalf("expected purged record, got %v", err)
	}
}

func TestServiceRoutes(t *testing.T) {
	t.Parallel()

	service, messenger := newTestService(t, nil)
	server := httptest.NewServer(service.httpSrv.Handler)
	defer server.Close()

	get := func(path string) int {
		t.Helper()
		response, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		_ = response.Body.Close()
		return response.StatusCode
	}

	if code := get("/healthz"); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
	if code := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start: %d", code)
	}
	service.readyFlag.Store(true)
	if code := get("/readyz"); code != http.StatusOK {
		t.Fatalf("readyz after start: %d", code)
	}

	response, err := http.Post(server.URL+"/prom-alerts/ops", "application/json", strings.NewReader(firingCPU))
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("webhook: %d", response.StatusCode)
	}
	if sends, _, _ := messenger.counts(); sends != 1 || messenger.sends[0].Plain == "" {
		t.Fatalf("expected one rendered send, got %d", sends)
	}

	response, err = http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", response.StatusCode)
	}
}
