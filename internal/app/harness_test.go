package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"alertbridge/internal/domain"
	"alertbridge/internal/identity"
	"alertbridge/internal/ingest"
	"alertbridge/internal/render"
	"alertbridge/internal/state"
	"alertbridge/internal/tracker"
)

const testRoom = "room-1"

type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.now
	c.now = c.now.Add(c.step)
	return current
}

type editCall struct {
	Ref     domain.MessageRef
	Content render.Content
}

type reactCall struct {
	Ref domain.MessageRef
	Key string
}

// callGate holds one chat call open until released.
type callGate struct {
	entered chan struct{}
	release chan struct{}
}

func newCallGate() *callGate {
	return &callGate{entered: make(chan struct{}), release: make(chan struct{})}
}

// wait blocks the call until release; entered is closed first.
func (g *callGate) wait(ctx context.Context) error {
	if g == nil {
		return nil
	}
	close(g.entered)
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fakeMessenger records chat calls and hands out sequential message ids.
type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int
	sends    []render.Content
	edits    []editCall
	reacts   []reactCall
	sendErr  error
	editErr  error
	holdSend *callGate
	holdEdit *callGate
}

// holdNextSend makes the next Send block until the returned gate is released.
func (m *fakeMessenger) holdNextSend() *callGate {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdSend = newCallGate()
	return m.holdSend
}

// holdNextEdit makes the next Edit block until the returned gate is released.
func (m *fakeMessenger) holdNextEdit() *callGate {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdEdit = newCallGate()
	return m.holdEdit
}

func (m *fakeMessenger) Send(ctx context.Context, room string, content render.Content) (domain.MessageRef, error) {
	m.mu.Lock()
	gate := m.holdSend
	m.holdSend = nil
	m.mu.Unlock()
	if err := gate.wait(ctx); err != nil {
		return domain.MessageRef{}, &domain.DeliveryError{Room: room, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return domain.MessageRef{}, &domain.DeliveryError{Room: room, Err: m.sendErr}
	}
	m.nextID++
	m.sends = append(m.sends, content)
	return domain.MessageRef{Room: room, MessageID: "m" + strconv.Itoa(m.nextID)}, nil
}

func (m *fakeMessenger) Edit(ctx context.Context, ref domain.MessageRef, content render.Content) error {
	m.mu.Lock()
	gate := m.holdEdit
	m.holdEdit = nil
	m.mu.Unlock()
	if err := gate.wait(ctx); err != nil {
		return &domain.EditFailedError{Ref: ref, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return &domain.EditFailedError{Ref: ref, Err: m.editErr}
	}
	m.edits = append(m.edits, editCall{Ref: ref, Content: content})
	return nil
}

func (m *fakeMessenger) React(_ context.Context, ref domain.MessageRef, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reacts = append(m.reacts, reactCall{Ref: ref, Key: key})
	return nil
}

func (m *fakeMessenger) counts() (sends, edits, reacts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends), len(m.edits), len(m.reacts)
}

func (m *fakeMessenger) lastEdit(t *testing.T) editCall {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.edits) == 0 {
		t.Fatalf("expected at least one edit")
	}
	return m.edits[len(m.edits)-1]
}

// failingStore reports an outage on every read.
type failingStore struct {
	state.Store
}

func (failingStore) GetRecord(context.Context, string) (domain.AlertRecord, uint64, error) {
	return domain.AlertRecord{}, 0, errors.New("connection refused")
}

type harness struct {
	store     state.Store
	tracker   *tracker.Tracker
	renderer  *render.Renderer
	messenger *fakeMessenger
	ingestor  *Ingestor
	reactions *ReactionHandler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, store state.Store, messenger *fakeMessenger, marker string) *harness {
	t.Helper()
	if store == nil {
		store = state.NewMemoryStore()
	}
	if messenger == nil {
		messenger = &fakeMessenger{}
	}
	clk := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), step: time.Millisecond}
	logger := discardLogger()
	tr := tracker.New(store, clk, logger, time.Minute)
	renderer := render.New(render.Options{Location: time.UTC})
	return &harness{
		store:     store,
		tracker:   tr,
		renderer:  renderer,
		messenger: messenger,
		ingestor: NewIngestor(IngestorConfig{
			Tracker:        tr,
			Resolver:       identity.NewResolver(nil),
			Renderer:       renderer,
			Messenger:      messenger,
			ResolvedMarker: marker,
			Parallelism:    4,
			Logger:         logger,
		}),
		reactions: NewReactionHandler(tr, renderer, messenger,
			domain.NewReactionMap([]string{"eyes"}, []string{"white_check_mark"}), nil, logger),
	}
}

func (h *harness) ingest(t *testing.T, body string) domain.IngestResult {
	t.Helper()
	batch, err := ingest.DecodeWebhook([]byte(body))
	if err != nil {
		t.Fatalf("decode webhook: %v", err)
	}
	result, err := h.ingestor.Ingest(context.Background(), testRoom, batch)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return result
}

// ingestAsync runs one batch in the background.
func (h *harness) ingestAsync(t *testing.T, body string) <-chan domain.IngestResult {
	t.Helper()
	batch, err := ingest.DecodeWebhook([]byte(body))
	if err != nil {
		t.Fatalf("decode webhook: %v", err)
	}
	done := make(chan domain.IngestResult, 1)
	go func() {
		result, err := h.ingestor.Ingest(context.Background(), testRoom, batch)
		if err != nil {
			t.Errorf("ingest: %v", err)
		}
		done <- result
	}()
	return done
}

func (h *harness) record(t *testing.T, labels map[string]string) domain.AlertRecord {
	t.Helper()
	id, err := identity.NewResolver(nil).Resolve(0, labels)
	if err != nil {
		t.Fatalf("resolve identity: %v", err)
	}
	record, _, err := h.store.GetRecord(context.Background(), identity.RecordKey(testRoom, id))
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	return record
}

func cpuLabels() map[string]string {
	return map[string]string{"alertname": "HighCPU", "instance": "node1"}
}

const firingCPU = `{"status":"firing","receiver":"chat","alerts":[
  {"labels":{"alertname":"HighCPU","instance":"node1"},"annotations":{"summary":"CPU high"},"startsAt":"2026-03-01T10:00:00Z"}
]}`

const resolvedCPU = `{"status":"resolved","receiver":"chat","alerts":[
  {"labels":{"alertname":"HighCPU","instance":"node1"},"startsAt":"2026-03-01T10:00:00Z","endsAt":"2026-03-01T10:30:00Z"}
]}`

const refiredCPU = `{"status":"firing","receiver":"chat","alerts":[
  {"labels":{"alertname":"HighCPU","instance":"node1"},"startsAt":"2026-03-01T11:00:00Z"}
]}`
