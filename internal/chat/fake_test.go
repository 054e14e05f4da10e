package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tradepost/marketchat/internal/models"
	"github.com/tradepost/marketchat/internal/protocol"
	"github.com/tradepost/marketchat/internal/ws"
)

var (
	me    = models.User{ID: "me", DisplayName: "Me"}
	alice = models.User{ID: "alice", DisplayName: "Alice"}
)

// ---------------------------------------------------------------------------
// Fake connection handle
// ---------------------------------------------------------------------------

type emitted struct {
	msgType string
	payload interface{}
}

type fakeHandle struct {
	*ws.Dispatcher
	id string

	mu        sync.Mutex
	connected bool
	emits     []emitted
	emitErr   error
}

func newFakeHandle(connected bool) *fakeHandle {
	return &fakeHandle{Dispatcher: ws.NewDispatcher(), id: "fake-conn", connected: connected}
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *fakeHandle) Emit(msgType string, payload interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return ws.ErrNotConnected
	}
	if h.emitErr != nil {
		return h.emitErr
	}
	h.emits = append(h.emits, emitted{msgType, payload})
	return nil
}

func (h *fakeHandle) setEmitErr(err error) {
	h.mu.Lock()
	h.emitErr = err
	h.mu.Unlock()
}

func (h *fakeHandle) connect() {
	h.mu.Lock()
	h.connected = true
	h.mu.Unlock()
	h.Dispatch(ws.EventConnect, nil)
}

func (h *fakeHandle) disconnect(reason string) {
	h.mu.Lock()
	h.connected = false
	h.mu.Unlock()
	h.Dispatch(ws.EventDisconnect, reason)
}

// sent returns the payloads emitted with msgType, in order.
func (h *fakeHandle) sent(msgType string) []interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []interface{}
	for _, e := range h.emits {
		if e.msgType == msgType {
			out = append(out, e.payload)
		}
	}
	return out
}

func (h *fakeHandle) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.emits))
	for i, e := range h.emits {
		out[i] = e.msgType
	}
	return out
}

// ---------------------------------------------------------------------------
// Fake connector
// ---------------------------------------------------------------------------

type fakeConnector struct {
	h *fakeHandle

	mu       sync.Mutex
	acquired int
	released int
}

func (c *fakeConnector) Acquire(context.Context) (ws.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired++
	return c.h, nil
}

func (c *fakeConnector) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released++
}

// ---------------------------------------------------------------------------
// Fake history
// ---------------------------------------------------------------------------

type fakeHistory struct {
	mu    sync.Mutex
	pages map[string][]models.Message
	gates map[string]chan struct{}
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		pages: make(map[string][]models.Message),
		gates: make(map[string]chan struct{}),
	}
}

func (f *fakeHistory) ListMessages(ctx context.Context, chatID string, page, limit int) (*models.MessagePage, error) {
	f.mu.Lock()
	gate := f.gates[chatID]
	msgs := f.pages[chatID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &models.MessagePage{Messages: msgs, Page: page}, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JoinGrace = 0
	return cfg
}

func newTestEngine(t *testing.T, connected bool, cfg Config, opts ...Option) (*Engine, *fakeHandle, *fakeConnector) {
	t.Helper()
	h := newFakeHandle(connected)
	conn := &fakeConnector{h: h}
	e := NewEngine(conn, me, cfg, opts...)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(e.Close)
	return e, h, conn
}

func serverMessage(id string, from models.User, text string, at time.Time) protocol.MessageEvent {
	return protocol.MessageEvent{
		Type: protocol.TypeNewMessage,
		Message: models.Message{
			ID:          id,
			ChatID:      "chat1",
			Text:        text,
			MessageType: models.MessageText,
			Sender:      from,
			CreatedAt:   at,
		},
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
