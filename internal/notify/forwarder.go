// Package notify forwards incoming chat messages from the shared real-time
// connection to NATS, so desktop notifiers and other local tools can react
// without opening a connection of their own.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tradepost/marketchat/internal/models"
	"github.com/tradepost/marketchat/internal/protocol"
	"github.com/tradepost/marketchat/internal/ws"
)

// PreviewChars caps the text preview in a notification.
const PreviewChars = 80

// Notification is the payload published per incoming message.
type Notification struct {
	ChatID      string             `json:"chatId"`
	MessageID   string             `json:"messageId"`
	From        models.User        `json:"from"`
	Preview     string             `json:"preview"`
	MessageType models.MessageType `json:"messageType"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// Publisher sends an encoded notification. *messaging.NATSClient implements
// it.
type Publisher interface {
	PublishNotification(chatID string, data []byte) error
}

// Connector hands out the shared connection. *mux.Multiplexer implements it.
type Connector interface {
	Acquire(ctx context.Context) (ws.Handle, error)
	Release()
}

// replacer is implemented by connectors that can swap the physical
// connection under their consumers.
type replacer interface {
	OnReplace(fn func(ws.Handle)) (remove func())
}

// Forwarder is a consumer of the shared connection that publishes every
// message not sent by self.
type Forwarder struct {
	conn   Connector
	pub    Publisher
	selfID string
	logger *zap.Logger

	mu            sync.Mutex
	off           func()
	removeReplace func()
	running       bool
	sent          int
}

// NewForwarder creates a stopped forwarder.
func NewForwarder(conn Connector, pub Publisher, selfID string, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{conn: conn, pub: pub, selfID: selfID, logger: logger.Named("notify")}
}

// Start acquires the connection and begins forwarding. Calling it twice is a
// no-op.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}

	h, err := f.conn.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "notify: acquire connection")
	}
	f.off = h.On(protocol.TypeNewMessage, f.onMessage)
	if r, ok := f.conn.(replacer); ok {
		f.removeReplace = r.OnReplace(f.rebind)
	}
	f.running = true
	f.logger.Info("forwarding notifications", zap.String("conn", h.ID()))
	return nil
}

// Stop removes the handler and releases the connection.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.off()
	f.off = nil
	if f.removeReplace != nil {
		f.removeReplace()
		f.removeReplace = nil
	}
	f.running = false
	f.mu.Unlock()

	f.conn.Release()
}

// rebind moves the handler onto a replacement connection.
func (f *Forwarder) rebind(h ws.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.off()
	f.off = h.On(protocol.TypeNewMessage, f.onMessage)
	f.logger.Info("forwarding on replacement connection", zap.String("conn", h.ID()))
}

// Sent returns the number of notifications published.
func (f *Forwarder) Sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func (f *Forwarder) onMessage(p interface{}) {
	ev, ok := p.(protocol.MessageEvent)
	if !ok || ev.Sender.ID == f.selfID {
		return
	}

	n := Notification{
		ChatID:      ev.ChatID,
		MessageID:   ev.ID,
		From:        ev.Sender,
		Preview:     preview(ev.Message),
		MessageType: ev.MessageType,
		CreatedAt:   ev.CreatedAt,
	}
	data, err := json.Marshal(n)
	if err != nil {
		f.logger.Error("encode notification", zap.Error(err))
		return
	}
	if err := f.pub.PublishNotification(n.ChatID, data); err != nil {
		f.logger.Warn("publish notification", zap.String("chat", n.ChatID), zap.Error(err))
		return
	}

	f.mu.Lock()
	f.sent++
	f.mu.Unlock()
}

func preview(m models.Message) string {
	switch m.MessageType {
	case models.MessageImage:
		if m.Text == "" {
			return "[image]"
		}
		return "[image] " + truncate(m.Text)
	case models.MessageOffer:
		return "[offer] " + truncate(m.Text)
	case models.MessageOfferAccepted, models.MessageOfferDeclined, models.MessageOfferExpired:
		return "[" + string(m.MessageType) + "]"
	}
	return truncate(m.Text)
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= PreviewChars {
		return s
	}
	r := []rune(s)
	return string(r[:PreviewChars-1]) + "…"
}
