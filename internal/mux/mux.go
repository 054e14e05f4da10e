// Package mux shares one physical real-time connection between every
// consumer in the process. Consumers Acquire a handle and Release it when
// done; the connection is created lazily by the first Acquire and closed when
// the last reference is released.
package mux

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tradepost/marketchat/internal/metrics"
	"github.com/tradepost/marketchat/internal/ws"
)

var (
	// ErrNoCredentials is returned by Acquire when no usable token exists.
	ErrNoCredentials = errors.New("mux: no credentials")

	// ErrNotAcquired is returned by Reconnect when nobody holds the
	// connection.
	ErrNotAcquired = errors.New("mux: connection not acquired")
)

// TokenSource supplies the bearer credential used when a new connection is
// established.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a plain function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithConnOptions appends options passed to every ws.NewConn call.
func WithConnOptions(opts ...ws.Option) Option {
	return func(m *Multiplexer) {
		m.connOpts = append(m.connOpts, opts...)
	}
}

// Multiplexer owns the process-wide connection and its reference count.
type Multiplexer struct {
	cfg      ws.Config
	tokens   TokenSource
	logger   *zap.Logger
	connOpts []ws.Option

	mu        sync.Mutex
	conn      *ws.Conn
	refs      int
	onReplace map[int]func(ws.Handle)
	nextHook  int
}

// New creates a Multiplexer. No connection is made until the first Acquire.
func New(cfg ws.Config, tokens TokenSource, logger *zap.Logger, opts ...Option) *Multiplexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Multiplexer{
		cfg:       cfg,
		tokens:    tokens,
		logger:    logger.Named("mux"),
		onReplace: make(map[int]func(ws.Handle)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire returns the shared connection, creating and starting it if none
// exists. Every successful Acquire must be paired with one Release.
func (m *Multiplexer) Acquire(ctx context.Context) (ws.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		m.refs++
		metrics.ConnectionRefs.Set(float64(m.refs))
		m.logger.Debug("reusing connection", zap.String("conn", m.conn.ID()), zap.Int("refs", m.refs))
		return m.conn, nil
	}

	c, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	m.conn = c
	m.refs = 1
	metrics.ConnectionsActive.Set(1)
	metrics.ConnectionRefs.Set(1)
	return c, nil
}

// Release drops one reference. The last Release closes the connection so a
// later Acquire starts a fresh one.
func (m *Multiplexer) Release() {
	m.mu.Lock()
	if m.refs == 0 {
		m.mu.Unlock()
		m.logger.Warn("release without matching acquire")
		return
	}

	m.refs--
	metrics.ConnectionRefs.Set(float64(m.refs))
	if m.refs > 0 {
		m.mu.Unlock()
		return
	}

	c := m.conn
	m.conn = nil
	metrics.ConnectionsActive.Set(0)
	m.mu.Unlock()

	m.logger.Info("last reference released, closing connection", zap.String("conn", c.ID()))
	_ = c.Close()
}

// Reconnect tears down the current physical connection and replaces it with
// a fresh one, keeping the reference count. Consumers registered through
// OnReplace are handed the new connection so they can re-subscribe.
func (m *Multiplexer) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.refs == 0 {
		m.mu.Unlock()
		return ErrNotAcquired
	}

	c, err := m.dial(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	old := m.conn
	m.conn = c

	hooks := make([]func(ws.Handle), 0, len(m.onReplace))
	for _, h := range m.onReplace {
		hooks = append(hooks, h)
	}
	m.mu.Unlock()

	m.logger.Info("connection replaced", zap.String("old", old.ID()), zap.String("new", c.ID()))
	_ = old.Close()

	for _, h := range hooks {
		h(c)
	}
	return nil
}

// OnReplace registers fn to be called with the new handle after Reconnect.
// The returned function unregisters it.
func (m *Multiplexer) OnReplace(fn func(ws.Handle)) (remove func()) {
	m.mu.Lock()
	id := m.nextHook
	m.nextHook++
	m.onReplace[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.onReplace, id)
		m.mu.Unlock()
	}
}

// Refs returns the current reference count.
func (m *Multiplexer) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// dial fetches a token and starts a new connection. The caller holds m.mu.
func (m *Multiplexer) dial(ctx context.Context) (*ws.Conn, error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, errors.Wrapf(ErrNoCredentials, "token source: %v", err)
	}
	if token == "" {
		return nil, ErrNoCredentials
	}

	opts := append([]ws.Option{ws.WithLogger(m.logger.Named("ws"))}, m.connOpts...)
	c := ws.NewConn(m.cfg, token, opts...)
	m.watch(c)
	c.Start()

	m.logger.Info("connection created", zap.String("conn", c.ID()), zap.String("url", m.cfg.URL))
	return c, nil
}

// watch logs transport events. The multiplexer never acts on them.
func (m *Multiplexer) watch(c *ws.Conn) {
	log := m.logger.With(zap.String("conn", c.ID()))
	c.On(ws.EventDisconnect, func(p interface{}) {
		log.Info("transport disconnected", zap.Any("reason", p))
	})
	c.On(ws.EventConnectError, func(p interface{}) {
		log.Warn("transport connect error", zap.Any("error", p))
	})
	c.On(ws.EventReconnect, func(p interface{}) {
		log.Info("transport reconnected", zap.Any("attempt", p))
	})
	c.On(ws.EventReconnectFailed, func(p interface{}) {
		log.Error("transport gave up reconnecting", zap.Any("error", p))
	})
}
