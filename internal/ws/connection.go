// Package ws implements the client side of the real-time connection: one
// authenticated WebSocket built on gobwas/ws, with automatic reconnection,
// protocol-level keepalive and an explicit observer registry for transport
// and wire events.
package ws

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tradepost/marketchat/internal/metrics"
	"github.com/tradepost/marketchat/internal/protocol"
)

var (
	// ErrNotConnected is returned by Emit while the socket is down.
	ErrNotConnected = errors.New("ws: not connected")

	// ErrReconnectFailed is delivered with EventReconnectFailed once the
	// reconnect budget is exhausted.
	ErrReconnectFailed = errors.New("ws: reconnect attempts exhausted")
)

// Handle is the consumer-facing view of a shared connection. *Conn
// implements it; tests substitute fakes.
type Handle interface {
	ID() string
	Connected() bool
	Emit(msgType string, payload interface{}) error
	On(event string, h Handler) (off func())
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger used by the connection.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Conn) {
		c.logger = logger
	}
}

// Conn is a single physical WebSocket connection. It owns the dial/read loop
// and reconnects on its own until Close is called or the reconnect budget
// runs out.
type Conn struct {
	id        string
	cfg       Config
	token     string
	logger    *zap.Logger
	listeners *Dispatcher

	mu        sync.Mutex
	netConn   net.Conn // nil while disconnected
	connected bool
	started   bool

	writeMu sync.Mutex // serializes frames written to netConn

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewConn creates a connection for cfg that authenticates with token. No
// network activity happens until Start is called.
func NewConn(cfg Config, token string, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:        uuid.NewString(),
		cfg:       cfg,
		token:     token,
		logger:    zap.NewNop(),
		listeners: NewDispatcher(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("conn", c.id))
	return c
}

// Start spawns the background run loop. It returns immediately; progress is
// reported through EventConnect / EventConnectError. Calling Start more than
// once, or after Close, is a no-op.
func (c *Conn) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed.Load() {
		return
	}
	c.started = true
	go c.run()
}

// ID returns the unique identifier of this physical connection.
func (c *Conn) ID() string {
	return c.id
}

// Connected reports whether the socket is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Done is closed once the run loop has exited, either after Close or after
// the reconnect budget is exhausted.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// On registers a handler for a transport event or inbound wire type.
func (c *Conn) On(event string, h Handler) (off func()) {
	return c.listeners.On(event, h)
}

// ListenerCount returns the number of handlers registered for event.
func (c *Conn) ListenerCount(event string) int {
	return c.listeners.Count(event)
}

// Emit sends a typed message to the server. It does not wait for any
// acknowledgement. It is goroutine-safe.
func (c *Conn) Emit(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	netConn := c.netConn
	c.mu.Unlock()
	if netConn == nil {
		return ErrNotConnected
	}

	if err := c.write(netConn, ws.OpText, data); err != nil {
		// Force the read loop onto its disconnect path.
		_ = netConn.Close()
		return errors.Wrapf(err, "ws: emit %s", msgType)
	}
	return nil
}

// Close performs a client-initiated shutdown: it sends a close frame, closes
// the socket and stops reconnecting. It is safe to call multiple times and
// from inside a Handler.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()

		c.mu.Lock()
		netConn := c.netConn
		started := c.started
		c.mu.Unlock()

		if netConn != nil {
			_ = c.write(netConn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			err = netConn.Close()
		}
		if !started {
			close(c.done)
		}
		c.logger.Debug("close requested")
	})
	return err
}

func (c *Conn) write(netConn net.Conn, op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return wsutil.WriteClientMessage(netConn, op, data)
}

// run is the connection's lifetime loop: dial, serve until the socket drops,
// then decide whether and when to dial again.
func (c *Conn) run() {
	defer close(c.done)

	bo := c.newBackOff()
	attempt := 0
	var wait time.Duration

	for {
		if !c.sleep(wait) {
			return
		}

		netConn, r, err := c.dial()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("connect failed", zap.Int("attempt", attempt), zap.Error(err))
			c.listeners.Dispatch(EventConnectError, err)
		} else {
			bo.Reset()
			reason := c.serve(netConn, r, attempt)
			attempt = 0

			c.logger.Info("disconnected", zap.String("reason", reason))
			c.listeners.Dispatch(EventDisconnect, reason)

			switch reason {
			case ReasonClientClose:
				return
			case ReasonServerClose:
				// The server ended the session on purpose; try once right away
				// before falling back to the backoff schedule.
				attempt = 1
				wait = 0
				continue
			}
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			metrics.ReconnectsTotal.WithLabelValues("exhausted").Inc()
			c.logger.Error("giving up reconnecting", zap.Int("attempts", c.cfg.ReconnectAttempts))
			c.listeners.Dispatch(EventReconnectFailed, ErrReconnectFailed)
			return
		}
		attempt++
		wait = next
	}
}

func (c *Conn) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.ReconnectDelay
	eb.MaxInterval = c.cfg.ReconnectDelayMax
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.5
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := c.cfg.ReconnectAttempts
	if attempts < 0 {
		attempts = 0
	}
	return backoff.WithMaxRetries(eb, uint64(attempts))
}

// sleep waits d unless the connection is closed first. It reports whether
// the loop should continue.
func (c *Conn) sleep(d time.Duration) bool {
	if d <= 0 {
		return !c.closed.Load()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return !c.closed.Load()
	}
}

// dial opens the socket and performs the upgrade with the bearer credential.
// The returned reader must be used for all reads since the handshake reader
// may already hold buffered frames.
func (c *Conn) dial() (net.Conn, io.Reader, error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + c.token},
		}),
		Timeout: c.cfg.HandshakeTimeout,
	}

	netConn, br, _, err := dialer.Dial(c.ctx, c.cfg.URL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "ws: dial")
	}

	var r io.Reader = netConn
	if br != nil {
		r = io.MultiReader(br, netConn)
	}
	return netConn, r, nil
}

// serve publishes netConn as the live socket, announces it, and reads frames
// until the socket fails. It returns the disconnect reason.
func (c *Conn) serve(netConn net.Conn, r io.Reader, attempt int) string {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = netConn.Close()
		return ReasonClientClose
	}
	c.netConn = netConn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("url", c.cfg.URL))
	c.listeners.Dispatch(EventConnect, nil)
	if attempt > 0 {
		metrics.ReconnectsTotal.WithLabelValues("success").Inc()
		c.listeners.Dispatch(EventReconnect, attempt)
	}

	stop := make(chan struct{})
	go c.keepalive(netConn, stop)
	defer close(stop)

	// Control frame responses (pong, close echo) share the write mutex with
	// Emit so frames never interleave.
	rw := struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{c: c, conn: netConn}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			c.mu.Lock()
			c.netConn = nil
			c.connected = false
			c.mu.Unlock()
			_ = netConn.Close()
			return c.disconnectReason(err)
		}
		c.handleFrame(data)
	}
}

func (c *Conn) handleFrame(data []byte) {
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		c.logger.Warn("dropping inbound frame", zap.String("type", msgType), zap.Error(err))
		return
	}
	c.listeners.Dispatch(msgType, msg)
}

func (c *Conn) disconnectReason(err error) string {
	if c.closed.Load() {
		return ReasonClientClose
	}
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return ReasonServerClose
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ReasonTransportClose
	}
	c.logger.Debug("read failed", zap.Error(err))
	return ReasonTransportError
}

type lockedWriter struct {
	c    *Conn
	conn net.Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.conn.Write(p)
}
