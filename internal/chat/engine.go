// Package chat implements the client-side chat session engine: joining and
// leaving rooms over the shared real-time connection, sending and receiving
// messages, typing and seen indicators, recovery across reconnects, and the
// reconciliation of optimistic messages with their server-confirmed twins.
package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tradepost/marketchat/internal/metrics"
	"github.com/tradepost/marketchat/internal/models"
	"github.com/tradepost/marketchat/internal/protocol"
	"github.com/tradepost/marketchat/internal/ws"
)

var (
	ErrNotStarted   = errors.New("chat: engine not started")
	ErrNotConnected = errors.New("chat: not connected")
	ErrNoChatTarget = errors.New("chat: no chat to send to")
	ErrUnknownID    = errors.New("chat: unknown message id")
	ErrNotFailed    = errors.New("chat: message has not failed")
	ErrStale        = errors.New("chat: selection changed")

	// ErrConnectionLost is the session error once the transport gives up.
	ErrConnectionLost = errors.New("chat: connection lost")
)

// State is the engine's position in the session state machine.
type State int

const (
	StateDisconnected State = iota
	StateIdle
	StateJoining
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	default:
		return "disconnected"
	}
}

// Session identifies the active room.
type Session struct {
	ChatID string `json:"chatId"`
	RoomID string `json:"roomId"`
}

// Draft is the payload of an outgoing message.
type Draft struct {
	Text        string
	MessageType models.MessageType
	ImageURL    string
	ClientID    string // provisional id, echoed by servers that support it
}

// Connector hands out the shared connection. *mux.Multiplexer implements it.
type Connector interface {
	Acquire(ctx context.Context) (ws.Handle, error)
	Release()
}

// replacer is implemented by connectors that can swap the physical
// connection under their consumers (manual reconnect).
type replacer interface {
	OnReplace(fn func(ws.Handle)) (remove func())
}

type remoteTyping struct {
	user  models.User
	timer *time.Timer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithHistory enables the built-in history loader run by EnterChat.
func WithHistory(fetcher MessageFetcher) Option {
	return func(e *Engine) {
		e.history = fetcher
	}
}

// WithLoaders registers additional loaders run by EnterChat.
func WithLoaders(loaders ...Loader) Option {
	return func(e *Engine) {
		e.loaders = append(e.loaders, loaders...)
	}
}

// Engine is the state machine for one active chat room. All transitions run
// to completion under the engine lock; listener callbacks run after it is
// released.
type Engine struct {
	cfg     Config
	conn    Connector
	self    models.User
	logger  *zap.Logger
	history MessageFetcher
	loaders []Loader
	now     func() time.Time

	mu            sync.Mutex
	started       bool
	handle        ws.Handle
	offs          []func()
	removeReplace func()

	session  *Session
	pending  *Session
	messages messageList
	timers   map[string]*time.Timer // provisional id -> soft downgrade timer

	typing      bool
	typingGen   uint64
	typingTimer *time.Timer
	remote      map[string]*remoteTyping

	err         error
	msgErr      error
	msgErrGen   uint64
	msgErrTimer *time.Timer

	lastLeave   time.Time
	enterSeq    uint64
	enterCancel context.CancelFunc

	listeners    map[int]func(models.Message)
	nextListener int
}

// NewEngine creates an engine for the authenticated user self.
func NewEngine(conn Connector, self models.User, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		conn:      conn,
		self:      self,
		logger:    zap.NewNop(),
		now:       time.Now,
		timers:    make(map[string]*time.Timer),
		remote:    make(map[string]*remoteTyping),
		listeners: make(map[int]func(models.Message)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("chat")
	return e
}

// Self returns the user the engine sends as.
func (e *Engine) Self() models.User {
	return e.self
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start acquires the shared connection and registers every event handler.
// Calling Start again first removes the handlers registered previously, so
// handlers are never duplicated.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.unbindLocked()
		e.bindLocked(e.handle)
		e.replayLocked()
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	h, err := e.conn.Acquire(ctx)
	if err != nil {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		return errors.Wrap(err, "chat: start")
	}

	e.mu.Lock()
	e.started = true
	e.handle = h
	e.bindLocked(h)
	if r, ok := e.conn.(replacer); ok {
		e.removeReplace = r.OnReplace(e.rebind)
	}
	e.replayLocked()
	e.mu.Unlock()

	e.logger.Debug("engine started", zap.String("conn", h.ID()))
	return nil
}

// Close removes every handler registered by Start, stops all timers, leaves
// the active room and releases the connection. It is safe to call more than
// once.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	if e.session != nil && e.handle.Connected() {
		e.emitLocked(protocol.TypeLeaveChat, e.roomMsg(*e.session))
	}
	e.unbindLocked()
	if e.removeReplace != nil {
		e.removeReplace()
		e.removeReplace = nil
	}
	if e.enterCancel != nil {
		e.enterCancel()
		e.enterCancel = nil
	}
	e.enterSeq++
	e.session = nil
	e.pending = nil
	e.clearRoomLocked()
	e.stopMessageErrLocked()
	e.started = false
	e.handle = nil
	e.mu.Unlock()

	e.conn.Release()
	e.logger.Debug("engine closed")
}

func (e *Engine) bindLocked(h ws.Handle) {
	e.offs = []func(){
		h.On(ws.EventConnect, e.onConnect),
		h.On(ws.EventDisconnect, e.onDisconnect),
		h.On(ws.EventConnectError, e.onConnectError),
		h.On(ws.EventReconnectFailed, e.onReconnectFailed),
		h.On(protocol.TypeNewMessage, e.onNewMessage),
		h.On(protocol.TypeMessageUpdated, e.onMessageUpdated),
		h.On(protocol.TypeUserTyping, e.onUserTyping),
		h.On(protocol.TypeMessagesSeen, e.onMessagesSeen),
		h.On(protocol.TypeError, e.onError),
	}
}

func (e *Engine) unbindLocked() {
	for _, off := range e.offs {
		off()
	}
	e.offs = nil
}

// rebind moves the engine onto a replacement connection. The session is
// remembered as a pending join so the new connection rejoins on connect.
func (e *Engine) rebind(h ws.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.unbindLocked()
	e.handle = h
	e.bindLocked(h)
	if e.session != nil {
		s := *e.session
		e.pending = &s
	}
	e.replayLocked()
	e.logger.Info("moved to replacement connection", zap.String("conn", h.ID()))
}

// replayLocked emits the pending join if the connection is already up.
func (e *Engine) replayLocked() {
	if e.pending == nil || e.handle == nil || !e.handle.Connected() {
		return
	}
	s := *e.pending
	if err := e.emitLocked(protocol.TypeJoinChat, e.roomMsg(s)); err != nil {
		return
	}
	e.pending = nil
	e.logger.Info("replayed pending join", zap.String("chat", s.ChatID))
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// State derives the state machine position from the connection, session and
// pending join.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() State {
	switch {
	case e.handle == nil || !e.handle.Connected():
		return StateDisconnected
	case e.session == nil:
		return StateIdle
	case e.pending != nil:
		return StateJoining
	default:
		return StateActive
	}
}

// Session returns the active session, if any.
func (e *Engine) Session() (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return Session{}, false
	}
	return *e.session, true
}

// PendingJoin returns the join waiting for the connection, if any.
func (e *Engine) PendingJoin() (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return Session{}, false
	}
	return *e.pending, true
}

// Messages returns a snapshot of the message list.
func (e *Engine) Messages() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.messages.snapshot()
}

// Message returns the message with id.
func (e *Engine) Message(id string) (models.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.messages.get(id)
}

// TypingUsers returns the remote participants currently typing, ordered by
// id.
func (e *Engine) TypingUsers() []models.User {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.User, 0, len(e.remote))
	for _, rt := range e.remote {
		out = append(out, rt.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Err returns the session-wide (transport) error.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// MessageErr returns the message-scoped error, which clears itself after
// MessageErrorTTL.
func (e *Engine) MessageErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.msgErr
}

// ClearMessageErr drops the message-scoped error, e.g. when the user edits
// the draft.
func (e *Engine) ClearMessageErr() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopMessageErrLocked()
}

// AddListener registers fn to receive every message appended, reconciled or
// updated. The returned function removes it.
func (e *Engine) AddListener(fn func(models.Message)) (remove func()) {
	e.mu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// JoinChat makes {chatID, roomID} the active session. It is a no-op when that
// session is already active. The join is emitted now if the connection is up,
// otherwise remembered as the pending join.
func (e *Engine) JoinChat(chatID, roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Session{ChatID: chatID, RoomID: roomID}
	if e.session != nil && *e.session == s {
		return
	}
	if e.session != nil && e.session.ChatID != chatID {
		e.clearRoomLocked()
	}
	e.session = &s

	if e.handle != nil && e.handle.Connected() {
		if err := e.emitLocked(protocol.TypeJoinChat, e.roomMsg(s)); err == nil {
			e.pending = nil
			e.logger.Info("joined chat", zap.String("chat", chatID), zap.String("room", roomID))
			return
		}
	}
	e.pending = &s
	e.logger.Info("join deferred until connected", zap.String("chat", chatID))
}

// LeaveChat emits a leave for the active session and clears the session and
// the message list. It is a no-op without an active session.
func (e *Engine) LeaveChat() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return
	}
	if e.handle != nil && e.handle.Connected() {
		e.emitLocked(protocol.TypeLeaveChat, e.roomMsg(*e.session))
	}
	e.logger.Info("left chat", zap.String("chat", e.session.ChatID))
	e.session = nil
	e.pending = nil
	e.clearRoomLocked()
	e.lastLeave = e.now()
}

// SendMessage transmits d to the active room. The caller inserts the
// provisional message first (see AddProvisional); the engine only sends.
// Failures set the message-scoped error and are also returned.
func (e *Engine) SendMessage(d Draft) error {
	if d.Text == "" && d.ImageURL == "" {
		return ErrEmptyMessage
	}
	if d.MessageType == "" {
		d.MessageType = models.MessageText
		if d.ImageURL != "" {
			d.MessageType = models.MessageImage
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == nil || !e.handle.Connected() {
		e.setMessageErrLocked(ErrNotConnected)
		return ErrNotConnected
	}

	var target Session
	switch {
	case e.pending != nil:
		target = *e.pending
		if err := e.emitLocked(protocol.TypeJoinChat, e.roomMsg(target)); err != nil {
			e.setMessageErrLocked(err)
			return err
		}
		e.pending = nil
	case e.session != nil:
		target = *e.session
	default:
		e.setMessageErrLocked(ErrNoChatTarget)
		return ErrNoChatTarget
	}

	err := e.emitLocked(protocol.TypeSendMessage, protocol.SendMessageMsg{
		ChatID:      target.ChatID,
		RoomID:      target.RoomID,
		Text:        d.Text,
		MessageType: d.MessageType,
		ImageURL:    d.ImageURL,
		ClientID:    d.ClientID,
	})
	if err != nil {
		e.setMessageErrLocked(err)
		return err
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return nil
}

// HandleTyping emits typing_start/typing_stop for the active room. A
// typing_start expires into typing_stop after TypingTimeout of inactivity;
// repeated calls reset the timer instead of re-emitting.
func (e *Engine) HandleTyping(isTyping bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil || e.handle == nil || !e.handle.Connected() {
		return
	}

	if !isTyping {
		e.stopTypingLocked(true)
		return
	}

	if !e.typing {
		if err := e.emitLocked(protocol.TypeTypingStart, e.roomMsg(*e.session)); err != nil {
			return
		}
		e.typing = true
	}
	if e.typingTimer != nil {
		e.typingTimer.Stop()
	}
	e.typingGen++
	gen := e.typingGen
	e.typingTimer = time.AfterFunc(e.cfg.TypingTimeout, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if gen != e.typingGen {
			return
		}
		e.stopTypingLocked(true)
	})
}

// MarkSeen emits a seen receipt for the active room and marks every message
// from the other participants as seen.
func (e *Engine) MarkSeen() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil || e.handle == nil || !e.handle.Connected() {
		return
	}
	if err := e.emitLocked(protocol.TypeMarkSeen, e.roomMsg(*e.session)); err != nil {
		return
	}
	selfID := e.self.ID
	e.messages.markSeen(func(m models.Message) bool { return m.Sender.ID != selfID })
}

// AddProvisional inserts a locally synthesized message with status sending
// and arms its soft downgrade timer: if no server twin arrives within
// ProvisionalTimeout the message is shown as sent.
func (e *Engine) AddProvisional(m models.Message) {
	m.Status = models.StatusSending
	if m.CreatedAt.IsZero() {
		m.CreatedAt = e.now()
	}

	e.mu.Lock()
	e.messages.append(m)
	e.armProvisionalLocked(m.ID)
	e.mu.Unlock()

	e.notify([]models.Message{m})
}

// RemoveMessage deletes a message from the list.
func (e *Engine) RemoveMessage(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopProvisionalLocked(id)
	return e.messages.remove(id)
}

// ---------------------------------------------------------------------------
// Connection events
// ---------------------------------------------------------------------------

func (e *Engine) onConnect(interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = nil
	e.replayLocked()
}

func (e *Engine) onDisconnect(p interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reason, _ := p.(string)
	if e.session != nil {
		s := *e.session
		e.pending = &s
	}
	e.stopTypingLocked(false)
	e.logger.Info("connection lost", zap.String("reason", reason), zap.Bool("rejoin", e.pending != nil))
}

func (e *Engine) onConnectError(p interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := p.(error); ok {
		e.err = errors.Wrap(err, "chat: connect")
	} else {
		e.err = errors.New("chat: connect failed")
	}
}

func (e *Engine) onReconnectFailed(interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = ErrConnectionLost
	e.logger.Error("connection lost for good; manual reconnect required")
}

// ---------------------------------------------------------------------------
// Inbound wire messages
// ---------------------------------------------------------------------------

func (e *Engine) onNewMessage(p interface{}) {
	ev, ok := p.(protocol.MessageEvent)
	if !ok {
		return
	}
	msg := ev.Message
	msg.Status = ""

	e.mu.Lock()
	if e.session == nil || (msg.ChatID != "" && msg.ChatID != e.session.ChatID) {
		e.mu.Unlock()
		return
	}

	if !e.messages.replace(msg.ID, msg) {
		if id, ok := Reconcile(e.messages.provisional(), msg); ok {
			e.messages.replace(id, msg)
			e.stopProvisionalLocked(id)
			metrics.MessagesTotal.WithLabelValues("reconciled").Inc()
			e.logger.Debug("reconciled provisional message", zap.String("temp", id), zap.String("id", msg.ID))
		} else {
			e.messages.append(msg)
			metrics.MessagesTotal.WithLabelValues("received").Inc()
		}
	}
	e.clearRemoteTypingLocked(msg.Sender.ID)
	e.mu.Unlock()

	e.notify([]models.Message{msg})
}

func (e *Engine) onMessageUpdated(p interface{}) {
	ev, ok := p.(protocol.MessageEvent)
	if !ok {
		return
	}
	msg := ev.Message
	msg.Status = ""

	e.mu.Lock()
	if e.session == nil || (msg.ChatID != "" && msg.ChatID != e.session.ChatID) {
		e.mu.Unlock()
		return
	}
	replaced := e.messages.replace(msg.ID, msg)
	e.mu.Unlock()

	if replaced {
		e.notify([]models.Message{msg})
	}
}

func (e *Engine) onUserTyping(p interface{}) {
	ev, ok := p.(protocol.UserTypingMsg)
	if !ok || ev.User.ID == "" || ev.User.ID == e.self.ID {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return
	}
	if !ev.IsTyping {
		e.clearRemoteTypingLocked(ev.User.ID)
		return
	}

	rt, ok := e.remote[ev.User.ID]
	if ok {
		rt.timer.Stop()
	} else {
		rt = &remoteTyping{}
		e.remote[ev.User.ID] = rt
	}
	rt.user = ev.User
	userID := ev.User.ID
	rt.timer = time.AfterFunc(e.cfg.RemoteTypingTimeout, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if cur, ok := e.remote[userID]; ok && cur == rt {
			delete(e.remote, userID)
		}
	})
}

func (e *Engine) onMessagesSeen(p interface{}) {
	ev, ok := p.(protocol.MessagesSeenMsg)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages.markSeen(func(m models.Message) bool { return m.Sender.ID != ev.SeenBy })
}

func (e *Engine) onError(p interface{}) {
	ev, ok := p.(protocol.ErrorMsg)
	if !ok {
		return
	}

	e.mu.Lock()
	cerr := classifyError(ev.Code, ev.Message)
	if cerr == nil {
		e.err = errors.Errorf("chat: server error: %s", ev.Message)
		e.mu.Unlock()
		e.logger.Warn("server error", zap.String("code", ev.Code), zap.String("message", ev.Message))
		return
	}

	e.setMessageErrLocked(cerr)
	var failed []models.Message
	if id, ok := e.messages.lastSending(); ok {
		if m, ok := e.messages.setStatus(id, models.StatusFailed); ok {
			e.stopProvisionalLocked(id)
			metrics.MessagesTotal.WithLabelValues("failed").Inc()
			failed = append(failed, m)
		}
	}
	e.mu.Unlock()

	e.logger.Info("message rejected", zap.String("kind", cerr.Kind), zap.String("message", ev.Message))
	e.notify(failed)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (e *Engine) roomMsg(s Session) protocol.RoomMsg {
	return protocol.RoomMsg{ChatID: s.ChatID, RoomID: s.RoomID}
}

func (e *Engine) emitLocked(msgType string, payload interface{}) error {
	if e.handle == nil {
		return ErrNotStarted
	}
	if err := e.handle.Emit(msgType, payload); err != nil {
		e.logger.Warn("emit failed", zap.String("type", msgType), zap.Error(err))
		return errors.Wrapf(err, "chat: emit %s", msgType)
	}
	return nil
}

func (e *Engine) armProvisionalLocked(id string) {
	e.stopProvisionalLocked(id)
	e.timers[id] = time.AfterFunc(e.cfg.ProvisionalTimeout, func() {
		e.mu.Lock()
		m, ok := e.messages.get(id)
		if !ok || m.Status != models.StatusSending {
			e.mu.Unlock()
			return
		}
		m, _ = e.messages.setStatus(id, models.StatusSent)
		delete(e.timers, id)
		e.mu.Unlock()

		metrics.MessagesTotal.WithLabelValues("unconfirmed").Inc()
		e.logger.Debug("no confirmation, assuming delivered", zap.String("id", id))
		e.notify([]models.Message{m})
	})
}

func (e *Engine) stopProvisionalLocked(id string) {
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) stopTypingLocked(emit bool) {
	e.typingGen++
	if e.typingTimer != nil {
		e.typingTimer.Stop()
		e.typingTimer = nil
	}
	if !e.typing {
		return
	}
	e.typing = false
	if emit && e.session != nil && e.handle != nil && e.handle.Connected() {
		e.emitLocked(protocol.TypeTypingStop, e.roomMsg(*e.session))
	}
}

func (e *Engine) clearRemoteTypingLocked(userID string) {
	if rt, ok := e.remote[userID]; ok {
		rt.timer.Stop()
		delete(e.remote, userID)
	}
}

// clearRoomLocked drops every piece of per-room state.
func (e *Engine) clearRoomLocked() {
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	for id := range e.remote {
		e.clearRemoteTypingLocked(id)
	}
	e.stopTypingLocked(false)
	e.messages.reset(nil)
}

func (e *Engine) setMessageErrLocked(err error) {
	e.stopMessageErrLocked()
	e.msgErr = err
	gen := e.msgErrGen
	e.msgErrTimer = time.AfterFunc(e.cfg.MessageErrorTTL, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if gen == e.msgErrGen {
			e.msgErr = nil
		}
	})
}

func (e *Engine) stopMessageErrLocked() {
	e.msgErrGen++
	if e.msgErrTimer != nil {
		e.msgErrTimer.Stop()
		e.msgErrTimer = nil
	}
	e.msgErr = nil
}

// notify delivers msgs to every listener. It must be called without the
// engine lock held.
func (e *Engine) notify(msgs []models.Message) {
	if len(msgs) == 0 {
		return
	}
	e.mu.Lock()
	fns := make([]func(models.Message), 0, len(e.listeners))
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, e.listeners[id])
	}
	e.mu.Unlock()

	for _, m := range msgs {
		for _, fn := range fns {
			fn(m)
		}
	}
}
