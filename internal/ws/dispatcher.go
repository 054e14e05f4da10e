package ws

import (
	"sync"
)

// Synthesized transport events. Inbound wire messages are dispatched under
// their protocol type (protocol.TypeNewMessage, ...).
const (
	EventConnect         = "connect"          // payload: nil
	EventDisconnect      = "disconnect"       // payload: reason string
	EventConnectError    = "connect_error"    // payload: error
	EventReconnect       = "reconnect"        // payload: attempt int
	EventReconnectFailed = "reconnect_failed" // payload: error
)

// Disconnect reasons delivered with EventDisconnect.
const (
	ReasonClientClose    = "io client disconnect"
	ReasonServerClose    = "io server disconnect"
	ReasonTransportClose = "transport close"
	ReasonTransportError = "transport error"
)

// Handler is the callback signature for a connection event. For inbound
// wire messages the payload is the concrete struct returned by
// protocol.ParseServerMessage (e.g. protocol.MessageEvent).
type Handler func(payload interface{})

type listener struct {
	fn Handler
}

// Dispatcher routes events to the handlers registered for them. Handlers
// registered for the same event run in registration order. Dispatch never
// holds the registry lock while a handler runs, so handlers may register or
// remove handlers themselves.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]*listener
}

// NewDispatcher creates an empty Dispatcher ready for use.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]*listener),
	}
}

// On registers h for event and returns a function that removes exactly that
// registration. Calling the returned function more than once is a no-op.
func (d *Dispatcher) On(event string, h Handler) (off func()) {
	l := &listener{fn: h}

	d.mu.Lock()
	d.handlers[event] = append(d.handlers[event], l)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(event, l) })
	}
}

// Count returns the number of handlers currently registered for event.
func (d *Dispatcher) Count(event string) int {
	d.mu.RLock()
	n := len(d.handlers[event])
	d.mu.RUnlock()
	return n
}

// Dispatch invokes every handler registered for event with payload.
func (d *Dispatcher) Dispatch(event string, payload interface{}) {
	d.mu.RLock()
	ls := make([]*listener, len(d.handlers[event]))
	copy(ls, d.handlers[event])
	d.mu.RUnlock()

	for _, l := range ls {
		l.fn(payload)
	}
}

func (d *Dispatcher) remove(event string, l *listener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ls := d.handlers[event]
	for i, cur := range ls {
		if cur == l {
			ls = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(ls) == 0 {
		delete(d.handlers, event)
		return
	}
	d.handlers[event] = ls
}
