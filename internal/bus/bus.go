// Package bus provides the subscription surface through which UI panels,
// toasts, and debug tooling observe the client core. Emission is synchronous
// and ordered; a misbehaving handler never blocks delivery to the others.
package bus

import (
	"sync"

	"github.com/easelhq/easel/internal/logging"
)

// Event names published by the client core.
const (
	// EventConnectionState carries a protocol.ConnectionState on every
	// connection state transition.
	EventConnectionState = "connection.state"
	// EventConnectionOpen fires once the socket is established.
	EventConnectionOpen = "connection.open"
	// EventConnectionClose carries the raw close code (int) when the socket
	// closes for any reason.
	EventConnectionClose = "connection.close"
	// EventConnectionError carries the transport error (error).
	EventConnectionError = "connection.error"
	// EventMessage carries every decoded *protocol.ServerMessage. Intended
	// for debug tooling only.
	EventMessage = "message.received"
	// EventProgress carries a progress.Snapshot on every progress change.
	EventProgress = "progress.updated"
	// EventProgressCleared carries the reset progress.Snapshot.
	EventProgressCleared = "progress.cleared"
	// EventExecutionFinalized carries a *timing.Execution once a run moves
	// into history.
	EventExecutionFinalized = "execution.finalized"
)

// Handler receives the payload published for an event.
type Handler func(payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous publish/subscribe hub. Handlers for an event run in
// registration order; a panicking handler is recovered and logged without
// stopping delivery to the remaining handlers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
	log    *logging.Logger
}

// New creates an empty Bus.
func New(log *logging.Logger) *Bus {
	if log == nil {
		log = logging.Default()
	}
	return &Bus{
		subs: make(map[string][]subscription),
		log:  log.With("component", "bus"),
	}
}

// Subscribe registers handler for the named event and returns a function
// that removes the registration. Multiple handlers per event are delivered
// in the order they subscribed.
func (b *Bus) Subscribe(event string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[event]
		for i, s := range subs {
			if s.id == id {
				b.subs[event] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[event]) == 0 {
			delete(b.subs, event)
		}
	}
}

// Publish delivers payload to every handler subscribed to event,
// synchronously and in registration order.
func (b *Bus) Publish(event string, payload any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[event]))
	copy(subs, b.subs[event])
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(event, s, payload)
	}
}

// deliver invokes one handler, recovering a panic so one subscriber cannot
// break delivery to the rest.
func (b *Bus) deliver(event string, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panicked", "event", event, "panic", r)
		}
	}()
	s.handler(payload)
}

// SubscriberCount returns the number of handlers registered for event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}
