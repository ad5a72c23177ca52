// Package dispatch decodes inbound frames into protocol messages and drives
// an ordered, at-least-once delivery loop to registered consumers.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/easelhq/easel/internal/logging"
	"github.com/easelhq/easel/internal/protocol"
)

const (
	// DefaultMaxQueued bounds the message ring. Oldest processed entries are
	// trimmed once the queue grows past this.
	DefaultMaxQueued = 500

	// DefaultMaxRetries is the delivery attempt ceiling per message. After
	// this many failed drains the message is dropped so the pipeline keeps
	// moving.
	DefaultMaxRetries = 3
)

// Consumer handles one decoded message. A non-nil error (or a panic, which
// is recovered) marks the delivery attempt failed and the message is retried
// on the next drain cycle.
type Consumer func(msg *protocol.ServerMessage) error

type registration struct {
	name string
	fn   Consumer
}

// QueuedMessage is one decoded message awaiting (or finished with) delivery.
type QueuedMessage struct {
	ID         uint64
	Message    *protocol.ServerMessage
	ReceivedAt time.Time
	Processed  bool
	RetryCount int
}

// Dispatcher owns the inbound message queue. Ingest is safe to call from the
// socket read loop while snapshots are read from elsewhere.
type Dispatcher struct {
	// drainMu serializes Ingest end to end so consumers always observe
	// messages in arrival order. It is never held by the read-only accessors.
	drainMu sync.Mutex

	// mu guards the fields below. It is released around consumer callbacks,
	// so a consumer may call back into Stats, Pending, or LastError.
	mu         sync.Mutex
	consumers  []registration
	queue      []*QueuedMessage
	nextID     uint64
	maxQueued  int
	maxRetries int
	lastError  string
	decoded    uint64
	dropped    uint64
	now        func() time.Time
	log        *logging.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxQueued sets the queue size ceiling.
func WithMaxQueued(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxQueued = n
		}
	}
}

// WithMaxRetries sets the per-message delivery attempt ceiling.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxRetries = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// New creates a Dispatcher with no consumers registered.
func New(log *logging.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = logging.Default()
	}
	d := &Dispatcher{
		maxQueued:  DefaultMaxQueued,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		log:        log.With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a named consumer. Every queued message is delivered to every
// consumer in registration order.
func (d *Dispatcher) Register(name string, fn Consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers = append(d.consumers, registration{name: name, fn: fn})
}

// Ingest decodes one raw frame, enqueues it, and synchronously drains the
// queue. Malformed frames are recorded as the last error and dropped; they
// never propagate to consumers.
func (d *Dispatcher) Ingest(raw []byte) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	msg, err := protocol.Decode(raw, d.now())

	d.mu.Lock()
	if err != nil {
		d.lastError = err.Error()
		d.dropped++
		d.mu.Unlock()
		d.log.Warn("dropping undecodable frame", "error", err)
		return
	}
	d.decoded++
	d.nextID++
	d.queue = append(d.queue, &QueuedMessage{
		ID:         d.nextID,
		Message:    msg,
		ReceivedAt: msg.ReceivedAt,
	})
	d.mu.Unlock()

	d.drain()

	d.mu.Lock()
	d.trimLocked()
	d.mu.Unlock()
}

// drain delivers every unprocessed entry in arrival order. An entry that
// fails stays queued for the next cycle until the retry ceiling, then is
// force-marked processed. Retried entries are attempted before newer ones, so
// no consumer ever sees messages out of arrival order. Consumers run with mu
// released; drainMu keeps cycles from interleaving.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	consumers := append([]registration(nil), d.consumers...)
	pending := make([]*QueuedMessage, 0, len(d.queue))
	for _, qm := range d.queue {
		if !qm.Processed {
			pending = append(pending, qm)
		}
	}
	d.mu.Unlock()

	for _, qm := range pending {
		ok := true
		for _, c := range consumers {
			if err := d.deliver(c, qm.Message); err != nil {
				ok = false
				d.log.Warn("consumer failed",
					"consumer", c.name,
					"type", string(qm.Message.Type),
					"attempt", qm.RetryCount+1,
					"error", err)
			}
		}

		d.mu.Lock()
		if ok {
			qm.Processed = true
			d.mu.Unlock()
			continue
		}
		qm.RetryCount++
		exhausted := qm.RetryCount >= d.maxRetries
		if exhausted {
			qm.Processed = true
			d.dropped++
		}
		d.mu.Unlock()

		if exhausted {
			d.log.Error("dropping message after retry ceiling",
				"type", string(qm.Message.Type),
				"attempts", qm.RetryCount)
		}
	}
}

// deliver invokes one consumer, converting a panic into an error so a faulty
// subscriber cannot take down the read loop.
func (d *Dispatcher) deliver(c registration, msg *protocol.ServerMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer %s panicked: %v", c.name, r)
		}
	}()
	return c.fn(msg)
}

// trimLocked drops oldest processed entries once the queue exceeds the
// ceiling. Unprocessed entries are never trimmed.
func (d *Dispatcher) trimLocked() {
	if len(d.queue) <= d.maxQueued {
		return
	}
	excess := len(d.queue) - d.maxQueued
	kept := make([]*QueuedMessage, 0, d.maxQueued)
	for _, qm := range d.queue {
		if excess > 0 && qm.Processed {
			excess--
			continue
		}
		kept = append(kept, qm)
	}
	d.queue = kept
}

// LastError returns the description of the most recent decode failure, or ""
// if every frame so far decoded cleanly.
func (d *Dispatcher) LastError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastError
}

// Stats reports decoded and dropped message counts and the current queue
// length.
func (d *Dispatcher) Stats() (decoded, dropped uint64, queued int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decoded, d.dropped, len(d.queue)
}

// Pending returns the number of unprocessed entries still in the queue.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, qm := range d.queue {
		if !qm.Processed {
			n++
		}
	}
	return n
}
