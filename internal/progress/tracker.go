// Package progress folds the server event stream into a single
// current-generation snapshot: active node, percent complete, queue depth,
// and an elapsed-time based remaining estimate.
package progress

import (
	"math"
	"sync"
	"time"

	"github.com/easelhq/easel/internal/protocol"
)

// Snapshot is the read-only view of the current generation. A fresh copy is
// returned on every read and published on every change; callers never share
// the tracker's internal state.
type Snapshot struct {
	PromptID       string
	CurrentNode    string
	Value          int
	Max            int
	IsGenerating   bool
	StartTime      time.Time
	EndTime        time.Time
	QueueRemaining int
	ExecutedNodes  []string
	CachedNodes    []string
	LastUpdate     time.Time
}

// Percentage returns the completion percentage rounded to the nearest whole
// number and clamped to [0, 100]. It is 0 while Max is 0.
func (s Snapshot) Percentage() int {
	if s.Max <= 0 {
		return 0
	}
	pct := int(math.Round(float64(s.Value) / float64(s.Max) * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// EstimatedRemaining extrapolates the remaining duration from elapsed time
// and percent complete. It returns nil until any progress has been made or
// once generation has finished.
func (s Snapshot) EstimatedRemaining(now time.Time) *time.Duration {
	pct := s.Percentage()
	if !s.IsGenerating || pct <= 0 || s.StartTime.IsZero() {
		return nil
	}
	elapsed := now.Sub(s.StartTime)
	if elapsed <= 0 {
		return nil
	}
	total := time.Duration(float64(elapsed) / float64(pct) * 100)
	remaining := total - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

// Tracker consumes dispatcher messages and maintains the snapshot. It shares
// no state with the timing analyzer; both fold the same stream independently.
type Tracker struct {
	mu   sync.RWMutex
	cur  Snapshot
	emit func(Snapshot)
	now  func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates a Tracker. emit, if non-nil, is called with a snapshot copy
// after every state change.
func New(emit func(Snapshot), opts ...Option) *Tracker {
	t := &Tracker{
		emit: emit,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Snapshot returns a copy of the current progress state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur.clone()
}

// Clear resets progress to the initial empty snapshot and emits it.
// Clearing an already-empty tracker yields the same snapshot again.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.cur = Snapshot{}
	snap := t.cur.clone()
	t.mu.Unlock()

	if t.emit != nil {
		t.emit(snap)
	}
}

// Handle folds one server message into the snapshot. Message types that do
// not affect progress are ignored.
func (t *Tracker) Handle(msg *protocol.ServerMessage) error {
	t.mu.Lock()
	changed, err := t.applyLocked(msg)
	var snap Snapshot
	if changed {
		t.cur.LastUpdate = t.now()
		snap = t.cur.clone()
	}
	t.mu.Unlock()

	if err != nil {
		return err
	}
	if changed && t.emit != nil {
		t.emit(snap)
	}
	return nil
}

func (t *Tracker) applyLocked(msg *protocol.ServerMessage) (bool, error) {
	switch msg.Type {
	case protocol.MessageTypeExecutionStart:
		data, err := msg.ExecutionStart()
		if err != nil {
			return false, err
		}
		t.cur = Snapshot{
			PromptID:       data.PromptID,
			IsGenerating:   true,
			StartTime:      t.now(),
			QueueRemaining: t.cur.QueueRemaining,
		}
		return true, nil

	case protocol.MessageTypeExecuting:
		data, err := msg.Executing()
		if err != nil {
			return false, err
		}
		if data.Node == nil {
			// Run drained; completion itself is driven by the explicit
			// terminal events.
			t.cur.CurrentNode = ""
		} else {
			t.cur.CurrentNode = *data.Node
		}
		return true, nil

	case protocol.MessageTypeProgress:
		data, err := msg.Progress()
		if err != nil {
			return false, err
		}
		t.cur.Value = data.Value
		t.cur.Max = data.Max
		if data.Node != "" {
			t.cur.CurrentNode = data.Node
		}
		return true, nil

	case protocol.MessageTypeStatus:
		data, err := msg.Status()
		if err != nil {
			return false, err
		}
		t.cur.QueueRemaining = data.Status.ExecInfo.QueueRemaining
		return true, nil

	case protocol.MessageTypeExecutionCached:
		data, err := msg.ExecutionCached()
		if err != nil {
			return false, err
		}
		t.cur.CachedNodes = append(t.cur.CachedNodes, data.Nodes...)
		return true, nil

	case protocol.MessageTypeExecuted:
		data, err := msg.Executed()
		if err != nil {
			return false, err
		}
		t.cur.ExecutedNodes = append(t.cur.ExecutedNodes, data.Node)
		return true, nil

	case protocol.MessageTypeExecutionSuccess,
		protocol.MessageTypeExecutionError,
		protocol.MessageTypeExecutionInterrupted:
		t.cur.IsGenerating = false
		t.cur.EndTime = t.now()
		t.cur.CurrentNode = ""
		return true, nil
	}

	return false, nil
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.ExecutedNodes = append([]string(nil), s.ExecutedNodes...)
	out.CachedNodes = append([]string(nil), s.CachedNodes...)
	return out
}
