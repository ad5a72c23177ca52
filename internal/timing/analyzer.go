// Package timing folds the server event stream into per-execution timing
// records and computes aggregate performance metrics, per-node-type
// statistics, rolling trend samples, and a bottleneck report. It consumes
// the same stream as the progress tracker but shares no state with it.
package timing

import (
	"sync"
	"time"

	"github.com/easelhq/easel/internal/logging"
	"github.com/easelhq/easel/internal/protocol"
)

const (
	// DefaultHistoryLimit caps the finalized execution history; the oldest
	// entry is evicted past it.
	DefaultHistoryLimit = 100

	// DefaultBottleneckThreshold is the average node duration above which a
	// node type is flagged as a bottleneck.
	DefaultBottleneckThreshold = 2 * time.Second
)

// ExecutionStatus is the terminal (or running) state of one execution.
type ExecutionStatus string

const (
	StatusRunning     ExecutionStatus = "running"
	StatusCompleted   ExecutionStatus = "completed"
	StatusError       ExecutionStatus = "error"
	StatusInterrupted ExecutionStatus = "interrupted"
)

// ProgressSample is one progress event observed while a node ran.
type ProgressSample struct {
	Timestamp time.Time
	Value     int
	Max       int
}

// NodeTiming records when one node of an execution started and finished.
type NodeTiming struct {
	NodeID    string
	NodeType  string
	StartTime time.Time
	// EndTime is zero until the node finishes or the execution finalizes.
	EndTime  time.Time
	Duration time.Duration
	Cached   bool
	Progress []ProgressSample
}

// ErrorInfo describes the failure that ended an execution.
type ErrorInfo struct {
	NodeID    string
	NodeType  string
	Message   string
	Timestamp time.Time
}

// Execution is the timing record for one prompt run. It lives in the active
// map while running and is immutable once moved into history.
type Execution struct {
	PromptID       string
	StartTime      time.Time
	EndTime        time.Time
	TotalDuration  time.Duration
	QueueTime      time.Duration
	ExecutionTime  time.Duration
	Nodes          map[string]*NodeTiming
	CompletedNodes []string
	CachedNodes    []string
	Status         ExecutionStatus
	Error          *ErrorInfo

	// nodeOrder records first-start order; the first entry anchors the
	// queue-time computation.
	nodeOrder   []string
	currentNode string
}

// Analyzer accumulates a bounded execution history from the event stream.
type Analyzer struct {
	mu           sync.RWMutex
	active       map[string]*Execution
	history      []*Execution
	historyLimit int
	threshold    time.Duration
	trend        []TrendSample
	trendKeep    time.Duration
	now          func() time.Time
	onFinalize   func(*Execution)
	log          *logging.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithHistoryLimit caps the finalized execution history.
func WithHistoryLimit(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.historyLimit = n
		}
	}
}

// WithBottleneckThreshold sets the average-duration threshold above which a
// node type is flagged.
func WithBottleneckThreshold(d time.Duration) Option {
	return func(a *Analyzer) {
		if d > 0 {
			a.threshold = d
		}
	}
}

// WithTrendRetention sets how far back trend samples are kept.
func WithTrendRetention(d time.Duration) Option {
	return func(a *Analyzer) {
		if d > 0 {
			a.trendKeep = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) {
		a.now = now
	}
}

// WithFinalizeHook registers a callback invoked with each execution as it
// moves into history. The execution must be treated as read-only.
func WithFinalizeHook(fn func(*Execution)) Option {
	return func(a *Analyzer) {
		a.onFinalize = fn
	}
}

// New creates an Analyzer with empty history.
func New(log *logging.Logger, opts ...Option) *Analyzer {
	if log == nil {
		log = logging.Default()
	}
	a := &Analyzer{
		active:       make(map[string]*Execution),
		historyLimit: DefaultHistoryLimit,
		threshold:    DefaultBottleneckThreshold,
		trendKeep:    time.Hour,
		now:          time.Now,
		log:          log.With("component", "timing"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handle folds one server message into the timing model.
func (a *Analyzer) Handle(msg *protocol.ServerMessage) error {
	a.mu.Lock()
	finalized, err := a.applyLocked(msg)
	a.mu.Unlock()

	if err != nil {
		return err
	}
	if finalized != nil && a.onFinalize != nil {
		a.onFinalize(finalized)
	}
	return nil
}

func (a *Analyzer) applyLocked(msg *protocol.ServerMessage) (*Execution, error) {
	switch msg.Type {
	case protocol.MessageTypeExecutionStart:
		data, err := msg.ExecutionStart()
		if err != nil {
			return nil, err
		}
		a.active[data.PromptID] = &Execution{
			PromptID:  data.PromptID,
			StartTime: a.now(),
			Nodes:     make(map[string]*NodeTiming),
			Status:    StatusRunning,
		}
		return nil, nil

	case protocol.MessageTypeExecuting:
		data, err := msg.Executing()
		if err != nil {
			return nil, err
		}
		if data.Node == nil {
			// Null node: the run has drained all nodes. Looked up without
			// creating so a drain signal arriving after the terminal event
			// (or for a run never observed) cannot mint a new execution.
			return a.finalizeLocked(a.active[data.PromptID], StatusCompleted), nil
		}
		a.openNodeLocked(a.execFor(data.PromptID), *data.Node, data.NodeType)
		return nil, nil

	case protocol.MessageTypeProgress:
		data, err := msg.Progress()
		if err != nil {
			return nil, err
		}
		exec, ok := a.active[data.PromptID]
		if !ok {
			return nil, nil
		}
		nodeID := data.Node
		if nodeID == "" {
			nodeID = exec.currentNode
		}
		if node, ok := exec.Nodes[nodeID]; ok {
			node.Progress = append(node.Progress, ProgressSample{
				Timestamp: a.now(),
				Value:     data.Value,
				Max:       data.Max,
			})
		}
		return nil, nil

	case protocol.MessageTypeExecuted:
		data, err := msg.Executed()
		if err != nil {
			return nil, err
		}
		exec, ok := a.active[data.PromptID]
		if !ok {
			return nil, nil
		}
		a.closeNodeLocked(exec, data.Node, a.now())
		return nil, nil

	case protocol.MessageTypeExecutionCached:
		data, err := msg.ExecutionCached()
		if err != nil {
			return nil, err
		}
		exec := a.execFor(data.PromptID)
		now := a.now()
		for _, id := range data.Nodes {
			node, ok := exec.Nodes[id]
			if !ok {
				node = &NodeTiming{NodeID: id, StartTime: now}
				exec.Nodes[id] = node
				exec.nodeOrder = append(exec.nodeOrder, id)
			}
			node.Cached = true
			node.EndTime = now
			node.Duration = 0
			exec.CachedNodes = appendUnique(exec.CachedNodes, id)
		}
		return nil, nil

	case protocol.MessageTypeExecutionSuccess:
		data, err := msg.ExecutionSuccess()
		if err != nil {
			return nil, err
		}
		return a.finalizeLocked(a.active[data.PromptID], StatusCompleted), nil

	case protocol.MessageTypeExecutionInterrupted:
		data, err := msg.ExecutionInterrupted()
		if err != nil {
			return nil, err
		}
		return a.finalizeLocked(a.active[data.PromptID], StatusInterrupted), nil

	case protocol.MessageTypeExecutionError:
		data, err := msg.ExecutionError()
		if err != nil {
			return nil, err
		}
		exec, ok := a.active[data.PromptID]
		if !ok {
			return nil, nil
		}
		exec.Error = &ErrorInfo{
			NodeID:    data.NodeID,
			NodeType:  data.NodeType,
			Message:   data.ExceptionMessage,
			Timestamp: a.now(),
		}
		if node, ok := exec.Nodes[data.NodeID]; ok && node.NodeType == "" {
			node.NodeType = data.NodeType
		}
		// Nodes the server reports as executed before the failure keep their
		// completion; anything after the failure point stays open and gets
		// an imputed end time at finalization.
		for _, id := range data.Executed {
			exec.CompletedNodes = appendUnique(exec.CompletedNodes, id)
		}
		return a.finalizeLocked(exec, StatusError), nil
	}

	return nil, nil
}

// execFor returns the active execution for promptID, creating a record when
// events arrive for a run whose start frame was missed (e.g. the client
// connected mid-run).
func (a *Analyzer) execFor(promptID string) *Execution {
	exec, ok := a.active[promptID]
	if !ok {
		exec = &Execution{
			PromptID:  promptID,
			StartTime: a.now(),
			Nodes:     make(map[string]*NodeTiming),
			Status:    StatusRunning,
		}
		a.active[promptID] = exec
	}
	return exec
}

// openNodeLocked starts timing nodeID, closing whichever node was running.
func (a *Analyzer) openNodeLocked(exec *Execution, nodeID, nodeType string) {
	now := a.now()
	if exec.currentNode != "" && exec.currentNode != nodeID {
		a.closeNodeLocked(exec, exec.currentNode, now)
	}
	exec.currentNode = nodeID

	if _, ok := exec.Nodes[nodeID]; ok {
		return
	}
	exec.Nodes[nodeID] = &NodeTiming{
		NodeID:    nodeID,
		NodeType:  nodeType,
		StartTime: now,
	}
	exec.nodeOrder = append(exec.nodeOrder, nodeID)
}

func (a *Analyzer) closeNodeLocked(exec *Execution, nodeID string, at time.Time) {
	node, ok := exec.Nodes[nodeID]
	if !ok {
		return
	}
	if node.EndTime.IsZero() {
		node.EndTime = at
		node.Duration = node.EndTime.Sub(node.StartTime)
	}
	exec.CompletedNodes = appendUnique(exec.CompletedNodes, nodeID)
	if exec.currentNode == nodeID {
		exec.currentNode = ""
	}
}

// finalizeLocked closes out an execution and moves it into history. It is
// idempotent: a run already finalized (or never seen) returns nil.
func (a *Analyzer) finalizeLocked(exec *Execution, status ExecutionStatus) *Execution {
	if exec == nil || exec.Status != StatusRunning {
		return nil
	}

	now := a.now()
	if exec.currentNode != "" {
		if status == StatusCompleted {
			a.closeNodeLocked(exec, exec.currentNode, now)
		} else {
			// The in-flight node never finished; it gets an imputed end time
			// below but does not count as completed.
			exec.currentNode = ""
		}
	}

	exec.Status = status
	exec.EndTime = now
	exec.TotalDuration = exec.EndTime.Sub(exec.StartTime)

	// Impute an end time for any node still open so duration is always
	// defined on finalized executions.
	for _, node := range exec.Nodes {
		if node.EndTime.IsZero() {
			node.EndTime = exec.EndTime
			node.Duration = node.EndTime.Sub(node.StartTime)
		}
	}

	if len(exec.nodeOrder) > 0 {
		first := exec.Nodes[exec.nodeOrder[0]]
		exec.QueueTime = first.StartTime.Sub(exec.StartTime)
		if exec.QueueTime < 0 {
			exec.QueueTime = 0
		}
	}
	exec.ExecutionTime = exec.TotalDuration - exec.QueueTime

	delete(a.active, exec.PromptID)
	a.history = append(a.history, exec)
	if len(a.history) > a.historyLimit {
		a.history = a.history[len(a.history)-a.historyLimit:]
	}

	a.log.Info("execution finalized",
		"prompt_id", exec.PromptID,
		"status", string(status),
		"total", exec.TotalDuration,
		"nodes", len(exec.Nodes))
	return exec
}

// History returns the finalized executions, oldest first.
func (a *Analyzer) History() []*Execution {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Execution, len(a.history))
	copy(out, a.history)
	return out
}

// ActiveCount returns the number of executions still running.
func (a *Analyzer) ActiveCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.active)
}

// Reset drops all active executions, history, and trend samples.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = make(map[string]*Execution)
	a.history = nil
	a.trend = nil
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
