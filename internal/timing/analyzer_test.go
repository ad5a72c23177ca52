package timing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easelhq/easel/internal/protocol"
)

// manualClock hands out a controllable time to the analyzer.
type manualClock struct {
	t time.Time
}

func newManualClock() *manualClock {
	return &manualClock{t: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) now() time.Time { return c.t }

func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func mustMsg(t *testing.T, raw string) *protocol.ServerMessage {
	t.Helper()
	msg, err := protocol.Decode([]byte(raw), time.Now())
	require.NoError(t, err)
	return msg
}

func handle(t *testing.T, a *Analyzer, raw string) {
	t.Helper()
	require.NoError(t, a.Handle(mustMsg(t, raw)))
}

func startExecution(t *testing.T, a *Analyzer, promptID string) {
	t.Helper()
	handle(t, a, fmt.Sprintf(`{"type":"execution_start","data":{"prompt_id":%q,"timestamp":1}}`, promptID))
}

func executing(t *testing.T, a *Analyzer, promptID, node, nodeType string) {
	t.Helper()
	handle(t, a, fmt.Sprintf(`{"type":"executing","data":{"node":%q,"node_type":%q,"prompt_id":%q,"timestamp":2}}`, node, nodeType, promptID))
}

func executingNull(t *testing.T, a *Analyzer, promptID string) {
	t.Helper()
	handle(t, a, fmt.Sprintf(`{"type":"executing","data":{"node":null,"prompt_id":%q,"timestamp":3}}`, promptID))
}

func TestQueueAndExecutionTimeSplit(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	a := New(nil, WithClock(clock.now))

	// startTime = T, first node opens at T (queue time 0), n1 runs 500ms,
	// n2 runs 800ms, run drains at T+1300ms.
	startExecution(t, a, "p1")
	executing(t, a, "p1", "n1", "CheckpointLoader")
	clock.advance(500 * time.Millisecond)
	executing(t, a, "p1", "n2", "KSampler")
	clock.advance(800 * time.Millisecond)
	executingNull(t, a, "p1")

	history := a.History()
	require.Len(t, history, 1)
	exec := history[0]

	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, time.Duration(0), exec.QueueTime)
	assert.Equal(t, 1300*time.Millisecond, exec.ExecutionTime)
	assert.Equal(t, 1300*time.Millisecond, exec.TotalDuration)
	assert.Equal(t, 500*time.Millisecond, exec.Nodes["n1"].Duration)
	assert.Equal(t, 800*time.Millisecond, exec.Nodes["n2"].Duration)
	assert.Equal(t, 0, a.ActiveCount())
}

func TestQueueTimeFromFirstNodeStart(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	a := New(nil, WithClock(clock.now))

	startExecution(t, a, "p1")
	clock.advance(2 * time.Second)
	executing(t, a, "p1", "n1", "CLIPTextEncode")
	clock.advance(1 * time.Second)
	executingNull(t, a, "p1")

	exec := a.History()[0]
	assert.Equal(t, 2*time.Second, exec.QueueTime)
	assert.Equal(t, 1*time.Second, exec.ExecutionTime)
	assert.Equal(t, 3*time.Second, exec.TotalDuration)
}

func TestFinalizationIsIdempotent(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	finalized := 0
	a := New(nil, WithClock(clock.now), WithFinalizeHook(func(*Execution) { finalized++ }))

	startExecution(t, a, "p1")
	executing(t, a, "p1", "n1", "KSampler")
	clock.advance(time.Second)

	// Both the null-node signal and the explicit success arrive.
	executingNull(t, a, "p1")
	handle(t, a, `{"type":"execution_success","data":{"prompt_id":"p1","timestamp":4}}`)

	assert.Equal(t, 1, finalized)
	assert.Len(t, a.History(), 1)
}

func TestNullNodeAfterSuccessIsNoOp(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	finalized := 0
	a := New(nil, WithClock(clock.now), WithFinalizeHook(func(*Execution) { finalized++ }))

	startExecution(t, a, "p1")
	executing(t, a, "p1", "n1", "KSampler")
	clock.advance(time.Second)

	// The explicit success lands first, then the drained-run signal.
	handle(t, a, `{"type":"execution_success","data":{"prompt_id":"p1","timestamp":4}}`)
	executingNull(t, a, "p1")

	assert.Equal(t, 1, finalized)
	require.Len(t, a.History(), 1)
	assert.Equal(t, 1, a.Metrics().TotalExecutions)
	assert.Equal(t, 0, a.ActiveCount())
}

func TestNullNodeForUnseenPromptIsIgnored(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	a := New(nil, WithClock(clock.now))

	// A drain signal for a run this client never observed records nothing.
	executingNull(t, a, "ghost")

	assert.Empty(t, a.History())
	assert.Equal(t, 0, a.ActiveCount())
	assert.Zero(t, a.Metrics().TotalExecutions)
}

func TestNullNodeDefinesNodeDuration(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	a := New(nil, WithClock(clock.now))

	startExecution(t, a, "p1")
	executing(t, a, "p1", "1", "KSampler")
	handle(t, a, `{"type":"progress","data":{"value":5,"max":10,"node":"1","prompt_id":"p1","timestamp":3}}`)
	clock.advance(700 * time.Millisecond)
	executingNull(t, a, "p1")

	exec := a.History()[0]
	node := exec.Nodes["1"]
	require.NotNil(t, node)
	assert.False(t, node.EndTime.IsZero())
	assert.Equal(t, 700*time.Millisecond, node.Duration)
	require.Len(t, node.Progress, 1)
	assert.Equal(t, 5, node.Progress[0].Value)
	assert.Equal(t, 10, node.Progress[0].Max)
}

func TestErrorFinalization(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	a := New(nil, WithClock(clock.now))

	startExecution(t, a, "p1")
	executing(t, a, "p1", "1", "CheckpointLoader")
	clock.advance(200 * time.Millisecond)
	executing(t, a, "p1", "2", "KSampler")
	clock.advance(300 * time.Millisecond)
	handle(t, a, `{"type":"execution_error","data":{"prompt_id":"p1","node_id":"2","node_type":"KSampler","exception_message":"CUDA out of memory","executed":["1"],"timestamp":5}}`)

	history := a.History()
	require.Len(t, history, 1)
	exec := history[0]

	assert.Equal(t, StatusError, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, "2", exec.Error.NodeID)
	assert.Equal(t, "KSampler", exec.Error.NodeType)
	assert.Equal(t, "CUDA out of memory", exec.Error.Message)
	assert.Contains(t, exec.CompletedNodes, "1")

	// The failing node gets an imputed end time but is not reported as
	// completed alongside the server's executed list.
	assert.NotContains(t, exec.CompletedNodes, "2")
	assert.False(t, exec.Nodes["2"].EndTime.IsZero())
	assert.Equal(t, 300*time.Millisecond, exec.Nodes["2"].Duration)
}

func TestInterruptedFinalization(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	a := New(nil, WithClock(clock.now))

	startExecution(t, a, "p1")
	executing(t, a, "p1", "1", "KSampler")
	clock.advance(time.Second)
	handle(t, a, `{"type":"execution_interrupted","data":{"prompt_id":"p1","node_id":"1","timestamp":5}}`)

	exec := a.History()[0]
	assert.Equal(t, StatusInterrupted, exec.Status)
	assert.Equal(t, time.Second, exec.TotalDuration)
	assert.NotContains(t, exec.CompletedNodes, "1")
	assert.False(t, exec.Nodes["1"].EndTime.IsZero())
}

func TestCachedNodesHaveZeroDuration(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	a := New(nil, WithClock(clock.now))

	startExecution(t, a, "p1")
	handle(t, a, `{"type":"execution_cached","data":{"nodes":["1","2"],"prompt_id":"p1","timestamp":2}}`)
	executing(t, a, "p1", "3", "KSampler")
	clock.advance(time.Second)
	executingNull(t, a, "p1")

	exec := a.History()[0]
	assert.ElementsMatch(t, []string{"1", "2"}, exec.CachedNodes)
	for _, id := range []string{"1", "2"} {
		node := exec.Nodes[id]
		require.NotNil(t, node)
		assert.True(t, node.Cached)
		assert.Equal(t, time.Duration(0), node.Duration)
	}
	assert.False(t, exec.Nodes["3"].Cached)
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	a := New(nil, WithClock(clock.now), WithHistoryLimit(3))

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("p%d", i)
		startExecution(t, a, id)
		executing(t, a, id, "1", "KSampler")
		clock.advance(time.Second)
		executingNull(t, a, id)
	}

	history := a.History()
	require.Len(t, history, 3)
	assert.Equal(t, "p2", history[0].PromptID)
	assert.Equal(t, "p4", history[2].PromptID)
}

func TestMidRunAttachCreatesExecution(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	a := New(nil, WithClock(clock.now))

	// No execution_start; the client connected while a run was in flight.
	executing(t, a, "p1", "7", "VAEDecode")
	clock.advance(400 * time.Millisecond)
	executingNull(t, a, "p1")

	history := a.History()
	require.Len(t, history, 1)
	assert.Equal(t, "p1", history[0].PromptID)
	assert.Equal(t, 400*time.Millisecond, history[0].Nodes["7"].Duration)
}

func TestOnePromptOneRunningExecution(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	a := New(nil, WithClock(clock.now))

	startExecution(t, a, "p1")
	startExecution(t, a, "p2")
	assert.Equal(t, 2, a.ActiveCount())

	// Restarting the same prompt replaces its running record.
	startExecution(t, a, "p1")
	assert.Equal(t, 2, a.ActiveCount())
}
