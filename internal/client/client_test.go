package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easelhq/easel/internal/bus"
	"github.com/easelhq/easel/internal/config"
	"github.com/easelhq/easel/internal/progress"
	"github.com/easelhq/easel/internal/protocol"
	"github.com/easelhq/easel/internal/timing"
)

var upgrader = websocket.Upgrader{}

type testServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	clientID string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, c)
		ts.clientID = r.URL.Query().Get("clientId")
		ts.mu.Unlock()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) send(t *testing.T, frame string) {
	t.Helper()
	ts.mu.Lock()
	c := ts.conns[len(ts.conns)-1]
	ts.mu.Unlock()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (ts *testServer) seenClientID() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.clientID
}

func testConfig(serverURL string) config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.URL = serverURL
	return cfg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWebSocketURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		server   string
		clientID string
		want     string
		wantErr  bool
	}{
		{"http", "http://localhost:8188", "abc", "ws://localhost:8188/ws?clientId=abc", false},
		{"https", "https://render.example.com", "abc", "wss://render.example.com/ws?clientId=abc", false},
		{"path replaced", "http://localhost:8188/api/v1", "abc", "ws://localhost:8188/ws?clientId=abc", false},
		{"id escaped", "http://localhost:8188", "a b", "ws://localhost:8188/ws?clientId=a+b", false},
		{"bad scheme", "ftp://localhost", "abc", "", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := WebSocketURL(tt.server, tt.clientID)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Queue.MaxPending = 0
	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.True(t, config.IsValidationError(err))
}

func TestNewGeneratesClientID(t *testing.T) {
	t.Parallel()

	c, err := New(testConfig("http://localhost:8188"), nil)
	require.NoError(t, err)
	defer c.Close()
	assert.NotEmpty(t, c.ClientID())

	cfg := testConfig("http://localhost:8188")
	cfg.Server.ClientID = "fixed"
	c2, err := New(cfg, nil)
	require.NoError(t, err)
	defer c2.Close()
	assert.Equal(t, "fixed", c2.ClientID())
}

func TestClientEndToEnd(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	cfg := testConfig(ts.srv.URL)
	cfg.Server.ClientID = "e2e"

	c, err := New(cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	var mu sync.Mutex
	var states []protocol.ConnectionState
	var snaps []progress.Snapshot
	var finalized []*timing.Execution

	c.Subscribe(bus.EventConnectionState, func(payload any) {
		mu.Lock()
		states = append(states, payload.(protocol.ConnectionState))
		mu.Unlock()
	})
	c.Subscribe(bus.EventProgress, func(payload any) {
		mu.Lock()
		snaps = append(snaps, payload.(progress.Snapshot))
		mu.Unlock()
	})
	c.Subscribe(bus.EventExecutionFinalized, func(payload any) {
		mu.Lock()
		finalized = append(finalized, payload.(*timing.Execution))
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	waitFor(t, c.IsConnected)
	assert.Equal(t, "e2e", ts.seenClientID())

	ts.send(t, `{"type":"execution_start","data":{"prompt_id":"p1","timestamp":1}}`)
	ts.send(t, `{"type":"executing","data":{"node":"3","node_type":"KSampler","prompt_id":"p1","timestamp":2}}`)
	ts.send(t, `{"type":"progress","data":{"value":10,"max":20,"node":"3","prompt_id":"p1","timestamp":3}}`)

	waitFor(t, func() bool { return c.Progress().Value == 10 })

	snap := c.Progress()
	assert.Equal(t, "p1", snap.PromptID)
	assert.True(t, snap.IsGenerating)
	assert.Equal(t, 50, snap.Percentage())
	assert.Equal(t, "3", snap.CurrentNode)

	ts.send(t, `{"type":"execution_success","data":{"prompt_id":"p1","timestamp":4}}`)

	waitFor(t, func() bool { return !c.Progress().IsGenerating })
	waitFor(t, func() bool { return c.Metrics().TotalExecutions == 1 })

	m := c.Metrics()
	assert.Equal(t, 1, m.CompletedExecutions)

	mu.Lock()
	assert.Contains(t, states, protocol.StateConnecting)
	assert.Contains(t, states, protocol.StateConnected)
	assert.NotEmpty(t, snaps)
	require.Len(t, finalized, 1)
	assert.Equal(t, "p1", finalized[0].PromptID)
	mu.Unlock()

	c.Disconnect()
	assert.Equal(t, protocol.StateDisconnected, c.State())
}

func TestClearProgressPublishesClearedEvent(t *testing.T) {
	t.Parallel()

	c, err := New(testConfig("http://localhost:8188"), nil)
	require.NoError(t, err)
	defer c.Close()

	cleared := make(chan progress.Snapshot, 1)
	c.Subscribe(bus.EventProgressCleared, func(payload any) {
		cleared <- payload.(progress.Snapshot)
	})

	c.ClearProgress()

	select {
	case snap := <-cleared:
		assert.False(t, snap.IsGenerating)
		assert.Empty(t, snap.PromptID)
	case <-time.After(time.Second):
		t.Fatal("cleared event not published")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	c, err := New(testConfig("http://localhost:8188"), nil)
	require.NoError(t, err)
	defer c.Close()

	var calls int
	unsubscribe := c.Subscribe(bus.EventProgressCleared, func(any) { calls++ })

	c.ClearProgress()
	assert.Equal(t, 1, calls)

	unsubscribe()
	c.ClearProgress()
	assert.Equal(t, 1, calls)
}
