// Package client assembles the core pipeline: the connection manager feeds
// raw frames to the dispatcher, the dispatcher fans decoded messages out to
// the progress tracker and timing analyzer, and everything observable is
// published on the event bus.
package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/easelhq/easel/internal/bus"
	"github.com/easelhq/easel/internal/config"
	"github.com/easelhq/easel/internal/conn"
	"github.com/easelhq/easel/internal/dispatch"
	"github.com/easelhq/easel/internal/logging"
	"github.com/easelhq/easel/internal/progress"
	"github.com/easelhq/easel/internal/protocol"
	"github.com/easelhq/easel/internal/timing"
)

// Client is the single entry point callers hold. Construct one per server,
// Connect it, and observe through Subscribe and the read surface.
type Client struct {
	cfg      config.Config
	clientID string
	log      *logging.Logger

	bus      *bus.Bus
	tracker  *progress.Tracker
	analyzer *timing.Analyzer
	disp     *dispatch.Dispatcher
	conn     *conn.Manager

	samplerCancel context.CancelFunc
}

// New builds and wires a Client from the given config. The trend sampler
// starts immediately and runs until Close.
func New(cfg config.Config, log *logging.Logger) (*Client, error) {
	if err := config.ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Default()
	}

	clientID := cfg.Server.ClientID
	if clientID == "" {
		clientID = generateClientID()
	}

	wsURL, err := WebSocketURL(cfg.Server.URL, clientID)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		clientID: clientID,
		log:      log.With("component", "client"),
	}

	c.bus = bus.New(log)

	c.tracker = progress.New(func(snap progress.Snapshot) {
		c.bus.Publish(bus.EventProgress, snap)
	})

	c.analyzer = timing.New(log,
		timing.WithHistoryLimit(cfg.Metrics.HistoryLimit),
		timing.WithBottleneckThreshold(time.Duration(cfg.Metrics.BottleneckThresholdMS)*time.Millisecond),
		timing.WithTrendRetention(time.Duration(cfg.Metrics.TrendRetentionMinutes)*time.Minute),
		timing.WithFinalizeHook(func(exec *timing.Execution) {
			c.bus.Publish(bus.EventExecutionFinalized, exec)
		}),
	)

	c.disp = dispatch.New(log,
		dispatch.WithMaxQueued(cfg.Queue.MaxPending),
		dispatch.WithMaxRetries(cfg.Queue.MaxRetries),
	)
	c.disp.Register("progress", c.tracker.Handle)
	c.disp.Register("timing", c.analyzer.Handle)
	c.disp.Register("bus", func(msg *protocol.ServerMessage) error {
		c.bus.Publish(bus.EventMessage, msg)
		return nil
	})

	var connOpts []conn.Option
	if cfg.Server.AutoReconnect {
		connOpts = append(connOpts,
			conn.WithAutoReconnect(time.Duration(cfg.Server.ReconnectDelayMS)*time.Millisecond))
	}
	c.conn = conn.New(wsURL, conn.Callbacks{
		OnFrame: c.disp.Ingest,
		OnStateChange: func(state protocol.ConnectionState) {
			c.bus.Publish(bus.EventConnectionState, state)
		},
		OnOpen:  func() { c.bus.Publish(bus.EventConnectionOpen, nil) },
		OnClose: func(code int) { c.bus.Publish(bus.EventConnectionClose, code) },
		OnError: func(err error) { c.bus.Publish(bus.EventConnectionError, err) },
	}, log, connOpts...)

	samplerCtx, cancel := context.WithCancel(context.Background())
	c.samplerCancel = cancel
	interval := time.Duration(cfg.Metrics.TrendIntervalSeconds) * time.Second
	go c.analyzer.RunTrendSampler(samplerCtx, interval)

	return c, nil
}

// generateClientID returns a random id for sessions that don't configure one.
func generateClientID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("easel-%d", time.Now().UnixNano())
	}
	return "easel-" + hex.EncodeToString(b)
}

// ClientID returns the id sent to the server on the WebSocket URL.
func (c *Client) ClientID() string {
	return c.clientID
}

// Connect opens the connection to the server.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect closes the connection intentionally.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// Reconnect tears down any open connection and dials again.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.conn.Reconnect(ctx)
}

// Close stops the trend sampler and disconnects. The Client is not usable
// afterwards.
func (c *Client) Close() {
	c.samplerCancel()
	c.conn.Disconnect()
}

// State returns the current connection state.
func (c *Client) State() protocol.ConnectionState {
	return c.conn.State()
}

// IsConnected reports whether the socket is established.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Latency returns the most recent ping round-trip time.
func (c *Client) Latency() time.Duration {
	return c.conn.Latency()
}

// Stats returns a snapshot of the connection counters.
func (c *Client) Stats() conn.Stats {
	return c.conn.Stats()
}

// Progress returns the current generation-progress snapshot.
func (c *Client) Progress() progress.Snapshot {
	return c.tracker.Snapshot()
}

// ClearProgress resets the progress snapshot. The reset snapshot goes out on
// both the updated and cleared events.
func (c *Client) ClearProgress() {
	c.tracker.Clear()
	c.bus.Publish(bus.EventProgressCleared, c.tracker.Snapshot())
}

// Metrics returns aggregate metrics over the finalized execution history.
func (c *Client) Metrics() timing.Metrics {
	return c.analyzer.Metrics()
}

// NodeStats returns per-node-type statistics, slowest first.
func (c *Client) NodeStats() []timing.NodeStats {
	return c.analyzer.NodeStats()
}

// Bottlenecks returns the bottleneck report with recommendations.
func (c *Client) Bottlenecks() timing.BottleneckReport {
	return c.analyzer.Bottlenecks()
}

// History returns the finalized execution history, oldest first.
func (c *Client) History() []*timing.Execution {
	return c.analyzer.History()
}

// Trend returns the sampled execution-time trend within the retention window.
func (c *Client) Trend() []timing.TrendSample {
	return c.analyzer.Trend()
}

// Subscribe registers a handler for a bus event and returns its unsubscribe
// function.
func (c *Client) Subscribe(event string, handler bus.Handler) func() {
	return c.bus.Subscribe(event, handler)
}
