// Package conn owns the single WebSocket connection to the generation
// server. It implements the connect/disconnect/reconnect state machine and
// surfaces the socket's lifecycle as callbacks; reconnection policy belongs
// to the caller unless explicitly enabled.
package conn

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/easelhq/easel/internal/logging"
	"github.com/easelhq/easel/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize allows for large base64 preview images.
	maxFrameSize = 16 * 1024 * 1024
)

// Callbacks are invoked from the manager's read loop. OnFrame receives every
// raw inbound text frame; the rest mirror the socket lifecycle.
type Callbacks struct {
	OnFrame       func(raw []byte)
	OnStateChange func(state protocol.ConnectionState)
	OnOpen        func()
	// OnClose receives the raw close code. CloseNormalClosure (1000) marks
	// an intentional disconnect; anything else is abnormal termination.
	OnClose func(code int)
	OnError func(err error)
}

// Stats is a point-in-time snapshot of connection counters.
type Stats struct {
	MessagesReceived uint64
	BytesReceived    uint64
	ConnectedAt      time.Time
	Uptime           time.Duration
	LastError        string
	LastCloseCode    int
	Latency          time.Duration
}

// Manager owns one physical socket at a time. All state transitions happen
// under its lock; the socket is never touched from outside.
type Manager struct {
	url       string
	callbacks Callbacks
	dialer    *websocket.Dialer
	log       *logging.Logger

	// autoReconnect re-dials after an abnormal close. Off by default: the
	// original behavior leaves reconnection to explicit caller action, and
	// flipping it on is a deliberate configuration choice.
	autoReconnect  bool
	reconnectDelay time.Duration

	mu            sync.RWMutex
	state         protocol.ConnectionState
	conn          *websocket.Conn
	generation    uint64
	intentional   bool
	lastError     string
	lastCloseCode int
	connectedAt   time.Time
	latency       time.Duration
	messages      uint64
	bytes         uint64
	now           func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithAutoReconnect enables re-dialing after an abnormal close, waiting
// delay between attempts.
func WithAutoReconnect(delay time.Duration) Option {
	return func(m *Manager) {
		m.autoReconnect = true
		if delay > 0 {
			m.reconnectDelay = delay
		}
	}
}

// WithDialer sets a custom websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a Manager for the given WebSocket URL. No connection is opened
// until Connect.
func New(url string, callbacks Callbacks, log *logging.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logging.Default()
	}
	m := &Manager{
		url:            url,
		callbacks:      callbacks,
		dialer:         websocket.DefaultDialer,
		log:            log.With("component", "conn"),
		reconnectDelay: 3 * time.Second,
		state:          protocol.StateDisconnected,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() protocol.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected reports whether the socket is established.
func (m *Manager) IsConnected() bool {
	return m.State() == protocol.StateConnected
}

// Latency returns the most recent ping round-trip time, or zero before the
// first pong.
func (m *Manager) Latency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latency
}

// Stats returns a snapshot of the connection counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		MessagesReceived: m.messages,
		BytesReceived:    m.bytes,
		ConnectedAt:      m.connectedAt,
		LastError:        m.lastError,
		LastCloseCode:    m.lastCloseCode,
		Latency:          m.latency,
	}
	if m.state == protocol.StateConnected && !m.connectedAt.IsZero() {
		s.Uptime = m.now().Sub(m.connectedAt)
	}
	return s
}

// Connect opens the socket. It is a no-op when already connecting or
// connected. A dial failure moves the manager to the error state and is also
// returned.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx, protocol.StateConnecting)
}

// Disconnect closes the socket intentionally. Safe to call from any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.generation++
	conn := m.conn
	m.conn = nil
	changed := m.state != protocol.StateDisconnected
	m.state = protocol.StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	if changed {
		m.emitState(protocol.StateDisconnected)
	}
}

// Reconnect closes any open socket and dials again, passing through the
// reconnecting state.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.Disconnect()
	return m.connect(ctx, protocol.StateReconnecting)
}

func (m *Manager) connect(ctx context.Context, via protocol.ConnectionState) error {
	m.mu.Lock()
	if m.state == protocol.StateConnecting || m.state == protocol.StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.state = via
	m.intentional = false
	m.generation++
	gen := m.generation
	m.mu.Unlock()
	m.emitState(via)

	conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		m.mu.Lock()
		stale := m.generation != gen
		if !stale {
			m.state = protocol.StateError
			m.lastError = err.Error()
		}
		m.mu.Unlock()
		if stale {
			return err
		}
		m.emitState(protocol.StateError)
		if m.callbacks.OnError != nil {
			m.callbacks.OnError(err)
		}
		m.log.Warn("dial failed", "url", m.url, "error", err)
		return err
	}

	m.mu.Lock()
	if m.generation != gen {
		// Disconnect raced the dial; drop the late socket.
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.conn = conn
	m.state = protocol.StateConnected
	m.connectedAt = m.now()
	m.messages = 0
	m.bytes = 0
	m.mu.Unlock()

	m.emitState(protocol.StateConnected)
	if m.callbacks.OnOpen != nil {
		m.callbacks.OnOpen()
	}
	m.log.Info("connected", "url", m.url)

	go m.readLoop(conn, gen)
	go m.pingLoop(conn, gen)
	return nil
}

// readLoop pumps inbound frames until the socket dies, then runs the close
// transition for its generation.
func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		m.recordPong(appData)
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClosed(gen, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			continue
		}

		m.mu.Lock()
		live := m.generation == gen
		if live {
			m.messages++
			m.bytes += uint64(len(data))
		}
		m.mu.Unlock()

		if live && m.callbacks.OnFrame != nil {
			m.callbacks.OnFrame(data)
		}
	}
}

// pingLoop measures latency and keeps intermediaries from idling the
// connection out.
func (m *Manager) pingLoop(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.RLock()
		live := m.generation == gen && m.conn == conn
		m.mu.RUnlock()
		if !live {
			return
		}

		payload := make([]byte, 8)
		binary.BigEndian.PutUint64(payload, uint64(m.now().UnixNano()))
		if err := conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(writeWait)); err != nil {
			return
		}
	}
}

func (m *Manager) recordPong(appData string) {
	if len(appData) != 8 {
		return
	}
	sent := int64(binary.BigEndian.Uint64([]byte(appData)))
	rtt := m.now().Sub(time.Unix(0, sent))
	if rtt < 0 {
		return
	}
	m.mu.Lock()
	m.latency = rtt
	m.mu.Unlock()
}

// handleClosed records the close code and moves to disconnected or error
// depending on whether the caller asked for the close.
func (m *Manager) handleClosed(gen uint64, err error) {
	code := websocket.CloseAbnormalClosure
	if closeErr, ok := err.(*websocket.CloseError); ok {
		code = closeErr.Code
	}

	m.mu.Lock()
	if m.generation != gen {
		// A newer connect or disconnect already owns the state.
		m.mu.Unlock()
		return
	}
	intentional := m.intentional
	m.conn = nil
	m.lastCloseCode = code
	var next protocol.ConnectionState
	if intentional || code == websocket.CloseNormalClosure {
		next = protocol.StateDisconnected
	} else {
		next = protocol.StateError
		m.lastError = err.Error()
	}
	m.state = next
	reconnect := m.autoReconnect && next == protocol.StateError
	m.mu.Unlock()

	m.emitState(next)
	if m.callbacks.OnClose != nil {
		m.callbacks.OnClose(code)
	}
	if next == protocol.StateError {
		if m.callbacks.OnError != nil {
			m.callbacks.OnError(err)
		}
		m.log.Warn("connection lost", "code", code, "error", err)
	}

	if reconnect {
		go func() {
			time.Sleep(m.reconnectDelay)
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			_ = m.Reconnect(ctx)
		}()
	}
}

func (m *Manager) emitState(state protocol.ConnectionState) {
	if m.callbacks.OnStateChange != nil {
		m.callbacks.OnStateChange(state)
	}
}
