// Package protocol defines the wire types exchanged with the generation
// server: the tagged-union ServerMessage received over the WebSocket stream
// and the connection state enum owned by the connection manager.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConnectionState describes the lifecycle of the single server connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// IsValid reports whether s is one of the defined connection states.
func (s ConnectionState) IsValid() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateError:
		return true
	}
	return false
}

// MessageType identifies the kind of event pushed by the server.
type MessageType string

const (
	// MessageTypeExecutionStart marks the beginning of a queued prompt run.
	MessageTypeExecutionStart MessageType = "execution_start"
	// MessageTypeExecuting announces the node currently running. A null node
	// signals that the run has drained.
	MessageTypeExecuting MessageType = "executing"
	// MessageTypeProgress reports step progress within the active node.
	MessageTypeProgress MessageType = "progress"
	// MessageTypeExecutionSuccess marks a run that completed normally.
	MessageTypeExecutionSuccess MessageType = "execution_success"
	// MessageTypeExecutionCached lists nodes served from the server cache.
	MessageTypeExecutionCached MessageType = "execution_cached"
	// MessageTypeExecutionInterrupted marks a run cancelled by the user.
	MessageTypeExecutionInterrupted MessageType = "execution_interrupted"
	// MessageTypeExecutionError marks a run that failed in a node.
	MessageTypeExecutionError MessageType = "execution_error"
	// MessageTypeStatus carries queue depth and server status.
	MessageTypeStatus MessageType = "status"
	// MessageTypeExecuted marks a single node as finished, with its outputs.
	MessageTypeExecuted MessageType = "executed"
	// MessageTypeB64Image carries an inline base64 preview image.
	MessageTypeB64Image MessageType = "b64_image"
)

// knownTypes is the closed set of message types the client understands.
var knownTypes = map[MessageType]bool{
	MessageTypeExecutionStart:       true,
	MessageTypeExecuting:            true,
	MessageTypeProgress:             true,
	MessageTypeExecutionSuccess:     true,
	MessageTypeExecutionCached:      true,
	MessageTypeExecutionInterrupted: true,
	MessageTypeExecutionError:       true,
	MessageTypeStatus:               true,
	MessageTypeExecuted:             true,
	MessageTypeB64Image:             true,
}

// ServerMessage is one decoded frame from the server stream.
// The Data payload is kept raw; use the typed accessor methods to read it.
// Messages are immutable once decoded.
type ServerMessage struct {
	// Type identifies which payload shape Data holds.
	Type MessageType `json:"type"`

	// Data contains the type-specific payload.
	Data json.RawMessage `json:"data"`

	// ReceivedAt is stamped by the decoder when the frame arrives.
	ReceivedAt time.Time `json:"-"`
}

// UnknownTypeError reports a frame whose type is not in the protocol.
// The dispatcher logs and drops these so newer servers do not break older
// clients.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// Decode parses a raw frame into a ServerMessage. It returns an error for
// malformed JSON, a missing type, or a type outside the protocol.
func Decode(raw []byte, receivedAt time.Time) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("frame has no type field")
	}
	if !knownTypes[msg.Type] {
		return nil, &UnknownTypeError{Type: string(msg.Type)}
	}
	msg.ReceivedAt = receivedAt
	return &msg, nil
}

// ExecutionStartData is the payload for execution_start messages.
type ExecutionStartData struct {
	PromptID  string `json:"prompt_id"`
	Timestamp int64  `json:"timestamp"`
}

// ExecutingData is the payload for executing messages.
// Node is nil when the server signals that the run has no more nodes.
type ExecutingData struct {
	Node      *string `json:"node"`
	NodeType  string  `json:"node_type,omitempty"`
	PromptID  string  `json:"prompt_id"`
	Timestamp int64   `json:"timestamp"`
}

// ProgressData is the payload for progress messages.
type ProgressData struct {
	Value     int    `json:"value"`
	Max       int    `json:"max"`
	Node      string `json:"node,omitempty"`
	PromptID  string `json:"prompt_id"`
	Timestamp int64  `json:"timestamp"`
}

// ExecutionSuccessData is the payload for execution_success messages.
type ExecutionSuccessData struct {
	PromptID  string `json:"prompt_id"`
	Timestamp int64  `json:"timestamp"`
}

// ExecutionCachedData is the payload for execution_cached messages.
type ExecutionCachedData struct {
	Nodes     []string `json:"nodes"`
	PromptID  string   `json:"prompt_id"`
	Timestamp int64    `json:"timestamp"`
}

// ExecutionInterruptedData is the payload for execution_interrupted messages.
type ExecutionInterruptedData struct {
	PromptID  string   `json:"prompt_id"`
	NodeID    string   `json:"node_id,omitempty"`
	NodeType  string   `json:"node_type,omitempty"`
	Executed  []string `json:"executed,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// ExecutionErrorData is the payload for execution_error messages.
type ExecutionErrorData struct {
	PromptID         string   `json:"prompt_id"`
	NodeID           string   `json:"node_id"`
	NodeType         string   `json:"node_type"`
	ExceptionMessage string   `json:"exception_message"`
	ExceptionType    string   `json:"exception_type,omitempty"`
	Traceback        []string `json:"traceback,omitempty"`
	Executed         []string `json:"executed,omitempty"`
	Timestamp        int64    `json:"timestamp"`
}

// ExecInfo carries the server's queue counters.
type ExecInfo struct {
	QueueRemaining int `json:"queue_remaining"`
}

// StatusInfo is the nested status object in status messages.
type StatusInfo struct {
	ExecInfo ExecInfo `json:"exec_info"`
}

// StatusData is the payload for status messages.
type StatusData struct {
	Status    StatusInfo `json:"status"`
	SID       string     `json:"sid,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// ExecutedData is the payload for executed messages.
type ExecutedData struct {
	Node      string          `json:"node"`
	Output    json.RawMessage `json:"output,omitempty"`
	PromptID  string          `json:"prompt_id"`
	Timestamp int64           `json:"timestamp"`
}

// B64ImageData is the payload for b64_image preview messages.
type B64ImageData struct {
	Image     string `json:"image"`
	Format    string `json:"format,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (m *ServerMessage) payload(want MessageType, out any) error {
	if m.Type != want {
		return fmt.Errorf("message is not %s: %s", want, m.Type)
	}
	if err := json.Unmarshal(m.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s data: %w", want, err)
	}
	return nil
}

// ExecutionStart returns the payload of an execution_start message.
func (m *ServerMessage) ExecutionStart() (*ExecutionStartData, error) {
	var data ExecutionStartData
	if err := m.payload(MessageTypeExecutionStart, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Executing returns the payload of an executing message.
func (m *ServerMessage) Executing() (*ExecutingData, error) {
	var data ExecutingData
	if err := m.payload(MessageTypeExecuting, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Progress returns the payload of a progress message.
func (m *ServerMessage) Progress() (*ProgressData, error) {
	var data ProgressData
	if err := m.payload(MessageTypeProgress, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ExecutionSuccess returns the payload of an execution_success message.
func (m *ServerMessage) ExecutionSuccess() (*ExecutionSuccessData, error) {
	var data ExecutionSuccessData
	if err := m.payload(MessageTypeExecutionSuccess, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ExecutionCached returns the payload of an execution_cached message.
func (m *ServerMessage) ExecutionCached() (*ExecutionCachedData, error) {
	var data ExecutionCachedData
	if err := m.payload(MessageTypeExecutionCached, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ExecutionInterrupted returns the payload of an execution_interrupted message.
func (m *ServerMessage) ExecutionInterrupted() (*ExecutionInterruptedData, error) {
	var data ExecutionInterruptedData
	if err := m.payload(MessageTypeExecutionInterrupted, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ExecutionError returns the payload of an execution_error message.
func (m *ServerMessage) ExecutionError() (*ExecutionErrorData, error) {
	var data ExecutionErrorData
	if err := m.payload(MessageTypeExecutionError, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Status returns the payload of a status message.
func (m *ServerMessage) Status() (*StatusData, error) {
	var data StatusData
	if err := m.payload(MessageTypeStatus, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Executed returns the payload of an executed message.
func (m *ServerMessage) Executed() (*ExecutedData, error) {
	var data ExecutedData
	if err := m.payload(MessageTypeExecuted, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// B64Image returns the payload of a b64_image message.
func (m *ServerMessage) B64Image() (*B64ImageData, error) {
	var data B64ImageData
	if err := m.payload(MessageTypeB64Image, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
