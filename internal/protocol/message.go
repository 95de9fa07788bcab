package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeStatus        = "status"
	TypeCommandOutput = "command.output"
	TypeCommandResult = "command.result"
	TypeStreamLine    = "stream.line"
	TypeStreamStarted = "stream.started"
	TypeStreamStopped = "stream.stopped"
	TypeError         = "error"
)

// Client → Server message types.
const (
	TypeSessionConnect    = "session.connect"
	TypeSessionDisconnect = "session.disconnect"
	TypeCommandSubmit     = "command.submit"
	TypeStreamStart       = "stream.start"
	TypeStreamStop        = "stream.stop"
)

// Error codes.
const (
	ErrNotConnected     = "NOT_CONNECTED"
	ErrHandshakeTimeout = "HANDSHAKE_TIMEOUT"
	ErrSessionClosed    = "SESSION_CLOSED"
	ErrSpawnFailed      = "SPAWN_FAILED"
	ErrStreamNotFound   = "STREAM_NOT_FOUND"
	ErrInvalidMessage   = "INVALID_MESSAGE"
)

// Server → Client payloads.

type StatusPayload struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

type CommandOutputPayload struct {
	ID     string `json:"id"`
	Source string `json:"source"` // "stdout" | "stderr"
	Text   string `json:"text"`
}

type CommandResultPayload struct {
	ID       string `json:"id"`
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output"`
	Trigger  string `json:"trigger"`
	Error    string `json:"error,omitempty"`
}

type StreamLinePayload struct {
	StreamID string `json:"streamId"`
	File     string `json:"file"`
	Line     string `json:"line"`
}

type StreamStartedPayload struct {
	StreamID string   `json:"streamId"`
	Files    []string `json:"files"`
	Mode     string   `json:"mode"`
	Lines    int      `json:"lines"`
}

type StreamStoppedPayload struct {
	StreamID string `json:"streamId"`
	Reason   string `json:"reason"` // "stopped" | "disconnected" | "completed" | "error"
	Message  string `json:"message,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type CommandSubmitPayload struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type StreamStartPayload struct {
	Files []string `json:"files"`
	Mode  string   `json:"mode"` // "last_n" | "follow"
	Lines int      `json:"lines"`
}

type StreamStopPayload struct {
	StreamID string `json:"streamId"`
}
