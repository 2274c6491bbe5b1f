// Package protocol defines the WebSocket message types for the browser
// terminal ↔ console communication. All messages are JSON-encoded and
// wrapped in an Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Client → Console
	MsgTerminalAttach   MessageType = "terminal.attach"
	MsgTerminalActivity MessageType = "terminal.activity"
	MsgCommandRun       MessageType = "command.run"
	MsgPong             MessageType = "terminal.pong"

	// Console → Client
	MsgAttached      MessageType = "terminal.attached"
	MsgCommandResult MessageType = "command.result"
	MsgPing          MessageType = "terminal.ping"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level message wrapper for all WebSocket communication.
// Every message sent between the terminal client and the console is wrapped
// in an Envelope.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"` // Message ID for correlation and deduplication.
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Client → Console payloads ---

// AttachPayload is sent with MsgTerminalAttach as the first message after
// the WebSocket upgrade. It binds the connection to one session.
type AttachPayload struct {
	SessionID string `json:"session_id"`
}

// CommandRunPayload is sent with MsgCommandRun to execute a command in the
// session's sandbox.
type CommandRunPayload struct {
	Text        string            `json:"text"`
	Args        []string          `json:"args,omitempty"`
	Type        string            `json:"type,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	TimeoutSecs int               `json:"timeout_secs,omitempty"`
}

// --- Console → Client payloads ---

// AttachedPayload is sent with MsgAttached to confirm the terminal is bound
// to its session.
type AttachedPayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	SandboxID string `json:"sandbox_id,omitempty"`
}

// ErrorPayload is sent with MsgError for protocol-level and command errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
