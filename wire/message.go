// Package wire defines the JSON message envelope and payload types exchanged
// with the agent backend over the WebSocket session.
//
// Every message, inbound or outbound, is a Message carrying a Type, an opaque
// Data payload, an RFC 3339 timestamp, and the session identifier. Payload
// structs mirror the server's schema; cost-bearing fields use Decimal so that
// numeric and string-encoded values both parse exactly.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the category of a wire message.
type Type string

// Client-to-server message types.
const (
	TypeTextInput     Type = "text_input"
	TypeVoiceInput    Type = "voice_input"
	TypeSystemCommand Type = "system_command"
)

// Server-to-client message types.
const (
	TypeAgentResponse         Type = "agent_response"
	TypeAgentResponseStream   Type = "agent_response_stream"
	TypeAgentResponseComplete Type = "agent_response_complete"
	TypeToolExecution         Type = "tool_execution"
	TypeSystemStatus          Type = "system_status"
	TypeCostUpdate            Type = "cost_update"
	TypeError                 Type = "error"
)

// Bidirectional message types.
const (
	TypeHeartbeat        Type = "heartbeat"
	TypeConnectionStatus Type = "connection_status"
)

// Message is the envelope for every frame on the session socket.
// SessionID is immutable for the lifetime of a session; MessageID is assigned
// by the sender.
type Message struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`            // RFC 3339
	SessionID string          `json:"session_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
}

// New builds an outbound Message of the given type, marshaling data as the
// payload and stamping a fresh message ID and timestamp.
func New(t Type, sessionID string, data interface{}) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return &Message{
		Type:      t,
		Data:      raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
		MessageID: uuid.NewString(),
	}, nil
}

// NewTextInput builds a text_input message.
func NewTextInput(sessionID, text string, context map[string]interface{}) (*Message, error) {
	return New(TypeTextInput, sessionID, TextInputData{Message: text, Context: context})
}

// NewVoiceInput builds a voice_input message from base64-encoded audio.
func NewVoiceInput(sessionID, audioB64, format string, sampleRate, durationMs int) (*Message, error) {
	return New(TypeVoiceInput, sessionID, VoiceInputData{
		Audio:      audioB64,
		Format:     format,
		SampleRate: sampleRate,
		Channels:   1,
		DurationMs: durationMs,
	})
}

// NewSystemCommand builds a system_command message. Commands are control
// operations (pause, resume, reset, status, stop) that bypass budget gating.
func NewSystemCommand(sessionID, command string, parameters map[string]interface{}) (*Message, error) {
	return New(TypeSystemCommand, sessionID, SystemCommandData{Command: command, Parameters: parameters})
}

// NewHeartbeat builds a heartbeat message carrying the current unix time.
func NewHeartbeat(sessionID string) (*Message, error) {
	return New(TypeHeartbeat, sessionID, HeartbeatData{Timestamp: time.Now().Unix()})
}

// Decode unmarshals a raw frame into a Message. The envelope must carry a
// non-empty type; payload validation is left to the typed accessors.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message envelope: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message envelope missing type")
	}
	return &msg, nil
}

// DecodePayload unmarshals the message payload into v.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}
