package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Known outbound message types. System messages are relay-originated and
// bypass caller-payload validation in favor of minimal internal checks.
const (
	TypeEstablished = "connection_established"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
	TypeLog         = "log"
)

// defaultMaxMessageBytes bounds one encoded outbound message.
const defaultMaxMessageBytes = 64 * 1024

// injectionMarkers are rejected in free-text payload fields before delivery.
var injectionMarkers = []string{"<script", "</script", "javascript:", "onerror="}

// Message is the outbound envelope: a tagged union over the known system
// kinds plus a validated map variant for user content.
type Message struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp int64          `json:"timestamp,omitempty"`
	System    bool           `json:"system,omitempty"`
}

// NewMessage builds a user-content message.
func NewMessage(msgType string, payload map[string]any) *Message {
	return &Message{Type: msgType, Payload: payload}
}

// NewSystemMessage builds a relay-originated message.
func NewSystemMessage(msgType string, payload map[string]any) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{Type: msgType, Payload: payload, System: true}
}

// NewErrorMessage builds the rejection frame sent on validation or
// rate-limit failures.
func NewErrorMessage(kind models.ErrorKind, errText string, details map[string]any) *Message {
	payload := map[string]any{
		"error": errText,
		"code":  string(kind),
	}
	if len(details) > 0 {
		payload["details"] = details
	}
	return NewSystemMessage(TypeError, payload)
}

// stamp adds a delivery timestamp if the caller did not supply one.
func (m *Message) stamp(now time.Time) {
	if m.Timestamp == 0 {
		m.Timestamp = now.UnixMilli()
	}
}

// Validate checks a caller-supplied message before it touches any
// connection. System messages receive only the size check.
func (m *Message) Validate(maxBytes int) error {
	if m == nil {
		return fmt.Errorf("message is nil")
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}

	encoded, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("message is not encodable: %w", err)
	}
	if len(encoded) > maxBytes {
		return fmt.Errorf("message size %d exceeds limit %d", len(encoded), maxBytes)
	}

	if m.System {
		return nil
	}

	if strings.TrimSpace(m.Type) == "" {
		return fmt.Errorf("message type is required")
	}
	if m.Payload == nil {
		return fmt.Errorf("message payload must be a map")
	}
	if err := scanForInjection(m.Payload); err != nil {
		return err
	}
	return nil
}

// scanForInjection walks string fields looking for script-injection markers.
func scanForInjection(value any) error {
	switch v := value.(type) {
	case string:
		lowered := strings.ToLower(v)
		for _, marker := range injectionMarkers {
			if strings.Contains(lowered, marker) {
				return fmt.Errorf("payload contains disallowed content %q", marker)
			}
		}
	case map[string]any:
		for _, inner := range v {
			if err := scanForInjection(inner); err != nil {
				return err
			}
		}
	case []any:
		for _, inner := range v {
			if err := scanForInjection(inner); err != nil {
				return err
			}
		}
	}
	return nil
}

// Encode marshals the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses one inbound frame.
func DecodeMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("undecodable message: %w", err)
	}
	if strings.TrimSpace(msg.Type) == "" {
		return nil, fmt.Errorf("message type is required")
	}
	return &msg, nil
}
