// Package types defines the wire envelope exchanged with the avatar backend.
package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message type discriminants carried in the envelope "type" field.
const (
	TypeMessage      = "message"
	TypeResponse     = "response"
	TypeAudio        = "audio"
	TypeStatus       = "status"
	TypeError        = "error"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
)

// Envelope is the message frame exchanged over both transports.
// Content is plain text for text frames and base64-encoded PCM for audio.
type Envelope struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// NewEnvelope builds an outbound envelope stamped with the current time.
func NewEnvelope(typ, content, requestID string) Envelope {
	return Envelope{
		Type:      typ,
		Content:   content,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// DecodeEnvelope parses an inbound frame. A frame without a type discriminant
// is a protocol error; unknown types are left to the caller to drop.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}

// AudioBytes decodes the base64 audio payload of an audio envelope.
func (e Envelope) AudioBytes() ([]byte, error) {
	if e.Type != TypeAudio {
		return nil, fmt.Errorf("envelope type %q carries no audio", e.Type)
	}
	data, err := base64.StdEncoding.DecodeString(e.Content)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return data, nil
}

// Known reports whether the type discriminant is one the runtime understands.
func (e Envelope) Known() bool {
	switch e.Type {
	case TypeMessage, TypeResponse, TypeAudio, TypeStatus, TypeError, TypeHeartbeat, TypeHeartbeatAck:
		return true
	default:
		return false
	}
}
