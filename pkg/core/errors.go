package core

import (
	"fmt"
	"net/url"
)

// Error is the canonical error carried across the runtime.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Field     string    `json:"field,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrConnection covers transient transport failures; retried up to a cap,
	// then surfaced as degraded mode.
	ErrConnection ErrorType = "connection_error"
	// ErrProtocol covers malformed server payloads; the message is dropped,
	// the connection is unaffected.
	ErrProtocol ErrorType = "protocol_error"
	// ErrAsset covers avatar resource load failures; falls back to the
	// default asset, never fatal.
	ErrAsset ErrorType = "asset_error"
	// ErrAudio covers audio decode/analysis failures; lip-sync is disabled
	// for a cooldown and re-enabled.
	ErrAudio ErrorType = "audio_error"
	// ErrConfig covers caller mistakes; reported fail-fast at initialize.
	ErrConfig ErrorType = "config_error"
	// ErrInternal covers everything else.
	ErrInternal ErrorType = "internal_error"
)

// NewConnectionError creates a connection error.
func NewConnectionError(message string) *Error {
	return &Error{Type: ErrConnection, Message: message}
}

// NewProtocolError creates a protocol error.
func NewProtocolError(message string) *Error {
	return &Error{Type: ErrProtocol, Message: message}
}

// NewAssetError creates an asset error.
func NewAssetError(message string) *Error {
	return &Error{Type: ErrAsset, Message: message}
}

// NewAudioError creates an audio-processing error.
func NewAudioError(message string) *Error {
	return &Error{Type: ErrAudio, Message: message}
}

// NewConfigError creates a configuration error for a specific field.
func NewConfigError(message, field string) *Error {
	return &Error{Type: ErrConfig, Message: message, Field: field}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *Error {
	return &Error{Type: ErrInternal, Message: message}
}

// IsRetryable returns true if the error is worth retrying automatically.
func (e *Error) IsRetryable() bool {
	return e.Type == ErrConnection
}

// TransportError represents transport-level failures (DNS, timeouts,
// connection reset, TLS handshake, websocket dial) while talking to the
// backend or the asset source.
//
// Use errors.As(err, &TransportError{}) to distinguish transport failures
// from canonical runtime errors (*core.Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
