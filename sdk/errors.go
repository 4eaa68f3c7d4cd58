package avatar

import "github.com/vango-go/avatar-lite/pkg/core"

// SDK-level error type that wraps core errors
type Error = core.Error

// Error types
const (
	ErrConnection = core.ErrConnection
	ErrProtocol   = core.ErrProtocol
	ErrAsset      = core.ErrAsset
	ErrAudio      = core.ErrAudio
	ErrConfig     = core.ErrConfig
	ErrInternal   = core.ErrInternal
)

// Error constructors
var (
	NewConnectionError = core.NewConnectionError
	NewProtocolError   = core.NewProtocolError
	NewAssetError      = core.NewAssetError
	NewAudioError      = core.NewAudioError
	NewConfigError     = core.NewConfigError
)

// TransportError represents transport-level failures (DNS, timeouts,
// connection reset, TLS handshake) while talking to the backend.
//
// Use errors.As(err, &TransportError{}) to distinguish transport failures
// from canonical runtime errors (*core.Error).
type TransportError = core.TransportError
