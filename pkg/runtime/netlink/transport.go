// Package netlink maintains the client's connection to the avatar backend:
// a streaming websocket transport with heartbeat and reconnection, plus a
// request/response HTTP fallback.
package netlink

import (
	"context"

	"github.com/vango-go/avatar-lite/pkg/core/types"
)

// Transport is one way of exchanging envelopes with the backend. The
// connectivity manager selects between the streaming and fallback
// implementations based on connection state.
type Transport interface {
	// Send transmits one envelope. It must be safe for concurrent use.
	Send(ctx context.Context, env types.Envelope) error
	// Frames yields inbound envelopes. The channel closes when the
	// transport is closed or fails.
	Frames() <-chan types.Envelope
	// Close shuts the transport down. Safe to call more than once.
	Close() error
	// Err returns the terminal transport error, if any, after Frames closes.
	Err() error
}
