package netlink

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/avatar-lite/pkg/core"
	"github.com/vango-go/avatar-lite/pkg/core/types"
)

const defaultConnectTimeout = 10 * time.Second

// StreamTransport is the persistent bidirectional websocket transport.
type StreamTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger

	frames chan types.Envelope
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// WebSocketEndpoint normalizes an http(s) or ws(s) URL to a websocket URL.
func WebSocketEndpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", core.NewConfigError("invalid stream URL", "stream_url")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", core.NewConfigError("stream URL must use http(s) or ws(s)", "stream_url")
	}
	return u.String(), nil
}

// DialStream opens the streaming transport with a bounded connect timeout.
func DialStream(ctx context.Context, rawURL string, timeout time.Duration, logger *slog.Logger) (*StreamTransport, error) {
	wsURL, err := WebSocketEndpoint(rawURL)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, &core.TransportError{Op: "GET", URL: wsURL, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &core.TransportError{Op: "GET", URL: wsURL, Err: err}
	}

	t := &StreamTransport{
		conn:   conn,
		logger: logger,
		frames: make(chan types.Envelope, 256),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// Send writes one envelope to the websocket.
func (t *StreamTransport) Send(ctx context.Context, env types.Envelope) error {
	if t == nil {
		return fmt.Errorf("stream transport must not be nil")
	}
	if t.closed.Load() {
		return core.NewConnectionError("streaming connection is closed")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteJSON(env); err != nil {
		return core.NewConnectionError(fmt.Sprintf("write frame: %v", err))
	}
	return nil
}

// Frames yields inbound envelopes until the connection closes.
func (t *StreamTransport) Frames() <-chan types.Envelope {
	if t == nil {
		return nil
	}
	return t.frames
}

// Close performs a clean websocket shutdown. Safe to call more than once.
func (t *StreamTransport) Close() error {
	if t == nil {
		return nil
	}
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
	<-t.done
	return nil
}

// Err returns the terminal read error, if any. Clean closes report nil.
func (t *StreamTransport) Err() error {
	if t == nil {
		return nil
	}
	<-t.done
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *StreamTransport) setErr(err error) {
	if err == nil {
		return
	}
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *StreamTransport) readLoop() {
	defer close(t.done)
	defer close(t.frames)

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			t.setErr(core.NewConnectionError(fmt.Sprintf("read frame: %v", err)))
			return
		}
		if messageType != websocket.TextMessage {
			// Binary frames are not part of the envelope protocol.
			continue
		}

		env, err := types.DecodeEnvelope(data)
		if err != nil {
			// Malformed payloads are dropped without affecting the connection.
			t.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		t.emit(env)
	}
}

func (t *StreamTransport) emit(env types.Envelope) {
	select {
	case t.frames <- env:
	default:
		// Avoid deadlocking the read loop if the consumer stops draining.
		t.logger.Warn("inbound frame dropped, consumer not draining", "type", env.Type)
	}
}
