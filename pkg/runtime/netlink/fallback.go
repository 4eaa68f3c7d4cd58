package netlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/vango-go/avatar-lite/pkg/core"
	"github.com/vango-go/avatar-lite/pkg/core/types"
)

// FallbackTransport is the request/response HTTP transport used when the
// streaming connection cannot be established. One POST carries one envelope;
// the response envelope is delivered on the shared inbound channel.
type FallbackTransport struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger

	frames    chan types.Envelope
	closeOnce sync.Once
	closed    chan struct{}
}

// NewFallbackTransport builds the HTTP fallback for the given endpoint.
func NewFallbackTransport(endpoint string, httpClient *http.Client, logger *slog.Logger) *FallbackTransport {
	if httpClient == nil {
		httpClient = NewDefaultHTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackTransport{
		endpoint:   endpoint,
		httpClient: httpClient,
		logger:     logger,
		frames:     make(chan types.Envelope, 64),
		closed:     make(chan struct{}),
	}
}

// NewDefaultHTTPClient configures sane transport-level timeouts while keeping
// request lifetimes controlled by context deadlines.
func NewDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Send POSTs the envelope and forwards the response envelope inbound.
func (t *FallbackTransport) Send(ctx context.Context, env types.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return core.NewInternalError(fmt.Sprintf("encode envelope: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return core.NewInternalError(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &core.TransportError{Op: "POST", URL: t.endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return core.NewConnectionError(fmt.Sprintf("fallback endpoint returned status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &core.TransportError{Op: "POST", URL: t.endpoint, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	inbound, err := types.DecodeEnvelope(data)
	if err != nil {
		// Payload-level errors are reported to the caller; the transport
		// itself stays usable.
		return core.NewProtocolError(err.Error())
	}

	select {
	case <-t.closed:
		return nil
	default:
	}
	select {
	case t.frames <- inbound:
	default:
		t.logger.Warn("fallback response dropped, consumer not draining", "type", inbound.Type)
	}
	return nil
}

// Frames yields response envelopes from fallback sends.
func (t *FallbackTransport) Frames() <-chan types.Envelope {
	return t.frames
}

// Close stops the transport. The frames channel is intentionally left open;
// Send stops writing to it once closed, and the connectivity manager drains
// via select rather than range.
func (t *FallbackTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}

// Err implements Transport; the fallback has no terminal error state.
func (t *FallbackTransport) Err() error { return nil }
