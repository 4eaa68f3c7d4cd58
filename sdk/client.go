// Package avatar is the caller-facing API of the embodied-agent client
// runtime: one Client per avatar session, configured through functional
// options, with lifecycle events delivered on a typed stream.
package avatar

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/avatar-lite/pkg/runtime/config"
	"github.com/vango-go/avatar-lite/pkg/runtime/netlink"
	"github.com/vango-go/avatar-lite/pkg/runtime/session"
	"github.com/vango-go/avatar-lite/pkg/runtime/telemetry"
)

// Event is the session event stream element. Consumers switch on the
// concrete types: StateChangedEvent, MessageEvent, ErrorEvent,
// LoadProgressEvent.
type Event = session.Event

// Re-exported event and state types so callers never import the runtime
// packages directly.
type (
	StateChangedEvent = session.StateChangedEvent
	MessageEvent      = session.MessageEvent
	ErrorEvent        = session.ErrorEvent
	LoadProgressEvent = session.LoadProgressEvent
	AudioEvent        = session.AudioEvent
)

type State = session.State

const (
	StateUninitialized = session.StateUninitialized
	StateInitializing  = session.StateInitializing
	StateReady         = session.StateReady
	StateProcessing    = session.StateProcessing
	StateError         = session.StateError
	StateShutdown      = session.StateShutdown
)

// Client is the main entry point for the avatar runtime.
type Client struct {
	session *session.Session

	// Internal
	cfg        config.Config
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	httpClient *http.Client
	tracer     trace.Tracer
	dialFunc   func(ctx context.Context, rawURL string, timeout time.Duration, logger *slog.Logger) (netlink.Transport, error)
	fetch      func(ctx context.Context, url string) ([]byte, error)
}

// NewClient builds a client from AVATAR_* environment configuration,
// adjusted by options. The session is inert until Initialize.
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{
		cfg:    config.LoadFromEnv(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	s, err := session.New(c.cfg, session.Options{
		Logger:     c.logger,
		Metrics:    c.metrics,
		HTTPClient: c.httpClient,
		DialFunc:   c.dialFunc,
		Fetch:      c.fetch,
	})
	if err != nil {
		return nil, err
	}
	c.session = s
	return c, nil
}

// Initialize brings connectivity and the initial avatar up, retrying
// within the configured budget; on exhaustion the client enters degraded
// mode instead of failing (reported via an ErrorEvent).
func (c *Client) Initialize(ctx context.Context) error {
	ctx, span := c.span(ctx, "avatar.Initialize")
	defer span.End()
	return c.session.Initialize(ctx)
}

// SendMessage dispatches user text to the backend and returns the
// correlation id the response will echo. Outside Ready it is a logged
// no-op returning an empty id.
func (c *Client) SendMessage(ctx context.Context, text string) (string, error) {
	ctx, span := c.span(ctx, "avatar.SendMessage")
	defer span.End()
	return c.session.SendMessage(ctx, text)
}

// SetAvatar loads and activates the asset at url.
func (c *Client) SetAvatar(ctx context.Context, url string) error {
	ctx, span := c.span(ctx, "avatar.SetAvatar")
	defer span.End()
	return c.session.SetAvatar(ctx, url)
}

// SetEmotion begins a blend transition to the named preset.
func (c *Client) SetEmotion(name string) error {
	return c.session.SetEmotion(context.Background(), name)
}

// Shutdown releases the runtime and flushes telemetry. Idempotent.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.session.Shutdown(ctx)
}

// Events yields the typed session event stream.
func (c *Client) Events() <-chan Event { return c.session.Events() }

// State returns the current lifecycle state.
func (c *Client) State() State { return c.session.State() }

// Degraded reports whether the runtime fell back to degraded operation.
func (c *Client) Degraded() bool { return c.session.Degraded() }

// Weights returns a copy of the live blend-weight vector for rendering.
func (c *Client) Weights(ctx context.Context) ([]float64, error) {
	return c.session.Weights(ctx)
}

func (c *Client) span(ctx context.Context, name string) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return c.tracer.Start(ctx, name)
}
