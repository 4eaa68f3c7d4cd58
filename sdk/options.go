package avatar

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/avatar-lite/pkg/runtime/config"
	"github.com/vango-go/avatar-lite/pkg/runtime/netlink"
	"github.com/vango-go/avatar-lite/pkg/runtime/telemetry"
)

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithConfig replaces the environment-derived configuration entirely.
func WithConfig(cfg config.Config) ClientOption {
	return func(c *Client) {
		c.cfg = cfg
	}
}

// WithLogger sets the logger for the client and every subsystem.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithHTTPClient sets a custom HTTP client, shared by the fallback
// transport, the asset fetcher and the telemetry reporter.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTracer sets the OpenTelemetry tracer for the client.
func WithTracer(t trace.Tracer) ClientOption {
	return func(c *Client) {
		c.tracer = t
	}
}

// WithMetrics shares an existing instrument set instead of creating a
// private one.
func WithMetrics(m *telemetry.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithDialFunc overrides the streaming dialer; used by tests.
func WithDialFunc(dial func(ctx context.Context, rawURL string, timeout time.Duration, logger *slog.Logger) (netlink.Transport, error)) ClientOption {
	return func(c *Client) {
		c.dialFunc = dial
	}
}

// WithAssetFetch overrides the asset fetcher; used by tests.
func WithAssetFetch(fetch func(ctx context.Context, url string) ([]byte, error)) ClientOption {
	return func(c *Client) {
		c.fetch = fetch
	}
}
