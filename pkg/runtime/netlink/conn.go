package netlink

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/avatar-lite/pkg/core"
	"github.com/vango-go/avatar-lite/pkg/core/types"
	"github.com/vango-go/avatar-lite/pkg/runtime/telemetry"
)

// State describes the connectivity manager's view of the backend link.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateFailed means the reconnect budget is exhausted; outbound traffic
	// moves to the fallback transport until the caller reconnects explicitly.
	StateFailed State = "failed"
)

// Options configures a Conn.
type Options struct {
	StreamURL            string
	FallbackURL          string
	ConnectTimeout       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HeartbeatMissLimit   int
	SendTimeout          time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics

	// DialFunc overrides the streaming dialer; used by tests.
	DialFunc func(ctx context.Context, rawURL string, timeout time.Duration, logger *slog.Logger) (Transport, error)
}

// Conn manages the backend link: it owns the streaming transport, the
// heartbeat loop, reconnection with linear backoff, the outbound FIFO queue,
// and the pending-request registry. At most one streaming connection is
// active at a time.
type Conn struct {
	opts     Options
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	dial     func(ctx context.Context, rawURL string, timeout time.Duration, logger *slog.Logger) (Transport, error)
	fallback *FallbackTransport

	mu             sync.Mutex
	state          State
	stream         Transport
	queue          []types.Envelope
	pending        map[string]*time.Timer
	attempts       int
	missed         int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	closed         bool
	failedReported bool

	frames   chan types.Envelope
	states   chan State
	shutdown chan struct{}
}

// NewConn builds a connectivity manager. Call Connect to bring the link up.
func NewConn(opts Options) *Conn {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics("avatar")
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.HeartbeatMissLimit < 1 {
		opts.HeartbeatMissLimit = 3
	}
	dial := opts.DialFunc
	if dial == nil {
		dial = func(ctx context.Context, rawURL string, timeout time.Duration, logger *slog.Logger) (Transport, error) {
			return DialStream(ctx, rawURL, timeout, logger)
		}
	}

	c := &Conn{
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		dial:     dial,
		fallback: NewFallbackTransport(opts.FallbackURL, opts.HTTPClient, opts.Logger),
		state:    StateDisconnected,
		pending:  make(map[string]*time.Timer),
		frames:   make(chan types.Envelope, 256),
		states:   make(chan State, 16),
		shutdown: make(chan struct{}),
	}
	go c.fallbackPump()
	return c
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Frames yields inbound envelopes from whichever transport produced them.
func (c *Conn) Frames() <-chan types.Envelope { return c.frames }

// StateChanges yields connection state transitions.
func (c *Conn) StateChanges() <-chan State { return c.states }

// Connect attempts the streaming transport. On a retryable failure a
// reconnect is scheduled automatically; the error of this first attempt is
// returned so callers can surface it. While another dial is in flight
// Connect does not dial again, keeping at most one streaming connection.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.NewConnectionError("connection manager is shut down")
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateConnecting {
		c.mu.Unlock()
		return core.NewConnectionError("connect already in progress")
	}
	// This dial supersedes any pending automatic reconnect.
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	t, err := c.dial(ctx, c.opts.StreamURL, c.opts.ConnectTimeout, c.logger)
	if err != nil {
		c.mu.Lock()
		if !c.closed {
			c.setStateLocked(StateDisconnected)
			if retryableDial(err) {
				c.scheduleReconnectLocked()
			}
		}
		c.mu.Unlock()
		return err
	}

	c.onConnected(t)
	return nil
}

// Disconnect performs a clean, intentional shutdown: all timers are
// cancelled synchronously and no reconnect follows.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.shutdown)
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	for id, timer := range c.pending {
		timer.Stop()
		delete(c.pending, id)
	}
	stream := c.stream
	c.stream = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	_ = c.fallback.Close()
}

// Send assigns a fresh correlation id and transmits the payload: immediately
// when streaming is open, queued FIFO while reconnecting, or via the
// fallback transport once the reconnect budget is exhausted.
func (c *Conn) Send(ctx context.Context, payload string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", core.NewConnectionError("connection manager is shut down")
	}

	id := uuid.NewString()
	env := types.NewEnvelope(types.TypeMessage, payload, id)
	c.registerPendingLocked(id)

	switch c.state {
	case StateConnected:
		stream := c.stream
		c.mu.Unlock()
		start := time.Now()
		sendCtx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
		err := stream.Send(sendCtx, env)
		cancel()
		if err != nil {
			// The write failed, so the link is down. Mark it disconnected
			// immediately so later sends queue behind this one, then put the
			// message at the head of the replay queue rather than losing it.
			c.mu.Lock()
			if !c.closed {
				if c.stream == stream {
					c.setStateLocked(StateDisconnected)
					go func() { _ = stream.Close() }()
				}
				c.queue = append([]types.Envelope{env}, c.queue...)
				c.metrics.QueueDepth.Set(float64(len(c.queue)))
			}
			c.mu.Unlock()
			c.logger.Warn("streaming send failed, message queued", "request_id", id, "error", err)
			return id, nil
		}
		c.metrics.RecordSend(time.Since(start))
		c.metrics.RecordMessage("outbound", env.Type)
		return id, nil

	case StateFailed:
		c.mu.Unlock()
		sendCtx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
		defer cancel()
		if err := c.fallback.Send(sendCtx, env); err != nil {
			c.removePending(id)
			return "", err
		}
		c.metrics.RecordMessage("outbound", env.Type)
		return id, nil

	default:
		c.queue = append(c.queue, env)
		c.metrics.QueueDepth.Set(float64(len(c.queue)))
		c.mu.Unlock()
		return id, nil
	}
}

func (c *Conn) onConnected(t Transport) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = t.Close()
		return
	}
	if prev := c.stream; prev != nil {
		c.stopHeartbeatLocked()
		go func() { _ = prev.Close() }()
	}
	c.stream = t
	c.attempts = 0
	c.missed = 0
	c.failedReported = false

	// Drain the queue strictly in FIFO order before accepting new direct
	// sends; an entry is removed only after its write succeeded.
	for len(c.queue) > 0 {
		env := c.queue[0]
		sendCtx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
		err := t.Send(sendCtx, env)
		cancel()
		if err != nil {
			c.logger.Warn("queue replay interrupted", "remaining", len(c.queue), "error", err)
			break
		}
		c.queue = c.queue[1:]
		c.metrics.RecordMessage("outbound", env.Type)
	}
	c.metrics.QueueDepth.Set(float64(len(c.queue)))

	c.setStateLocked(StateConnected)
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	go c.heartbeatLoop(t, stop)
	go c.pump(t)
}

func (c *Conn) pump(t Transport) {
	for env := range t.Frames() {
		c.dispatch(env)
	}
	c.onStreamClosed(t, t.Err())
}

func (c *Conn) fallbackPump() {
	for {
		select {
		case <-c.shutdown:
			return
		case env := <-c.fallback.Frames():
			c.dispatch(env)
		}
	}
}

// dispatch classifies one inbound envelope. Heartbeat acks are consumed
// here; unknown types are logged and dropped; everything else is forwarded
// to the session.
func (c *Conn) dispatch(env types.Envelope) {
	switch {
	case env.Type == types.TypeHeartbeatAck:
		c.mu.Lock()
		c.missed = 0
		c.mu.Unlock()
		return
	case !env.Known():
		c.logger.Warn("dropping unknown message type", "type", env.Type)
		c.metrics.RecordError(string(core.ErrProtocol))
		return
	}

	if env.RequestID != "" {
		c.removePending(env.RequestID)
	}
	c.metrics.RecordMessage("inbound", env.Type)

	select {
	case c.frames <- env:
	default:
		c.logger.Warn("inbound frame dropped, session not draining", "type", env.Type)
	}
}

func (c *Conn) heartbeatLoop(t Transport, stop chan struct{}) {
	if c.opts.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			missed := c.missed
			c.missed++
			c.mu.Unlock()

			if missed >= c.opts.HeartbeatMissLimit {
				c.logger.Warn("heartbeat threshold exceeded, forcing reconnect", "missed", missed)
				_ = t.Close()
				return
			}

			// A ping does not wait for its ack; missed acks are counted on
			// the next tick instead of blocking here.
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
			err := t.Send(ctx, types.NewEnvelope(types.TypeHeartbeat, "", ""))
			cancel()
			if err != nil {
				c.logger.Debug("heartbeat send failed", "error", err)
			}
		}
	}
}

func (c *Conn) onStreamClosed(t Transport, err error) {
	c.mu.Lock()
	if c.stream != t {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	c.stream = nil
	if c.closed {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.logger.Warn("streaming connection lost", "error", err)
		c.metrics.RecordError(string(core.ErrConnection))
	}
	c.setStateLocked(StateDisconnected)
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

// scheduleReconnectLocked applies linear backoff up to the attempt cap.
// Caller holds the mutex.
func (c *Conn) scheduleReconnectLocked() {
	if c.attempts >= c.opts.MaxReconnectAttempts {
		if !c.failedReported {
			c.failedReported = true
			c.logger.Error("reconnect budget exhausted, falling back to request/response transport",
				"attempts", c.attempts)
			c.setStateLocked(StateFailed)
			if len(c.queue) > 0 {
				flush := c.queue
				c.queue = nil
				c.metrics.QueueDepth.Set(0)
				go c.flushQueueToFallback(flush)
			}
		}
		return
	}
	c.attempts++
	c.metrics.ReconnectsTotal.Inc()
	delay := c.opts.ReconnectDelay * time.Duration(c.attempts)
	c.logger.Info("scheduling reconnect", "attempt", c.attempts, "delay", delay)
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
}

func (c *Conn) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	// StateConnecting means another dial is already in flight, usually a
	// caller-level Connect retry; it owns the link now.
	if c.closed || c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	t, err := c.dial(context.Background(), c.opts.StreamURL, c.opts.ConnectTimeout, c.logger)
	if err != nil {
		c.logger.Warn("reconnect attempt failed", "error", err)
		c.mu.Lock()
		if !c.closed {
			c.setStateLocked(StateDisconnected)
			if retryableDial(err) {
				c.scheduleReconnectLocked()
			}
		}
		c.mu.Unlock()
		return
	}
	c.logger.Info("streaming connection re-established")
	c.onConnected(t)
}

// retryableDial reports whether a failed dial is worth repeating. Transport
// failures are transient; a config mistake fails the same way every time.
func retryableDial(err error) bool {
	var cerr *core.Error
	if errors.As(err, &cerr) {
		return cerr.IsRetryable()
	}
	return true
}

// flushQueueToFallback drains envelopes stranded by the dead streaming link
// through the request/response transport, preserving FIFO order.
func (c *Conn) flushQueueToFallback(envs []types.Envelope) {
	for _, env := range envs {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
		err := c.fallback.Send(ctx, env)
		cancel()
		if err != nil {
			c.logger.Warn("queued message lost, fallback send failed",
				"request_id", env.RequestID, "error", err)
			c.removePending(env.RequestID)
			c.metrics.RecordError(string(core.ErrConnection))
			continue
		}
		c.metrics.RecordMessage("outbound", env.Type)
	}
}

func (c *Conn) registerPendingLocked(id string) {
	c.pending[id] = time.AfterFunc(2*c.opts.SendTimeout, func() {
		c.mu.Lock()
		_, live := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if live {
			c.logger.Debug("pending request expired", "request_id", id)
		}
	})
}

func (c *Conn) removePending(id string) {
	c.mu.Lock()
	if timer, ok := c.pending[id]; ok {
		timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// PendingCount reports live correlated requests; used by tests and telemetry.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// QueueDepth reports messages waiting for the streaming link.
func (c *Conn) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Conn) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

func (c *Conn) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	select {
	case c.states <- s:
	default:
	}
}

// String implements fmt.Stringer for logging.
func (s State) String() string { return string(s) }
