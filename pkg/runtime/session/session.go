// Package session is the top-level lifecycle controller: it sequences
// subsystem initialization, routes chat traffic between the backend link
// and the caller, and owns failure recovery.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/avatar-lite/pkg/core"
	"github.com/vango-go/avatar-lite/pkg/core/types"
	"github.com/vango-go/avatar-lite/pkg/runtime/assets"
	"github.com/vango-go/avatar-lite/pkg/runtime/blend"
	"github.com/vango-go/avatar-lite/pkg/runtime/config"
	"github.com/vango-go/avatar-lite/pkg/runtime/lipsync"
	"github.com/vango-go/avatar-lite/pkg/runtime/netlink"
	"github.com/vango-go/avatar-lite/pkg/runtime/telemetry"
)

// frameInterval is the animation tick driving blend transitions and
// lip-sync inside the event loop.
const frameInterval = 33 * time.Millisecond

// Options carries dependency overrides. Zero values build the production
// wiring from the Config alone.
type Options struct {
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
	HTTPClient *http.Client

	// DialFunc and Fetch are passed through to the connectivity and asset
	// subsystems; used by tests.
	DialFunc func(ctx context.Context, rawURL string, timeout time.Duration, logger *slog.Logger) (netlink.Transport, error)
	Fetch    func(ctx context.Context, url string) ([]byte, error)
}

// Session owns one avatar runtime instance. All lifecycle state is mutated
// by a single event-loop goroutine; public methods post commands into it.
type Session struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	reporter *telemetry.Reporter
	conn     *netlink.Conn
	cache    *assets.Cache
	blend    *blend.Controller
	lips     *lipsync.Engine

	state atomic.Value // State
	// Degradation is tracked per cause: a restored streaming link must not
	// clear an asset-driven degradation and vice versa.
	initDegraded atomic.Bool
	connDegraded atomic.Bool
	started      atomic.Bool

	commands chan func()
	events   chan Event
	stop     chan struct{}
	loopDone chan struct{}

	loopStarted  bool
	shutdownOnce sync.Once

	// Loop-owned.
	activeAsset      *assets.Asset
	awaitingResponse bool
}

// New wires a Session from validated configuration. Call Initialize to
// bring it up.
func New(cfg config.Config, opts Options) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics("avatar")
	}

	s := &Session{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		reporter: telemetry.NewReporter(
			metrics.Registry(), cfg.TelemetryURL, cfg.ReportingInterval, opts.HTTPClient, logger),
		conn: netlink.NewConn(netlink.Options{
			StreamURL:            cfg.StreamURL,
			FallbackURL:          cfg.FallbackURL,
			ConnectTimeout:       cfg.ConnectTimeout,
			ReconnectDelay:       cfg.ReconnectDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			HeartbeatMissLimit:   cfg.HeartbeatMissLimit,
			SendTimeout:          cfg.SendTimeout,
			HTTPClient:           opts.HTTPClient,
			Logger:               logger,
			Metrics:              metrics,
			DialFunc:             opts.DialFunc,
		}),
		cache: assets.NewCache(assets.Options{
			MaxSize:     cfg.CacheSize,
			LoadTimeout: cfg.LoadTimeout,
			DefaultURL:  cfg.DefaultAssetURL,
			HTTPClient:  opts.HTTPClient,
			Logger:      logger,
			Metrics:     metrics,
			Fetch:       opts.Fetch,
		}),
		commands: make(chan func(), 16),
		events:   make(chan Event, 64),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	s.blend = blend.NewController(cfg.EmotionTransition, logger, metrics)
	s.lips = lipsync.NewEngine(s.blend, lipsync.Options{
		Sensitivity: cfg.LipSyncSensitivity,
		SmoothTime:  cfg.LipSyncSmoothTime,
		Cooldown:    cfg.LipSyncCooldown,
		Logger:      logger,
		Metrics:     metrics,
	})
	s.state.Store(StateUninitialized)
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state.Load().(State)
}

// Degraded reports whether the session is running in degraded mode
// (built-in avatar and/or fallback transport only).
func (s *Session) Degraded() bool { return s.initDegraded.Load() || s.connDegraded.Load() }

// Events yields the session's event stream. Consumers must drain it;
// events are dropped, never blocked on, when the buffer is full.
func (s *Session) Events() <-chan Event { return s.events }

// Initialize brings the session up: connectivity plus one Ready avatar
// asset within the initialization timeout, retried up to the configured
// budget. When the budget is exhausted the session enters Error once,
// then falls back to degraded mode so text-only chat keeps working;
// Initialize reports that through an ErrorEvent, not a returned error.
func (s *Session) Initialize(ctx context.Context) error {
	if s.State() != StateUninitialized {
		return core.NewInternalError("session is already initialized")
	}
	s.started.Store(true)
	s.setState(StateInitializing)
	go s.reporter.Run()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetryAttempts; attempt++ {
		lastErr = s.initOnce(ctx)
		if lastErr == nil {
			s.setState(StateReady)
			s.startLoop()
			return nil
		}
		s.logger.Warn("initialization attempt failed",
			"attempt", attempt, "max", s.cfg.MaxRetryAttempts, "error", lastErr)
		s.emit(ErrorEvent{Err: lastErr})
		if attempt == s.cfg.MaxRetryAttempts {
			break
		}
		select {
		case <-time.After(s.cfg.RetryDelay):
		case <-ctx.Done():
			s.setState(StateError)
			return ctx.Err()
		}
	}

	// Retry budget exhausted: degrade rather than die. The pinned built-in
	// asset always loads, and outbound chat can queue or use the fallback
	// transport.
	s.setState(StateError)
	s.metrics.RecordError(string(core.ErrConnection))
	s.emit(ErrorEvent{Err: core.NewConnectionError(
		fmt.Sprintf("initialization failed after %d attempts: %v", s.cfg.MaxRetryAttempts, lastErr))})

	asset := s.cache.Default(ctx)
	if err := s.attach(asset); err != nil {
		return err
	}
	s.initDegraded.Store(true)
	s.emit(LoadProgressEvent{URL: asset.URL, Stage: "fallback"})
	s.logger.Warn("entering degraded mode", "cause", lastErr)
	s.setState(StateReady)
	s.startLoop()
	return nil
}

func (s *Session) initOnce(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	defer cancel()

	if err := s.conn.Connect(initCtx); err != nil {
		return err
	}

	url := s.cfg.DefaultAssetURL
	if url == "" {
		return s.attach(s.cache.Default(initCtx))
	}
	s.emit(LoadProgressEvent{URL: url, Stage: "loading"})
	asset, err := s.cache.Load(initCtx, url)
	if err != nil {
		return err
	}
	if !s.cache.Contains(url) {
		return core.NewAssetError("initial avatar load fell back to the default asset")
	}
	s.emit(LoadProgressEvent{URL: url, Stage: "ready"})
	return s.attach(asset)
}

// attach binds an asset to the animation subsystems. Called from the
// event loop, or before the loop starts.
func (s *Session) attach(asset *assets.Asset) error {
	if err := s.blend.Attach(asset.Resource); err != nil {
		return err
	}
	if err := s.lips.Attach(asset.Resource); err != nil {
		return err
	}
	s.cache.Touch(asset.URL)
	s.activeAsset = asset
	return nil
}

// SendMessage dispatches user text to the backend and moves the session
// into Processing. Outside Ready it is a logged no-op returning an empty
// correlation id.
func (s *Session) SendMessage(ctx context.Context, text string) (string, error) {
	if s.State() != StateReady {
		s.logger.Warn("message ignored, session not ready", "state", s.State())
		return "", nil
	}
	// Mark Processing before the send so a fast response cannot outrun the
	// transition.
	marked := false
	if err := s.do(ctx, func() {
		if s.State() == StateReady {
			s.awaitingResponse = true
			s.setState(StateProcessing)
			marked = true
		}
	}); err != nil {
		return "", err
	}
	if !marked {
		s.logger.Warn("message ignored, session not ready", "state", s.State())
		return "", nil
	}

	id, err := s.conn.Send(ctx, text)
	if err != nil {
		_ = s.do(ctx, func() {
			s.awaitingResponse = false
			if s.State() == StateProcessing {
				s.setState(StateReady)
			}
		})
		s.emit(ErrorEvent{Err: err})
		return "", err
	}
	return id, nil
}

// SetAvatar loads (or revalidates) the asset at url and activates it.
// On load failure the previous avatar stays active.
func (s *Session) SetAvatar(ctx context.Context, url string) error {
	if s.State() == StateUninitialized || s.State() == StateShutdown {
		return core.NewInternalError("session is not running")
	}
	s.emit(LoadProgressEvent{URL: url, Stage: "loading"})
	asset, err := s.cache.Load(ctx, url)
	if err != nil {
		s.emit(ErrorEvent{Err: err})
		return err
	}
	stage := "ready"
	if !s.cache.Contains(url) {
		stage = "fallback"
	}
	s.emit(LoadProgressEvent{URL: url, Stage: stage})

	var attachErr error
	if err := s.do(ctx, func() { attachErr = s.attach(asset) }); err != nil {
		return err
	}
	return attachErr
}

// SetEmotion begins a transition to the named preset.
func (s *Session) SetEmotion(ctx context.Context, name string) error {
	if s.State() == StateUninitialized || s.State() == StateShutdown {
		return core.NewInternalError("session is not running")
	}
	var ok bool
	if err := s.do(ctx, func() { ok = s.blend.SetEmotion(name) }); err != nil {
		return err
	}
	if !ok {
		return core.NewConfigError(fmt.Sprintf("unknown emotion preset %q", name), "emotion")
	}
	return nil
}

// Weights returns a copy of the live blend-weight vector for rendering.
func (s *Session) Weights(ctx context.Context) ([]float64, error) {
	var out []float64
	if err := s.do(ctx, func() {
		out = append([]float64(nil), s.blend.Weights()...)
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// Shutdown releases every subsystem in reverse dependency order and
// flushes telemetry. Idempotent; terminal.
func (s *Session) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.stop)
		if s.loopStarted {
			<-s.loopDone
		}
		s.setState(StateShutdown)

		s.lips.Stop()
		s.cache.Close()
		s.conn.Disconnect()
		if s.started.Load() {
			s.reporter.Flush(ctx)
			s.reporter.Close()
		}
		s.logger.Info("session shut down")
	})
	return nil
}

func (s *Session) startLoop() {
	s.loopStarted = true
	go s.loop()
}

// loop is the single goroutine owning lifecycle state, animation ticks
// and inbound frame handling. Subsystem goroutines communicate with it
// exclusively through channels.
func (s *Session) loop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-s.stop:
			return
		case cmd := <-s.commands:
			cmd()
		case env := <-s.conn.Frames():
			s.handleFrame(env)
		case st := <-s.conn.StateChanges():
			s.handleLinkState(st)
		case now := <-ticker.C:
			s.tick(now.Sub(last))
			last = now
		}
	}
}

func (s *Session) tick(dt time.Duration) {
	s.blend.Tick(dt)
	s.lips.Tick(dt)
	// Response handling completes when the lip-sync run has finished
	// (or never started).
	if s.State() == StateProcessing && !s.awaitingResponse && !s.lips.Active() {
		s.setState(StateReady)
	}
}

func (s *Session) handleFrame(env types.Envelope) {
	switch env.Type {
	case types.TypeResponse:
		s.awaitingResponse = false
		emotion := InferEmotion(env.Content)
		if emotion != s.blend.Current() {
			s.blend.SetEmotion(emotion)
		}
		// Text fallback starts immediately; a following audio frame takes
		// over mid-walk.
		if err := s.lips.StartText(env.Content); err != nil {
			s.logger.Debug("text lip-sync unavailable", "error", err)
		}
		s.emit(MessageEvent{Text: env.Content, RequestID: env.RequestID, Emotion: emotion})

	case types.TypeAudio:
		data, err := env.AudioBytes()
		if err != nil {
			s.logger.Warn("malformed audio payload dropped", "error", err)
			s.metrics.RecordError(string(core.ErrProtocol))
			return
		}
		if err := s.lips.StartAudio(data); err != nil {
			// Audio lip-sync is cooling down or failed to decode; the text
			// walk (if any) keeps the mouth moving.
			s.logger.Warn("audio lip-sync unavailable", "error", err)
			s.emit(ErrorEvent{Err: err})
		}
		s.emit(AudioEvent{PCM: data})

	case types.TypeStatus:
		s.logger.Info("backend status", "status", env.Content)

	case types.TypeError:
		s.awaitingResponse = false
		err := core.NewProtocolError("backend reported an error: " + env.Content)
		s.metrics.RecordError(string(core.ErrProtocol))
		s.emit(ErrorEvent{Err: err})

	default:
		s.logger.Debug("unhandled frame type", "type", env.Type)
	}
}

func (s *Session) handleLinkState(st netlink.State) {
	switch st {
	case netlink.StateFailed:
		// Reconnect budget exhausted. The session passes through Error
		// once, then recovers into degraded operation: outbound traffic
		// rides the fallback transport, so text-only chat keeps working.
		// An already-degraded session does not re-enter Error.
		already := s.Degraded()
		if !s.connDegraded.CompareAndSwap(false, true) {
			return
		}
		s.emit(ErrorEvent{Err: core.NewConnectionError(
			"streaming reconnect budget exhausted, using fallback transport")})
		if already {
			return
		}
		if cur := s.State(); cur == StateReady || cur == StateProcessing {
			s.setState(StateError)
			s.setState(StateReady)
		}
	case netlink.StateConnected:
		if s.connDegraded.CompareAndSwap(true, false) {
			s.logger.Info("streaming connection restored")
		}
	}
}

// do posts fn into the event loop and waits for it to run.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case s.commands <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return core.NewInternalError("session is shut down")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return core.NewInternalError("session is shut down")
	}
}

func (s *Session) setState(to State) {
	from := s.State()
	if from == to || from == StateShutdown {
		return
	}
	s.state.Store(to)
	s.metrics.RecordStateTransition(string(from), string(to))
	s.logger.Info("session state changed", "from", from, "to", to)
	s.emit(StateChangedEvent{From: from, To: to})
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
		s.logger.Warn("session event dropped, consumer not draining")
	}
}
