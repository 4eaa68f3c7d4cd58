package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/avatar-lite/pkg/core/types"
	"github.com/vango-go/avatar-lite/pkg/runtime/config"
	"github.com/vango-go/avatar-lite/pkg/runtime/netlink"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		StreamURL:            "ws://backend.test/stream",
		FallbackURL:          "http://backend.test/fallback",
		ConnectTimeout:       time.Second,
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 2,
		HeartbeatInterval:    time.Hour,
		HeartbeatMissLimit:   3,
		SendTimeout:          time.Second,
		InitTimeout:          200 * time.Millisecond,
		MaxRetryAttempts:     2,
		RetryDelay:           10 * time.Millisecond,
		CacheSize:            2,
		LoadTimeout:          time.Second,
		DefaultAssetURL:      "http://assets.test/hero.glb",
		EmotionTransition:    50 * time.Millisecond,
		LipSyncSensitivity:   1.0,
		LipSyncSmoothTime:    80 * time.Millisecond,
		LipSyncCooldown:      time.Second,
		ReportingInterval:    time.Second,
		LogLevel:             "info",
	}
}

// echoTransport answers every outbound message envelope with a response
// carrying the same correlation id, like a chat backend would.
type echoTransport struct {
	reply string

	mu     sync.Mutex
	sent   []types.Envelope
	frames chan types.Envelope
	closed bool
}

func newEchoTransport(reply string) *echoTransport {
	return &echoTransport{reply: reply, frames: make(chan types.Envelope, 16)}
}

func (t *echoTransport) Send(ctx context.Context, env types.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	t.sent = append(t.sent, env)
	if env.Type == types.TypeMessage {
		t.frames <- types.NewEnvelope(types.TypeResponse, t.reply, env.RequestID)
	}
	return nil
}

func (t *echoTransport) Frames() <-chan types.Envelope { return t.frames }

func (t *echoTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.frames)
	}
	return nil
}

func (t *echoTransport) Err() error { return nil }

func okFetch(ctx context.Context, url string) ([]byte, error) {
	return []byte("blob:" + url), nil
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// stubBackendClient answers every fallback POST with a status envelope.
func stubBackendClient() *http.Client {
	return &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"type":"status","content":"accepted"}`)),
		}, nil
	})}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func waitEvent(t *testing.T, s *Session, timeout time.Duration, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-s.Events():
			if match(e) {
				return e
			}
		case <-deadline:
			t.Fatalf("expected event not observed within %v", timeout)
			return nil
		}
	}
}

func TestInitialize_ReachesReadyAndRoundTripsAMessage(t *testing.T) {
	t.Parallel()

	transport := newEchoTransport("that is great news")
	s, err := New(testConfig(), Options{
		Logger: testLogger(),
		Fetch:  okFetch,
		DialFunc: func(ctx context.Context, rawURL string, timeout time.Duration, logger *slog.Logger) (netlink.Transport, error) {
			return transport, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Shutdown(context.Background())

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("state=%s after Initialize", s.State())
	}
	if s.Degraded() {
		t.Fatalf("healthy initialization reported degraded")
	}

	id, err := s.SendMessage(context.Background(), "how did the quarter go?")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id == "" {
		t.Fatalf("SendMessage returned an empty correlation id while Ready")
	}

	ev := waitEvent(t, s, 3*time.Second, func(e Event) bool {
		_, ok := e.(MessageEvent)
		return ok
	}).(MessageEvent)
	if ev.RequestID != id {
		t.Fatalf("response correlation id %q, sent %q", ev.RequestID, id)
	}
	if ev.Emotion != "happy" {
		t.Fatalf("inferred emotion %q, expected happy", ev.Emotion)
	}

	// Processing completes once the lip-sync walk over the reply ends.
	waitFor(t, 5*time.Second, func() bool { return s.State() == StateReady },
		"session did not return to Ready after the response")
}

func TestInitialize_ExhaustedBudgetFallsIntoDegradedMode(t *testing.T) {
	t.Parallel()

	s, err := New(testConfig(), Options{
		Logger:     testLogger(),
		Fetch:      okFetch,
		HTTPClient: stubBackendClient(),
		DialFunc: func(ctx context.Context, rawURL string, timeout time.Duration, logger *slog.Logger) (netlink.Transport, error) {
			return nil, errors.New("backend unreachable")
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Shutdown(context.Background())

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize must not fail hard in degraded mode: %v", err)
	}
	if !s.Degraded() {
		t.Fatalf("session not marked degraded")
	}
	if s.State() != StateReady {
		t.Fatalf("state=%s, expected Ready (degraded)", s.State())
	}

	// The Error state was passed through exactly once on the way down.
	errorTransitions := 0
	drained := false
	for !drained {
		select {
		case e := <-s.Events():
			if sc, ok := e.(StateChangedEvent); ok && sc.To == StateError {
				errorTransitions++
			}
		default:
			drained = true
		}
	}
	if errorTransitions != 1 {
		t.Fatalf("observed %d transitions into Error, expected exactly 1", errorTransitions)
	}

	// Text-only chat still works: the message is accepted and queued for
	// whenever a link exists.
	id, err := s.SendMessage(context.Background(), "hello?")
	if err != nil {
		t.Fatalf("SendMessage in degraded mode: %v", err)
	}
	if id == "" {
		t.Fatalf("degraded SendMessage returned an empty correlation id")
	}
}

func TestInitialize_SlowAssetLoadDegrades(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.InitTimeout = 80 * time.Millisecond
	cfg.LoadTimeout = 60 * time.Millisecond

	transport := newEchoTransport("ok")
	s, err := New(cfg, Options{
		Logger:     testLogger(),
		HTTPClient: stubBackendClient(),
		// The asset source never answers; every load runs into its timeout.
		Fetch: func(ctx context.Context, url string) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		DialFunc: func(ctx context.Context, rawURL string, timeout time.Duration, logger *slog.Logger) (netlink.Transport, error) {
			return transport, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Shutdown(context.Background())

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !s.Degraded() {
		t.Fatalf("session not degraded after asset loads timed out")
	}
	if s.State() != StateReady {
		t.Fatalf("state=%s, expected Ready on the built-in asset", s.State())
	}

	// Text-only chat works on the built-in avatar.
	if id, err := s.SendMessage(context.Background(), "still there?"); err != nil || id == "" {
		t.Fatalf("SendMessage on built-in avatar: id=%q err=%v", id, err)
	}
}

func TestSendMessage_IsANoOpOutsideReady(t *testing.T) {
	t.Parallel()

	s, err := New(testConfig(), Options{Logger: testLogger(), Fetch: okFetch})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Shutdown(context.Background())

	// Uninitialized: ignored without error.
	id, err := s.SendMessage(context.Background(), "too early")
	if err != nil || id != "" {
		t.Fatalf("expected silent no-op, got id=%q err=%v", id, err)
	}
}

func TestShutdown_IsIdempotentAndTerminal(t *testing.T) {
	t.Parallel()

	transport := newEchoTransport("ok")
	s, err := New(testConfig(), Options{
		Logger: testLogger(),
		Fetch:  okFetch,
		DialFunc: func(ctx context.Context, rawURL string, timeout time.Duration, logger *slog.Logger) (netlink.Transport, error) {
			return transport, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if s.State() != StateShutdown {
		t.Fatalf("state=%s after Shutdown", s.State())
	}

	// Terminal: no operation revives the session.
	if id, err := s.SendMessage(context.Background(), "anyone?"); err != nil || id != "" {
		t.Fatalf("SendMessage after Shutdown: id=%q err=%v", id, err)
	}
	if err := s.SetEmotion(context.Background(), "happy"); err == nil {
		t.Fatalf("SetEmotion after Shutdown should fail")
	}
}

func TestSetEmotion_RejectsUnknownPreset(t *testing.T) {
	t.Parallel()

	transport := newEchoTransport("ok")
	s, err := New(testConfig(), Options{
		Logger: testLogger(),
		Fetch:  okFetch,
		DialFunc: func(ctx context.Context, rawURL string, timeout time.Duration, logger *slog.Logger) (netlink.Transport, error) {
			return transport, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Shutdown(context.Background())
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := s.SetEmotion(context.Background(), "happy"); err != nil {
		t.Fatalf("SetEmotion(happy): %v", err)
	}
	if err := s.SetEmotion(context.Background(), "smug"); err == nil {
		t.Fatalf("unknown preset accepted")
	}
}

func TestInferEmotion_KeywordMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text string
		want string
	}{
		{"Great quarter, congratulations!", "happy"},
		{"I'm sorry, we recorded a loss.", "sad"},
		{"Wow, that was unexpected.", "surprised"},
		{"Let me analyze the numbers.", "thinking"},
		{"The meeting is at three.", "neutral"},
	}
	for _, tc := range cases {
		if got := InferEmotion(tc.text); got != tc.want {
			t.Errorf("InferEmotion(%q)=%q, want %q", tc.text, got, tc.want)
		}
	}
}
