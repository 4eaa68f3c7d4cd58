package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReporter_PostsBatch(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics("test")
	metrics.RecordMessage("outbound", "message")
	metrics.RecordMessage("outbound", "message")
	metrics.RecordSend(5 * time.Millisecond)
	metrics.CacheReady.Set(3)

	received := make(chan Batch, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var batch Batch
		if err := json.Unmarshal(body, &batch); err != nil {
			t.Errorf("bad batch body: %v", err)
		}
		received <- batch
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	reporter := NewReporter(metrics.Registry(), server.URL, time.Minute, server.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	go reporter.Run()
	defer reporter.Close()

	reporter.Flush(context.Background())

	select {
	case batch := <-received:
		if batch.Timestamp == "" {
			t.Fatalf("batch missing timestamp")
		}
		var sawCounter, sawGauge, sawHistogram bool
		for _, s := range batch.Metrics {
			switch {
			case s.Name == "test_messages_total" && s.Kind == "counter":
				sawCounter = true
				if s.Value != 2 {
					t.Fatalf("messages_total=%v, expected 2", s.Value)
				}
				if s.Labels["direction"] != "outbound" {
					t.Fatalf("labels=%v", s.Labels)
				}
			case s.Name == "test_asset_cache_ready" && s.Kind == "gauge":
				sawGauge = true
				if s.Value != 3 {
					t.Fatalf("cache_ready=%v, expected 3", s.Value)
				}
			case s.Name == "test_send_duration_seconds" && s.Kind == "histogram":
				sawHistogram = true
				if s.Count != 1 {
					t.Fatalf("send histogram count=%d", s.Count)
				}
			}
		}
		if !sawCounter || !sawGauge || !sawHistogram {
			t.Fatalf("missing sample kinds: counter=%v gauge=%v histogram=%v", sawCounter, sawGauge, sawHistogram)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no batch received")
	}
}

func TestReporter_FailureIsSwallowed(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics("test")
	metrics.RecordError("connection_error")

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	// Endpoint that nothing listens on.
	reporter := NewReporter(metrics.Registry(), "http://127.0.0.1:1", time.Minute, &http.Client{Timeout: 200 * time.Millisecond}, logger)
	go reporter.Run()
	defer reporter.Close()

	// Must not panic or return an error to the caller.
	reporter.Flush(context.Background())

	if !bytes.Contains(logBuf.Bytes(), []byte("telemetry batch dropped")) {
		t.Fatalf("expected local drop log, got %q", logBuf.String())
	}
}

func TestRotatingWriter_RotatesAndRetains(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "runtime.log")

	w, err := NewRotatingWriter(path, 64, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter error: %v", err)
	}
	defer w.Close()

	line := []byte("0123456789012345678901234567890\n") // 32 bytes
	for i := 0; i < 12; i++ {
		if _, err := w.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("active log missing: %v", err)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("rotated log .1 missing: %v", err)
	}
	if _, err := os.Stat(fmt.Sprintf("%s.%d", path, 3)); err == nil {
		t.Fatalf("rotation retained more than maxFiles")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	if ParseLevel("debug") != slog.LevelDebug {
		t.Fatalf("debug level mismatch")
	}
	if ParseLevel("unknown") != slog.LevelInfo {
		t.Fatalf("unknown level should default to info")
	}
}
