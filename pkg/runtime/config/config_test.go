package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/avatar-lite/pkg/core"
)

func validConfig() Config {
	cfg := LoadFromEnv()
	cfg.StreamURL = "wss://backend.example.com/v1/stream"
	cfg.FallbackURL = "https://backend.example.com/v1/messages"
	return cfg
}

func TestValidate_OK(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
}

func TestValidate_ReportsEveryInvalidField(t *testing.T) {
	cfg := validConfig()
	cfg.StreamURL = ""
	cfg.CacheSize = 0
	cfg.LipSyncSensitivity = -1
	cfg.LogLevel = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}

	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		t.Fatalf("expected *core.Error, got %T", err)
	}
	if coreErr.Type != core.ErrConfig {
		t.Fatalf("type=%q, expected %q", coreErr.Type, core.ErrConfig)
	}
	for _, field := range []string{"stream_url", "cache_size", "lipsync_sensitivity", "log_level"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("error %q missing field %q", err.Error(), field)
		}
	}
}

func TestValidate_SchemeChecks(t *testing.T) {
	cfg := validConfig()
	cfg.FallbackURL = "ftp://backend.example.com"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "fallback_url") {
		t.Fatalf("expected fallback_url scheme error, got %v", err)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("AVATAR_STREAM_URL", "wss://example.com/stream")
	t.Setenv("AVATAR_CACHE_SIZE", "2")
	t.Setenv("AVATAR_RECONNECT_DELAY", "250ms")
	t.Setenv("AVATAR_HEARTBEAT_INTERVAL", "1500") // bare ints are milliseconds
	t.Setenv("AVATAR_LIPSYNC_SENSITIVITY", "2.5")

	cfg := LoadFromEnv()
	if cfg.StreamURL != "wss://example.com/stream" {
		t.Fatalf("StreamURL=%q", cfg.StreamURL)
	}
	if cfg.CacheSize != 2 {
		t.Fatalf("CacheSize=%d", cfg.CacheSize)
	}
	if cfg.ReconnectDelay != 250*time.Millisecond {
		t.Fatalf("ReconnectDelay=%v", cfg.ReconnectDelay)
	}
	if cfg.HeartbeatInterval != 1500*time.Millisecond {
		t.Fatalf("HeartbeatInterval=%v", cfg.HeartbeatInterval)
	}
	if cfg.LipSyncSensitivity != 2.5 {
		t.Fatalf("LipSyncSensitivity=%v", cfg.LipSyncSensitivity)
	}
}
