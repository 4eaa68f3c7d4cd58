// Package config holds the runtime configuration surface.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/avatar-lite/pkg/core"
)

// Config is the full configuration surface of the avatar runtime.
type Config struct {
	// Backend endpoints.
	StreamURL   string
	FallbackURL string

	// Connectivity.
	ConnectTimeout       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HeartbeatMissLimit   int
	SendTimeout          time.Duration

	// Session lifecycle.
	InitTimeout      time.Duration
	MaxRetryAttempts int
	RetryDelay       time.Duration

	// Asset cache.
	CacheSize       int
	LoadTimeout     time.Duration
	DefaultAssetURL string

	// Animation.
	EmotionTransition  time.Duration
	LipSyncSensitivity float64
	LipSyncSmoothTime  time.Duration
	LipSyncCooldown    time.Duration

	// Telemetry.
	TelemetryURL      string
	ReportingInterval time.Duration

	// Logging.
	LogLevel       string
	LogFilePath    string
	MaxLogFileSize int64
	MaxLogFiles    int
}

// LoadFromEnv builds a Config from AVATAR_* environment variables,
// falling back to defaults for anything unset.
func LoadFromEnv() Config {
	return Config{
		StreamURL:            envOr("AVATAR_STREAM_URL", ""),
		FallbackURL:          envOr("AVATAR_FALLBACK_URL", ""),
		ConnectTimeout:       envDurationOr("AVATAR_CONNECT_TIMEOUT", 10*time.Second),
		ReconnectDelay:       envDurationOr("AVATAR_RECONNECT_DELAY", 2*time.Second),
		MaxReconnectAttempts: envIntOr("AVATAR_MAX_RECONNECT_ATTEMPTS", 5),
		HeartbeatInterval:    envDurationOr("AVATAR_HEARTBEAT_INTERVAL", 20*time.Second),
		HeartbeatMissLimit:   envIntOr("AVATAR_HEARTBEAT_MISS_LIMIT", 3),
		SendTimeout:          envDurationOr("AVATAR_SEND_TIMEOUT", 10*time.Second),
		InitTimeout:          envDurationOr("AVATAR_INIT_TIMEOUT", 30*time.Second),
		MaxRetryAttempts:     envIntOr("AVATAR_MAX_RETRY_ATTEMPTS", 3),
		RetryDelay:           envDurationOr("AVATAR_RETRY_DELAY", 2*time.Second),
		CacheSize:            envIntOr("AVATAR_CACHE_SIZE", 4),
		LoadTimeout:          envDurationOr("AVATAR_LOAD_TIMEOUT", 30*time.Second),
		DefaultAssetURL:      envOr("AVATAR_DEFAULT_ASSET_URL", ""),
		EmotionTransition:    envDurationOr("AVATAR_EMOTION_TRANSITION", 500*time.Millisecond),
		LipSyncSensitivity:   envFloat64Or("AVATAR_LIPSYNC_SENSITIVITY", 1.0),
		LipSyncSmoothTime:    envDurationOr("AVATAR_LIPSYNC_SMOOTH_TIME", 80*time.Millisecond),
		LipSyncCooldown:      envDurationOr("AVATAR_LIPSYNC_COOLDOWN", 5*time.Second),
		TelemetryURL:         envOr("AVATAR_TELEMETRY_URL", ""),
		ReportingInterval:    envDurationOr("AVATAR_REPORTING_INTERVAL", 30*time.Second),
		LogLevel:             envOr("AVATAR_LOG_LEVEL", "info"),
		LogFilePath:          envOr("AVATAR_LOG_FILE", ""),
		MaxLogFileSize:       envInt64Or("AVATAR_MAX_LOG_FILE_SIZE", 5<<20), // 5 MiB
		MaxLogFiles:          envIntOr("AVATAR_MAX_LOG_FILES", 3),
	}
}

// Validate checks every field and reports all problems at once, since
// configuration mistakes are always caller mistakes and should fail fast.
func (c Config) Validate() error {
	var bad []string

	requireURL := func(field, raw string, schemes ...string) {
		if raw == "" {
			bad = append(bad, field+": must not be empty")
			return
		}
		u, err := url.Parse(raw)
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", field, err))
			return
		}
		for _, s := range schemes {
			if strings.EqualFold(u.Scheme, s) {
				return
			}
		}
		bad = append(bad, fmt.Sprintf("%s: scheme %q not in %v", field, u.Scheme, schemes))
	}

	requireURL("stream_url", c.StreamURL, "ws", "wss", "http", "https")
	requireURL("fallback_url", c.FallbackURL, "http", "https")
	if c.DefaultAssetURL != "" {
		requireURL("default_asset_url", c.DefaultAssetURL, "http", "https")
	}
	if c.TelemetryURL != "" {
		requireURL("telemetry_url", c.TelemetryURL, "http", "https")
	}

	requirePositive := func(field string, d time.Duration) {
		if d <= 0 {
			bad = append(bad, field+": must be positive")
		}
	}
	requirePositive("connect_timeout", c.ConnectTimeout)
	requirePositive("reconnect_delay", c.ReconnectDelay)
	requirePositive("heartbeat_interval", c.HeartbeatInterval)
	requirePositive("send_timeout", c.SendTimeout)
	requirePositive("init_timeout", c.InitTimeout)
	requirePositive("retry_delay", c.RetryDelay)
	requirePositive("load_timeout", c.LoadTimeout)
	requirePositive("emotion_transition", c.EmotionTransition)
	requirePositive("lipsync_smooth_time", c.LipSyncSmoothTime)
	requirePositive("reporting_interval", c.ReportingInterval)

	if c.MaxReconnectAttempts < 1 {
		bad = append(bad, "max_reconnect_attempts: must be at least 1")
	}
	if c.HeartbeatMissLimit < 1 {
		bad = append(bad, "heartbeat_miss_limit: must be at least 1")
	}
	if c.MaxRetryAttempts < 1 {
		bad = append(bad, "max_retry_attempts: must be at least 1")
	}
	if c.CacheSize < 1 {
		bad = append(bad, "cache_size: must be at least 1")
	}
	if c.LipSyncSensitivity <= 0 {
		bad = append(bad, "lipsync_sensitivity: must be positive")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		bad = append(bad, fmt.Sprintf("log_level: unknown level %q", c.LogLevel))
	}
	if c.LogFilePath != "" {
		if c.MaxLogFileSize <= 0 {
			bad = append(bad, "max_log_file_size: must be positive")
		}
		if c.MaxLogFiles < 1 {
			bad = append(bad, "max_log_files: must be at least 1")
		}
	}

	if len(bad) > 0 {
		return core.NewConfigError("invalid configuration: "+strings.Join(bad, "; "), strings.Join(fieldNames(bad), ","))
	}
	return nil
}

func fieldNames(problems []string) []string {
	names := make([]string, 0, len(problems))
	for _, p := range problems {
		if idx := strings.Index(p, ":"); idx > 0 {
			names = append(names, p[:idx])
		}
	}
	return names
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64Or(key string, fallback int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat64Or(key string, fallback float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
