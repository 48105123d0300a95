package config

import (
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "timeguard.db"
	defaultPollInterval   = 500 * time.Millisecond
	defaultGracePeriod    = 2 * time.Second
	defaultMaxConcurrency = 4

	envListenAddr        = "TIMEGUARD_LISTEN_ADDR"
	envDBPath            = "TIMEGUARD_DB_PATH"
	envLogLevel          = "TIMEGUARD_LOG_LEVEL"
	envDefaultTimeout    = "TIMEGUARD_DEFAULT_TIMEOUT"
	envContinueOnTimeout = "TIMEGUARD_CONTINUE_ON_TIMEOUT"
	envPollInterval      = "TIMEGUARD_POLL_INTERVAL"
	envGracePeriod       = "TIMEGUARD_GRACE_PERIOD"
	envMaxConcurrency    = "TIMEGUARD_MAX_CONCURRENCY"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// DefaultTimeout applies to tasks without their own timeout.
	// Zero leaves such tasks unmonitored.
	DefaultTimeout    time.Duration
	ContinueOnTimeout bool

	PollInterval   time.Duration
	GracePeriod    time.Duration
	MaxConcurrency int
}

// Load reads configuration from environment variables with sensible defaults.
// Unparseable values fall back to the default.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		PollInterval:   defaultPollInterval,
		GracePeriod:    defaultGracePeriod,
		MaxConcurrency: defaultMaxConcurrency,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envDefaultTimeout); v != "" {
		if d, ok := ParseDuration(v); ok {
			cfg.DefaultTimeout = d
		}
	}
	if v := os.Getenv(envContinueOnTimeout); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ContinueOnTimeout = b
		}
	}
	if v := os.Getenv(envPollInterval); v != "" {
		if d, ok := ParseDuration(v); ok && d > 0 {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv(envGracePeriod); v != "" {
		if d, ok := ParseDuration(v); ok && d > 0 {
			cfg.GracePeriod = d
		}
	}
	if v := os.Getenv(envMaxConcurrency); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrency = n
		}
	}

	return cfg
}

// ParseDuration accepts a Go duration ("1.5s", "250ms")
// or a bare number of seconds ("0.5", "30"). Negative values and values
// too large for a time.Duration are rejected.
func ParseDuration(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, d >= 0
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 || math.IsNaN(secs) {
		return 0, false
	}
	// float64(math.MaxInt64) rounds up to 2^63, so equality already overflows.
	ns := secs * float64(time.Second)
	if ns >= float64(math.MaxInt64) {
		return 0, false
	}
	return time.Duration(ns), true
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
