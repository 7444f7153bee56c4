package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice journaling engine.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	BackendBaseURL string
	BackendTimeout time.Duration
	UserID         int

	DeepgramAPIKey      string
	DeepgramWSBaseURL   string
	DeepgramHTTPBaseURL string
	SampleRate          int

	SchedulePollInterval time.Duration
	QuestionLookbackDays int

	TonePreset string
	StorePath  string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8090"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "echovoice"),
		AllowAnyOrigin:   false,
		// The journaling backend (schedules, journals, reflection agents).
		BackendBaseURL:      envOrDefault("BACKEND_BASE_URL", "http://localhost:8000"),
		DeepgramWSBaseURL:   envOrDefault("DEEPGRAM_WS_BASE_URL", "wss://api.deepgram.com"),
		DeepgramHTTPBaseURL: envOrDefault("DEEPGRAM_HTTP_BASE_URL", "https://api.deepgram.com"),
		DeepgramAPIKey:      envTrimmed("DEEPGRAM_API_KEY"),
		// Linear16 mono is what both the mic shell and Deepgram agree on.
		SampleRate:               16000,
		UserID:                   1,
		SchedulePollInterval:     time.Minute,
		QuestionLookbackDays:     7,
		TonePreset:               envOrDefault("APP_TONE_PRESET", "neutral"),
		StorePath:                envOrDefault("APP_STORE_PATH", "echovoice.db"),
		BackendTimeout:           10 * time.Second,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 5 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BackendTimeout, err = durationFromEnv("BACKEND_TIMEOUT", cfg.BackendTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SchedulePollInterval, err = durationFromEnv("APP_SCHEDULE_POLL_INTERVAL", cfg.SchedulePollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.UserID, err = intFromEnv("APP_USER_ID", cfg.UserID)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("APP_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.QuestionLookbackDays, err = intFromEnv("APP_QUESTION_LOOKBACK_DAYS", cfg.QuestionLookbackDays)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SchedulePollInterval < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SCHEDULE_POLL_INTERVAL must be at least 5s")
	}
	if cfg.UserID <= 0 {
		return Config{}, fmt.Errorf("APP_USER_ID must be positive")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("APP_SAMPLE_RATE must be positive")
	}
	if cfg.QuestionLookbackDays <= 0 {
		return Config{}, fmt.Errorf("APP_QUESTION_LOOKBACK_DAYS must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.TonePreset)) {
	case "warmer", "neutral", "clear":
	default:
		return Config{}, fmt.Errorf("APP_TONE_PRESET must be one of warmer|neutral|clear")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
