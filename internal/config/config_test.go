package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8090")
	}
	if cfg.BackendBaseURL != "http://localhost:8000" {
		t.Fatalf("BackendBaseURL = %q", cfg.BackendBaseURL)
	}
	if cfg.DeepgramAPIKey != "" {
		t.Fatalf("DeepgramAPIKey = %q, want empty default", cfg.DeepgramAPIKey)
	}
	if cfg.SampleRate != 16000 {
		t.Fatalf("SampleRate = %d, want 16000", cfg.SampleRate)
	}
	if cfg.TonePreset != "neutral" {
		t.Fatalf("TonePreset = %q, want %q", cfg.TonePreset, "neutral")
	}
}

func TestLoadExplicitPollInterval(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SCHEDULE_POLL_INTERVAL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SchedulePollInterval.Seconds() != 30 {
		t.Fatalf("SchedulePollInterval = %v, want 30s", cfg.SchedulePollInterval)
	}
}

func TestLoadRejectsTooShortPollInterval(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SCHEDULE_POLL_INTERVAL", "1s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want poll interval validation error")
	}
}

func TestLoadRejectsUnknownTonePreset(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_TONE_PRESET", "gravelly")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want tone preset validation error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_SCHEDULE_POLL_INTERVAL",
		"APP_USER_ID",
		"APP_SAMPLE_RATE",
		"APP_QUESTION_LOOKBACK_DAYS",
		"APP_TONE_PRESET",
		"APP_STORE_PATH",
		"BACKEND_BASE_URL",
		"BACKEND_TIMEOUT",
		"DEEPGRAM_API_KEY",
		"DEEPGRAM_WS_BASE_URL",
		"DEEPGRAM_HTTP_BASE_URL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
