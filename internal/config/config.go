package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the chat gateway.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool

	LogLevel  string
	LogFormat string

	LLMProvider         string
	LLMChatURL          string
	LLMTimeout          time.Duration
	LLMFirstByteTimeout time.Duration
	OpenAIAPIKey        string
	OpenAIModel         string
	OpenAIBaseURL       string

	TTSURL         string
	TTSTimeout     time.Duration
	TTSMaxInFlight int

	SegmentMinChars        int
	NativeMSPerChar        int
	RevealFallbackDuration time.Duration

	ProfilerReportSchedule string

	DatabaseURL string
}

// Load reads a .env file when present, then environment variables, and
// applies defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "dextora"),
		LogLevel:                 envOrDefault("LOG_LEVEL", "info"),
		LogFormat:                envOrDefault("LOG_FORMAT", "console"),
		LLMProvider:              envOrDefault("LLM_PROVIDER", "auto"),
		LLMChatURL:               envOrDefault("LLM_CHAT_URL", "http://localhost:8000/chat"),
		OpenAIAPIKey:             stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIModel:              envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:            stringsTrimSpace("OPENAI_BASE_URL"),
		TTSURL:                   envOrDefault("TTS_URL", "http://localhost:8000/tts"),
		TTSTimeout:               30 * time.Second,
		TTSMaxInFlight:           3,
		SegmentMinChars:          10,
		NativeMSPerChar:          60,
		RevealFallbackDuration:   1500 * time.Millisecond,
		ProfilerReportSchedule:   stringsTrimSpace("PROFILER_REPORT_SCHEDULE"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.LLMTimeout, err = durationFromEnv("LLM_TIMEOUT", cfg.LLMTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LLMFirstByteTimeout, err = durationFromEnv("LLM_FIRST_BYTE_TIMEOUT", cfg.LLMFirstByteTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TTSTimeout, err = durationFromEnv("TTS_TIMEOUT", cfg.TTSTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TTSMaxInFlight, err = intFromEnv("TTS_MAX_INFLIGHT", cfg.TTSMaxInFlight); err != nil {
		return Config{}, err
	}
	if cfg.SegmentMinChars, err = intFromEnv("SEGMENT_MIN_CHARS", cfg.SegmentMinChars); err != nil {
		return Config{}, err
	}
	if cfg.NativeMSPerChar, err = intFromEnv("NATIVE_MS_PER_CHAR", cfg.NativeMSPerChar); err != nil {
		return Config{}, err
	}
	if cfg.RevealFallbackDuration, err = durationFromEnv("REVEAL_FALLBACK_DURATION", cfg.RevealFallbackDuration); err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.LLMTimeout < 0 || cfg.LLMFirstByteTimeout < 0 {
		return Config{}, fmt.Errorf("LLM timeouts must be >= 0")
	}
	if cfg.TTSMaxInFlight <= 0 {
		return Config{}, fmt.Errorf("TTS_MAX_INFLIGHT must be positive")
	}
	if cfg.SegmentMinChars <= 0 {
		return Config{}, fmt.Errorf("SEGMENT_MIN_CHARS must be positive")
	}
	if cfg.NativeMSPerChar <= 0 {
		return Config{}, fmt.Errorf("NATIVE_MS_PER_CHAR must be positive")
	}
	if cfg.RevealFallbackDuration <= 0 {
		return Config{}, fmt.Errorf("REVEAL_FALLBACK_DURATION must be positive")
	}
	switch strings.ToLower(cfg.LLMProvider) {
	case "auto", "http", "openai", "mock":
	default:
		return Config{}, fmt.Errorf("invalid LLM_PROVIDER: %q (expected auto|http|openai|mock)", cfg.LLMProvider)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
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
	v := stringsTrimSpace(key)
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
	v := strings.ToLower(stringsTrimSpace(key))
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
