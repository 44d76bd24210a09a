// Package config loads orchestrator configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/agentic-mx/agentic/pkg/models"
)

// Config holds every tunable of the orchestrator. All durations come
// from environment variables with the defaults documented on each field.
type Config struct {
	// DatabaseURL is the Postgres DSN (required).
	DatabaseURL string

	// RedisURL is the Redis connection URL. Default redis://localhost:6379.
	RedisURL string

	// LockTTL bounds one AI turn; a crashed holder yields after this.
	// LOCK_TTL in seconds, default 60s.
	LockTTL time.Duration

	// ConversationTTL is the fast-cache TTL, refreshed on every append.
	// CONV_TTL_SECONDS, default 7 days.
	ConversationTTL time.Duration

	// MaxMessages caps the conversation history. CONV_MAX_MESSAGES, default 100.
	MaxMessages int

	// HistoryDays bounds durable reconstruction. CONV_PG_HISTORY_DAYS, default 30.
	HistoryDays int

	// AutomationInterval is the sweeper period. AUTOMATION_CHECK_INTERVAL_MS,
	// default 30 minutes.
	AutomationInterval time.Duration

	// GeminiAPIKey and OpenAIAPIKey authenticate the provider clients.
	GeminiAPIKey string
	OpenAIAPIKey string

	// PrimaryProvider serves bots whose pinned provider is not one of
	// the configured backends, and requests that do not pin one.
	PrimaryProvider models.AIProvider

	// FallbackProvider and FallbackModel are used on primary chat failure.
	FallbackProvider models.AIProvider
	FallbackModel    string

	// Timezone is the IANA zone for get_current_time and time-conditional
	// flow steps. Default America/Mexico_City.
	Timezone string

	// MetricsAddr is the Prometheus listen address. Default :9090.
	MetricsAddr string

	// LogLevel is one of debug, info, warn, error. Default info.
	LogLevel string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           envOr("REDIS_URL", "redis://localhost:6379"),
		LockTTL:            time.Duration(envInt("LOCK_TTL", 60)) * time.Second,
		ConversationTTL:    time.Duration(envInt("CONV_TTL_SECONDS", 7*24*3600)) * time.Second,
		MaxMessages:        envInt("CONV_MAX_MESSAGES", 100),
		HistoryDays:        envInt("CONV_PG_HISTORY_DAYS", 30),
		AutomationInterval: time.Duration(envInt("AUTOMATION_CHECK_INTERVAL_MS", 30*60*1000)) * time.Millisecond,
		GeminiAPIKey:       os.Getenv("GEMINI_API_KEY"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		PrimaryProvider:    models.AIProvider(envOr("PRIMARY_AI_PROVIDER", string(models.ProviderGemini))),
		FallbackProvider:   models.AIProvider(envOr("FALLBACK_AI_PROVIDER", string(models.ProviderOpenAI))),
		FallbackModel:      envOr("FALLBACK_MODEL", "gpt-4o-mini"),
		Timezone:           envOr("BOT_TIMEZONE", "America/Mexico_City"),
		MetricsAddr:        envOr("METRICS_ADDR", ":9090"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.MaxMessages <= 0 {
		return nil, fmt.Errorf("CONV_MAX_MESSAGES must be positive")
	}
	switch cfg.PrimaryProvider {
	case models.ProviderGemini, models.ProviderOpenAI:
	default:
		return nil, fmt.Errorf("unknown PRIMARY_AI_PROVIDER %q", cfg.PrimaryProvider)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
