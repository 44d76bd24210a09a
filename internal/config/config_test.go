package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/agentic")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LockTTL != 60*time.Second {
		t.Errorf("LockTTL = %v, want 60s", cfg.LockTTL)
	}
	if cfg.MaxMessages != 100 {
		t.Errorf("MaxMessages = %d, want 100", cfg.MaxMessages)
	}
	if cfg.AutomationInterval != 30*time.Minute {
		t.Errorf("AutomationInterval = %v, want 30m", cfg.AutomationInterval)
	}
	if cfg.FallbackModel != "gpt-4o-mini" {
		t.Errorf("FallbackModel = %q", cfg.FallbackModel)
	}
	if cfg.Timezone != "America/Mexico_City" {
		t.Errorf("Timezone = %q", cfg.Timezone)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/agentic")
	t.Setenv("LOCK_TTL", "30")
	t.Setenv("CONV_MAX_MESSAGES", "50")
	t.Setenv("PRIMARY_AI_PROVIDER", "OPENAI")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LockTTL != 30*time.Second {
		t.Errorf("LockTTL = %v, want 30s", cfg.LockTTL)
	}
	if cfg.MaxMessages != 50 {
		t.Errorf("MaxMessages = %d, want 50", cfg.MaxMessages)
	}
	if cfg.PrimaryProvider != "OPENAI" {
		t.Errorf("PrimaryProvider = %q", cfg.PrimaryProvider)
	}
}

func TestLoadRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/agentic")
	t.Setenv("PRIMARY_AI_PROVIDER", "CLAUDE")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
