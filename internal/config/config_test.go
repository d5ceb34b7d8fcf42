package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("OPENAI_REALTIME_MODEL", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.OpenAIRealtimeModel == "" {
		t.Fatalf("expected default realtime model, got empty")
	}
	if cfg.BookingMaxAttempts != 3 {
		t.Fatalf("expected default booking attempts, got %d", cfg.BookingMaxAttempts)
	}
	if cfg.ConversationIdleTimeout != 90*time.Second {
		t.Fatalf("expected default idle timeout, got %s", cfg.ConversationIdleTimeout)
	}
	if cfg.CallStateTTL != 24*time.Hour {
		t.Fatalf("expected default call state TTL, got %s", cfg.CallStateTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("BOOKING_MAX_ATTEMPTS", "5")
	t.Setenv("BOOKING_RETRY_BASE_WAIT", "500ms")
	t.Setenv("SLOT_WINDOW_DAYS", "30")
	t.Setenv("CONVERSATION_IDLE_TIMEOUT", "2m")
	t.Setenv("REDIS_TLS", "true")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Fatalf("expected env override, got %s", cfg.Env)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected db override, got %s", cfg.DatabaseURL)
	}
	if cfg.BookingMaxAttempts != 5 {
		t.Fatalf("expected booking attempts override, got %d", cfg.BookingMaxAttempts)
	}
	if cfg.BookingRetryBaseWait != 500*time.Millisecond {
		t.Fatalf("expected retry base wait override, got %s", cfg.BookingRetryBaseWait)
	}
	if cfg.SlotWindowDays != 30 {
		t.Fatalf("expected slot window override, got %d", cfg.SlotWindowDays)
	}
	if cfg.ConversationIdleTimeout != 2*time.Minute {
		t.Fatalf("expected idle timeout override, got %s", cfg.ConversationIdleTimeout)
	}
	if !cfg.RedisTLS {
		t.Fatalf("expected redis TLS override")
	}
}
