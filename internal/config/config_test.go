package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Host != "0.0.0.0" || cfg.Port != 7860 {
		t.Fatalf("unexpected host/port defaults: %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.WSPort != 9998 {
		t.Fatalf("unexpected ws port default: %d", cfg.WSPort)
	}
	if len(cfg.APIKeys) != 1 || cfg.APIKeys[0] != "123456" {
		t.Fatalf("unexpected api keys default: %v", cfg.APIKeys)
	}
	if len(cfg.ImmediateSwitchStatusCodes) != 2 {
		t.Fatalf("unexpected default immediate switch codes: %v", cfg.ImmediateSwitchStatusCodes)
	}
	if cfg.BrowserReadyTimeout != 60*time.Second {
		t.Fatalf("unexpected browser ready timeout default: %s", cfg.BrowserReadyTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9000")
	t.Setenv("API_KEYS", "a, b ,c")
	t.Setenv("IMMEDIATE_SWITCH_STATUS_CODES", "401,403")
	t.Setenv("REASONING_ENABLED", "true")
	t.Setenv("RETRY_DELAY", "500")

	cfg := Load()
	if cfg.Host != "127.0.0.1" || cfg.Port != 9000 {
		t.Fatalf("env override not applied: %s:%d", cfg.Host, cfg.Port)
	}
	if len(cfg.APIKeys) != 3 || cfg.APIKeys[1] != "b" {
		t.Fatalf("api keys not parsed/trimmed correctly: %v", cfg.APIKeys)
	}
	if len(cfg.ImmediateSwitchStatusCodes) != 2 || cfg.ImmediateSwitchStatusCodes[0] != 401 {
		t.Fatalf("status codes not overridden: %v", cfg.ImmediateSwitchStatusCodes)
	}
	if !cfg.ReasoningEnabled {
		t.Fatalf("expected reasoning enabled true")
	}
	if cfg.RetryDelay != 500*time.Millisecond {
		t.Fatalf("unexpected retry delay: %s", cfg.RetryDelay)
	}
}

func TestLoadMalformedEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("IMMEDIATE_SWITCH_STATUS_CODES", "401,oops")

	cfg := Load()
	if cfg.Port != 7860 {
		t.Fatalf("malformed PORT should fall back to default, got %d", cfg.Port)
	}
	if len(cfg.ImmediateSwitchStatusCodes) != 2 || cfg.ImmediateSwitchStatusCodes[0] != 429 {
		t.Fatalf("malformed status code list should fall back to default, got %v", cfg.ImmediateSwitchStatusCodes)
	}
}

func TestValidateRejectsUnknownStreamingMode(t *testing.T) {
	cfg := &Config{StreamingMode: "bogus"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for an unknown streaming mode")
	}
	cfg.StreamingMode = "fake"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
