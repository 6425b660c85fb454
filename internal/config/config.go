// Package config loads the typed, environment-sourced configuration for the
// proxy: server bind address, rotation thresholds, relay timeouts, and the
// admin/API authentication secrets.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP server
	Host string
	Port int

	// Relay Channel (C2) — the in-browser relay script connects here
	WSPort int

	// Rotation Controller (C4)
	StreamingMode              string // "real" | "fake"
	FailureThreshold           int
	SwitchOnUses               int
	MaxRetries                 int
	RetryDelay                 time.Duration
	ImmediateSwitchStatusCodes []int
	InitialAuthIndex           int

	// Request Pipeline (C6) toggles
	ReasoningEnabled       bool
	NativeReasoningEnabled bool
	Redirect25To30         bool
	ResumeLimit            int

	// API-key allowlist; also the admin console's login password (C6/C8)
	APIKeys []string

	// Admin surface (C8)
	DBPath string

	// Credential Store (C1)
	CredentialSourceDir string

	// Browser Session Orchestrator (C5) process launcher
	CamoufoxExecutablePath string
	BrowserReadyTimeout    time.Duration

	// account_meta.note at-rest encryption (internal/store)
	EncryptionKey string

	// Optional relay-reachability diagnostic (golang.org/x/net/proxy)
	RelayProbeTarget   string
	RelayProbeSOCKS5   string
	RelayProbeUsername string
	RelayProbePassword string

	// Ambient
	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 7860),

		WSPort: envInt("WS_PORT", 9998),

		StreamingMode:              envOr("STREAMING_MODE", "real"),
		FailureThreshold:           envInt("FAILURE_THRESHOLD", 3),
		SwitchOnUses:               envInt("SWITCH_ON_USES", 40),
		MaxRetries:                 envInt("MAX_RETRIES", 1),
		RetryDelay:                 envMillis("RETRY_DELAY", 2000),
		ImmediateSwitchStatusCodes: envIntList("IMMEDIATE_SWITCH_STATUS_CODES", []int{429, 503}),
		InitialAuthIndex:           envInt("INITIAL_AUTH_INDEX", 1),

		ReasoningEnabled:       envBool("REASONING_ENABLED", false),
		NativeReasoningEnabled: envBool("NATIVE_REASONING_ENABLED", false),
		Redirect25To30:         envBool("REDIRECT_25_TO_30", false),
		ResumeLimit:            envInt("RESUME_LIMIT", 0),

		APIKeys: envList("API_KEYS", []string{"123456"}),

		DBPath: envOr("DB_PATH", "./browserproxy.db"),

		CredentialSourceDir: os.Getenv("CREDENTIAL_DIR"),

		CamoufoxExecutablePath: os.Getenv("CAMOUFOX_EXECUTABLE_PATH"),
		BrowserReadyTimeout:    envMillis("BROWSER_READY_TIMEOUT", 60000),

		EncryptionKey: envOr("ENCRYPTION_KEY", "dev-insecure-default-key"),

		RelayProbeTarget:   os.Getenv("RELAY_PROBE_TARGET"),
		RelayProbeSOCKS5:   os.Getenv("RELAY_PROBE_SOCKS5"),
		RelayProbeUsername: os.Getenv("RELAY_PROBE_USERNAME"),
		RelayProbePassword: os.Getenv("RELAY_PROBE_PASSWORD"),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

// Validate reports a fatal configuration error. Every key falls back to its
// documented default on a missing or unparseable value (an empty API_KEYS is
// logged as a warning by the caller), so the only check left is a streaming
// mode that was set to something neither strategy implements.
func (c *Config) Validate() error {
	if c.StreamingMode != "real" && c.StreamingMode != "fake" {
		return &configError{field: "STREAMING_MODE", value: c.StreamingMode}
	}
	return nil
}

type configError struct{ field, value string }

func (e *configError) Error() string { return "invalid value for " + e.field + ": " + e.value }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envMillis(key string, fallbackMs int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(fallbackMs) * time.Millisecond
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func envIntList(key string, fallback []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return fallback
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
