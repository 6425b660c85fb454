package relayserver

import (
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaycore/browserproxy/internal/config"
	"github.com/relaycore/browserproxy/internal/events"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("AUTH_JSON_1", `{"accountName":"acct-1"}`)
	return &config.Config{
		Host:                   "127.0.0.1",
		Port:                   0,
		WSPort:                 0,
		StreamingMode:          "real",
		FailureThreshold:       3,
		SwitchOnUses:           40,
		MaxRetries:             1,
		RetryDelay:             10 * time.Millisecond,
		InitialAuthIndex:       1,
		APIKeys:                []string{"test-key"},
		CamoufoxExecutablePath: "/bin/true",
		BrowserReadyTimeout:    time.Second,
		EncryptionKey:          "",
	}
}

func TestNewWiresAllComponentsWithoutError(t *testing.T) {
	cfg := testConfig(t)
	bus := events.NewBus(16)
	logs := events.NewLogHandler(slog.LevelInfo, 16)

	s, err := New(cfg, nil, bus, logs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.apiServer == nil || s.wsServer == nil {
		t.Fatalf("expected both listeners configured")
	}
}

func TestNewFailsWithoutAnyCredentials(t *testing.T) {
	cfg := &config.Config{
		Host:             "127.0.0.1",
		InitialAuthIndex: 1,
	}
	bus := events.NewBus(16)
	logs := events.NewLogHandler(slog.LevelInfo, 16)

	if _, err := New(cfg, nil, bus, logs); err == nil {
		t.Fatalf("expected error when no credential bundles are configured")
	}
}

func TestHealthEndpointReportsRelayDisconnected(t *testing.T) {
	cfg := testConfig(t)
	bus := events.NewBus(16)
	logs := events.NewLogHandler(slog.LevelInfo, 16)

	s, err := New(cfg, nil, bus, logs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	s.apiServer.Handler.ServeHTTP(w, r)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := w.Body.String(); !strings.Contains(body, `"relayConnected":false`) {
		t.Fatalf("expected relayConnected false in body, got %s", body)
	}
}
