// Package relayserver is the composition root: it wires the Credential
// Store, Relay Channel, Request Multiplexer, Rotation Controller, Request
// Pipeline, Dialect Translator, and Control & Status Surface together and
// owns the two listening HTTP servers (the public API/admin surface and
// the relay's WebSocket endpoint), replacing the teacher's single
// "system" singleton with explicit dependency wiring (spec.md §9's
// "Global singleton system object → composition root" redesign flag).
package relayserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaycore/browserproxy/internal/admin"
	"github.com/relaycore/browserproxy/internal/browsersession"
	"github.com/relaycore/browserproxy/internal/config"
	"github.com/relaycore/browserproxy/internal/credential"
	"github.com/relaycore/browserproxy/internal/events"
	"github.com/relaycore/browserproxy/internal/multiplexer"
	"github.com/relaycore/browserproxy/internal/pipeline"
	"github.com/relaycore/browserproxy/internal/relaychannel"
	"github.com/relaycore/browserproxy/internal/rotation"
	"github.com/relaycore/browserproxy/internal/store"
)

// Server owns every wired component and the two HTTP listeners.
type Server struct {
	cfg *config.Config

	credentials *credential.Store
	channel     *relaychannel.Channel
	mux         *multiplexer.Multiplexer
	rotation    *rotation.Controller
	session     *browsersession.ProcessOrchestrator
	pipeline    *pipeline.Pipeline
	settings    *pipeline.Settings
	bus         *events.Bus
	admin       *admin.Server

	apiServer *http.Server
	wsServer  *http.Server
}

// New builds every component per spec.md §4 and wires them per §2's data
// flow, using db/bus/logs already opened by the caller (cmd/relay/main.go)
// so their lifecycle isn't hidden inside this constructor.
func New(cfg *config.Config, db *store.Store, bus *events.Bus, logs *events.LogHandler) (*Server, error) {
	credentials, err := credential.Discover(cfg.CredentialSourceDir)
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}

	if db != nil {
		db.SetEncryptionKey(cfg.EncryptionKey)
	}

	mux := multiplexer.New()
	channel := relaychannel.New(mux)

	session := browsersession.NewProcessOrchestrator(
		cfg.CamoufoxExecutablePath,
		fmt.Sprintf("ws://%s:%d/relay", cfg.Host, cfg.WSPort),
		func(index int) ([]byte, bool) {
			b := credentials.Load(index)
			if b == nil {
				return nil, false
			}
			return b.Raw, true
		},
		cfg.BrowserReadyTimeout,
	)
	session.SetChannel(channel)

	rotCfg := rotation.Config{
		InitialAuthIndex:           cfg.InitialAuthIndex,
		SwitchOnUses:               cfg.SwitchOnUses,
		FailureThreshold:           cfg.FailureThreshold,
		ImmediateSwitchStatusCodes: cfg.ImmediateSwitchStatusCodes,
	}
	rc := rotation.New(rotCfg, credentials, session, bus)

	settings := pipeline.NewSettings(cfg.StreamingMode, cfg.ReasoningEnabled, cfg.NativeReasoningEnabled, cfg.Redirect25To30, cfg.ResumeLimit)
	pl := pipeline.New(channel, mux, rc, session, settings, bus, cfg.MaxRetries, cfg.RetryDelay)

	channel.OnStateChange(
		func() { bus.Publish(events.Event{Type: events.EventRelayConnected}) },
		func() { bus.Publish(events.Event{Type: events.EventRelayDisconnected}) },
		func() { bus.Publish(events.Event{Type: events.EventRelayGraceExpired}) },
	)

	adminSrv := admin.New(rc, settings, channel, bus, logs, db, credentials, cfg.APIKeys, cfg.SwitchOnUses, cfg.FailureThreshold)
	if cfg.RelayProbeTarget != "" {
		var proxyCfg *relaychannel.ProxyConfig
		if cfg.RelayProbeSOCKS5 != "" {
			proxyCfg = &relaychannel.ProxyConfig{Address: cfg.RelayProbeSOCKS5, Username: cfg.RelayProbeUsername, Password: cfg.RelayProbePassword}
		}
		adminSrv.SetRelayProbe(cfg.RelayProbeTarget, proxyCfg)
	}

	if db != nil {
		go auditRotationEvents(bus, db)
		go logRequestEvents(bus, db)
	}

	s := &Server{
		cfg:         cfg,
		credentials: credentials,
		channel:     channel,
		mux:         mux,
		rotation:    rc,
		session:     session,
		pipeline:    pl,
		settings:    settings,
		bus:         bus,
		admin:       adminSrv,
	}

	apiMux := http.NewServeMux()
	s.registerAPIRoutes(apiMux)
	s.apiServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(apiMux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   0, // streaming responses run far longer than any fixed write deadline
		MaxHeaderBytes: 1 << 20,
	}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/relay", channel.ServeHTTP)
	s.wsServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.WSPort),
		Handler: wsMux,
	}

	return s, nil
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	s.admin.RegisterRoutes(mux)

	mux.Handle("GET /v1/models", s.admin.RequireAPIKey(http.HandlerFunc(s.pipeline.ServeModels)))
	mux.Handle("POST /v1/chat/completions", s.admin.RequireAPIKey(http.HandlerFunc(s.pipeline.ServeChatCompletions)))
	mux.Handle("GET /health", http.HandlerFunc(s.handleHealth))

	// Passthrough: every other path/method forwards verbatim to the relay
	// (spec.md §6). Registered last so it never shadows the routes above.
	mux.Handle("/", s.admin.RequireAPIKey(http.HandlerFunc(s.pipeline.ServePassthrough)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"status":"ok","relayConnected":%t}`, s.channel.IsConnected())
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// Run starts both listeners and blocks until a shutdown signal or a fatal
// listener error, then drains both servers and the spawned browser process.
func (s *Server) Run() error {
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		slog.Info("api server starting", "addr", s.apiServer.Addr)
		if err := s.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		slog.Info("relay channel listening", "addr", s.wsServer.Addr)
		if err := s.wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		cancel()
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	s.session.Close()
	err1 := s.apiServer.Shutdown(shutdownCtx)
	err2 := s.wsServer.Shutdown(shutdownCtx)
	if err1 != nil {
		return err1
	}
	return err2
}

// auditRotationEvents persists every rotation-related bus event to the
// audit log and touches account_meta.last_switched_at on completion
// (SPEC_FULL.md §6), keeping the Rotation Controller itself free of any
// storage dependency.
func auditRotationEvents(bus *events.Bus, db *store.Store) {
	id, ch, _ := bus.Subscribe()
	defer bus.Unsubscribe(id)
	for e := range ch {
		switch e.Type {
		case events.EventRotationPending, events.EventRotationSwitching, events.EventRotationComplete, events.EventRotationRollback, events.EventRotationUnavail:
			if err := db.LogAudit(store.AuditEntry{EventType: string(e.Type), AuthIndex: e.Index, Message: e.Message}); err != nil {
				slog.Warn("audit log write failed", "error", err)
			}
			if e.Type == events.EventRotationComplete {
				if err := db.TouchLastSwitched(e.Index); err != nil {
					slog.Warn("account_meta touch failed", "error", err)
				}
			}
		}
	}
}

// logRequestEvents persists every finalized request to the request log so
// the admin dashboard (SPEC_FULL.md §6) reflects real traffic instead of
// staying empty forever, keeping the Request Pipeline itself free of any
// storage dependency — it only publishes to the bus.
func logRequestEvents(bus *events.Bus, db *store.Store) {
	id, ch, _ := bus.Subscribe()
	defer bus.Unsubscribe(id)
	for e := range ch {
		if e.Type != events.EventRequestFinalized {
			continue
		}
		entry := store.RequestLogEntry{
			RequestID:    e.RequestID,
			Path:         e.Path,
			Method:       e.Method,
			Status:       e.Status,
			AuthIndex:    e.Index,
			DurationMS:   e.DurationMS,
			FinishReason: e.FinishReason,
		}
		if err := db.LogRequest(entry); err != nil {
			slog.Warn("request log write failed", "error", err)
		}
	}
}
