// Package admin implements the Control & Status Surface (C8): a
// session-cookie-protected admin console distinct from the API-key-gated
// proxy routes, plus the API-key auth middleware that guards the latter.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/browserproxy/internal/credential"
	"github.com/relaycore/browserproxy/internal/events"
	"github.com/relaycore/browserproxy/internal/pipeline"
	"github.com/relaycore/browserproxy/internal/relaychannel"
	"github.com/relaycore/browserproxy/internal/rotation"
	"github.com/relaycore/browserproxy/internal/store"
)

const (
	sessionCookie = "cc_session"
	sessionTTL    = 30 * 24 * time.Hour
)

// Server holds everything the admin HTTP surface needs to read or mutate.
// The admin console is session-cookie protected; the login password is any
// allow-listed API key, and a successful login mints an opaque session token
// so the key itself never rides in the cookie.
type Server struct {
	rotation    *rotation.Controller
	settings    *pipeline.Settings
	channel     *relaychannel.Channel
	bus         *events.Bus
	logs        *events.LogHandler
	db          *store.Store
	credentials *credential.Store

	apiKeys          []string
	switchOnUses     int
	failureThreshold int

	sessMu   sync.Mutex
	sessions map[string]time.Time // token → expiry

	relayProbeTarget string
	relayProbeProxy  *relaychannel.ProxyConfig
}

func New(rc *rotation.Controller, settings *pipeline.Settings, channel *relaychannel.Channel, bus *events.Bus, logs *events.LogHandler, db *store.Store, credentials *credential.Store, apiKeys []string, switchOnUses, failureThreshold int) *Server {
	return &Server{
		rotation:         rc,
		settings:         settings,
		channel:          channel,
		bus:              bus,
		logs:             logs,
		db:               db,
		credentials:      credentials,
		apiKeys:          apiKeys,
		switchOnUses:     switchOnUses,
		failureThreshold: failureThreshold,
		sessions:         make(map[string]time.Time),
	}
}

// SetRelayProbe configures the optional reachability probe exposed by
// GET /api/relay-probe (SPEC_FULL.md §5's golang.org/x/net/proxy wiring).
// target is host:port; proxyCfg may be nil to probe directly.
func (s *Server) SetRelayProbe(target string, proxyCfg *relaychannel.ProxyConfig) {
	s.relayProbeTarget = target
	s.relayProbeProxy = proxyCfg
}

// RequireAPIKey gates the OpenAI-shaped proxy routes, accepting a key from
// any of the four documented carriers (spec.md §6).
func (s *Server) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractAPIKey(r)
		if key == "" || !s.keyAllowed(key) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"E007","message":"invalid api key"}}`))
			return
		}

		if r.URL.RawQuery != "" {
			q := r.URL.Query()
			q.Del("key")
			r.URL.RawQuery = q.Encode()
		}
		next.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	if k := r.Header.Get("x-goog-api-key"); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	return r.URL.Query().Get("key")
}

func (s *Server) keyAllowed(key string) bool {
	for _, k := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	if s.db == nil {
		return false
	}
	_, ok := s.db.UserByKey(key)
	return ok
}

func (s *Server) sessionValid(r *http.Request) bool {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	expiry, ok := s.sessions[cookie.Value]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(s.sessions, cookie.Value)
		return false
	}
	return true
}

// requireAdminSession protects the HTML console and its JSON API.
func (s *Server) requireAdminSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.sessionValid(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/login", s.handleLoginPage)
	mux.HandleFunc("POST /admin/login", s.handleLogin)
	mux.HandleFunc("GET /admin/", s.handleConsole)

	mux.HandleFunc("GET /api/status", s.requireAdminSession(s.handleStatus))
	mux.HandleFunc("POST /api/switch-account", s.requireAdminSession(s.handleSwitchAccount))
	mux.HandleFunc("POST /api/set-mode", s.requireAdminSession(s.handleSetMode))
	mux.HandleFunc("POST /api/toggle-reasoning", s.requireAdminSession(s.handleToggleReasoning))
	mux.HandleFunc("POST /api/toggle-native-reasoning", s.requireAdminSession(s.handleToggleNativeReasoning))
	mux.HandleFunc("POST /api/toggle-redirect-25-30", s.requireAdminSession(s.handleToggleRedirect2530))
	mux.HandleFunc("POST /api/set-resume-config", s.requireAdminSession(s.handleSetResumeConfig))
	mux.HandleFunc("GET /api/events", s.requireAdminSession(s.handleEvents))
	mux.HandleFunc("GET /api/dashboard", s.requireAdminSession(s.handleDashboard))
	mux.HandleFunc("GET /api/requests", s.requireAdminSession(s.handleRequests))
	mux.HandleFunc("GET /api/audit", s.requireAdminSession(s.handleAudit))
	mux.HandleFunc("GET /api/relay-probe", s.requireAdminSession(s.handleRelayProbe))

	mux.HandleFunc("POST /api/accounts/{index}/note", s.requireAdminSession(s.handleSetAccountNote))

	mux.HandleFunc("GET /api/users", s.requireAdminSession(s.handleListUsers))
	mux.HandleFunc("POST /api/users", s.requireAdminSession(s.handleCreateUser))
	mux.HandleFunc("DELETE /api/users/{id}", s.requireAdminSession(s.handleDeleteUser))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(loginHTML))
}

const loginHTML = `<!doctype html>
<html><head><title>relaycore admin</title></head>
<body>
<h1>relaycore admin</h1>
<form method="post" action="/admin/login">
<input type="password" name="apiKey" placeholder="API key" autofocus>
<button type="submit">sign in</button>
</form>
</body></html>`

// handleConsole serves the single-page admin console. Unlike the JSON API
// routes, a missing session redirects to the login form instead of a 401.
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	if !s.sessionValid(r) {
		http.Redirect(w, r, "/admin/login", http.StatusSeeOther)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(consoleHTML))
}

const consoleHTML = `<!doctype html>
<html><head><title>relaycore admin</title>
<style>
body { font-family: monospace; margin: 2em; }
pre { background: #f4f4f4; padding: 1em; overflow-x: auto; }
button { margin-right: .5em; }
#log { max-height: 20em; overflow-y: auto; }
</style></head>
<body>
<h1>relaycore admin</h1>
<div>
<button onclick="post('/api/switch-account')">switch account</button>
<button onclick="post('/api/set-mode', {mode:'real'})">mode: real</button>
<button onclick="post('/api/set-mode', {mode:'fake'})">mode: fake</button>
<button onclick="post('/api/toggle-reasoning')">toggle reasoning</button>
<button onclick="post('/api/toggle-native-reasoning')">toggle native reasoning</button>
<button onclick="post('/api/toggle-redirect-25-30')">toggle 2.5→3.0 redirect</button>
</div>
<h2>status</h2>
<pre id="status">loading…</pre>
<h2>activity</h2>
<pre id="log"></pre>
<script>
async function refresh() {
  const res = await fetch('/api/status');
  document.getElementById('status').textContent = JSON.stringify(await res.json(), null, 2);
}
async function post(path, body) {
  await fetch(path, {method:'POST', headers:{'Content-Type':'application/json'}, body: body ? JSON.stringify(body) : null});
  refresh();
}
const log = document.getElementById('log');
const es = new EventSource('/api/events');
for (const kind of ['event', 'log']) {
  es.addEventListener(kind, e => {
    log.textContent += e.data + '\n';
    log.scrollTop = log.scrollHeight;
  });
}
refresh();
setInterval(refresh, 5000);
</script>
</body></html>`

// handleLogin accepts any allow-listed API key as the console password
// (spec.md §6) and mints an opaque session token for the cookie.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	key := r.FormValue("apiKey")
	if key == "" || !s.keyAllowed(key) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token := uuid.New().String()
	s.sessMu.Lock()
	s.sessions[token] = time.Now().Add(sessionTTL)
	s.sessMu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessionTTL / time.Second),
	})
	http.Redirect(w, r, "/admin/", http.StatusSeeOther)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.rotation.Snapshot()
	name, _ := s.credentials.NameOf(snap.CurrentIndex)

	id, _, recent := s.logs.Subscribe()
	s.logs.Unsubscribe(id) // only wanted the catch-up snapshot, not a live feed

	accountDetails := s.accountDetails()

	writeJSON(w, http.StatusOK, map[string]any{
		"streamingMode":      s.settings.StreamingMode(),
		"browserConnected":   s.channel.IsConnected(),
		"currentAuthIndex":   snap.CurrentIndex,
		"currentAccountName": name,
		"usageCount":         fmt.Sprintf("%d/%d", snap.UsageCount, s.switchOnUses),
		"failureCount":       fmt.Sprintf("%d/%d", snap.FailureCount, s.failureThreshold),
		"pendingSwitch":      snap.PendingSwitch,
		"authSwitching":      snap.AuthSwitching,
		"unavailable":        snap.Unavailable,
		"activeRequestCount": snap.ActiveRequestCount,
		"accountIndices":     s.credentials.AvailableIndices(),
		"accountDetails":     accountDetails,
		"recentLogLines":     recent,
	})
}

// accountDetails merges the Credential Store's read-only index/name pairs
// with the admin-settable note/lastSwitchedAt metadata (SPEC_FULL.md §6)
// for the status and dashboard views. Never consulted by rotation logic.
func (s *Server) accountDetails() []map[string]any {
	indices := s.credentials.AvailableIndices()
	var meta map[int]store.AccountMeta
	if s.db != nil {
		meta, _ = s.db.AllAccountMeta()
	}
	out := make([]map[string]any, 0, len(indices))
	for _, idx := range indices {
		name, _ := s.credentials.NameOf(idx)
		entry := map[string]any{
			"index":       idx,
			"accountName": name,
			"note":        "",
		}
		if m, ok := meta[idx]; ok {
			entry["note"] = m.Note
			if m.LastSwitchedAt != nil {
				entry["lastSwitchedAt"] = m.LastSwitchedAt.Format(time.RFC3339)
			}
		}
		out = append(out, entry)
	}
	return out
}

func (s *Server) handleSetAccountNote(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}
	var body struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	if s.db == nil {
		http.Error(w, "persistence disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.db.SetAccountNote(index, body.Note); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": index, "note": body.Note})
}

// handleRelayProbe is a diagnostic endpoint: it dials the configured relay
// reachability target (optionally through a SOCKS5 egress hop) and reports
// success/failure, independent of whether a relay is currently connected.
func (s *Server) handleRelayProbe(w http.ResponseWriter, r *http.Request) {
	if s.relayProbeTarget == "" {
		writeJSON(w, http.StatusOK, map[string]any{"configured": false})
		return
	}
	err := relaychannel.ProbeReachable(r.Context(), s.relayProbeTarget, s.relayProbeProxy, 5*time.Second)
	resp := map[string]any{"configured": true, "target": s.relayProbeTarget, "reachable": err == nil}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	users, err := s.db.ListUsers()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "persistence disabled", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Name string `json:"name"`
		Key  string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" || body.Key == "" {
		http.Error(w, "name and key are required", http.StatusBadRequest)
		return
	}
	u, err := s.db.CreateUser(body.Name, body.Key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "persistence disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.db.DeleteUser(r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSwitchAccount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetIndex *int `json:"targetIndex"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.rotation.ManualSwitch(body.TargetIndex); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "reason": "switch scheduled"})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || (body.Mode != "real" && body.Mode != "fake") {
		http.Error(w, "mode must be real or fake", http.StatusBadRequest)
		return
	}
	s.settings.SetStreamingMode(body.Mode)
	writeJSON(w, http.StatusOK, map[string]any{"streamingMode": body.Mode})
}

func (s *Server) handleToggleReasoning(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"reasoningEnabled": s.settings.ToggleReasoning()})
}

func (s *Server) handleToggleNativeReasoning(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nativeReasoningEnabled": s.settings.ToggleNativeReasoning()})
}

func (s *Server) handleToggleRedirect2530(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"redirect25To30": s.settings.ToggleRedirect2530()})
}

func (s *Server) handleSetResumeConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit int `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	s.settings.SetResumeConfig(body.Limit)
	writeJSON(w, http.StatusOK, map[string]any{"resumeLimit": body.Limit, "enableResume": body.Limit > 0})
}

// handleEvents is a combined SSE stream of bus events and log lines, for
// the admin console's live activity feed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	eventID, eventCh, recentEvents := s.bus.Subscribe()
	defer s.bus.Unsubscribe(eventID)
	logID, logCh, recentLogs := s.logs.Subscribe()
	defer s.logs.Unsubscribe(logID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, e := range recentEvents {
		writeSSE(w, "event", e)
	}
	for _, l := range recentLogs {
		writeSSE(w, "log", l)
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-eventCh:
			if !ok {
				return
			}
			writeSSE(w, "event", e)
			flusher.Flush()
		case l, ok := <-logCh:
			if !ok {
				return
			}
			writeSSE(w, "log", l)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	stats, err := s.db.DashboardStats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.db.ListRequests(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.db.ListAudit(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
