// Package pipeline implements the Request Pipeline (C6): acceptance,
// auto-recovery, strategy selection among the three response modes, and
// finalisation, tying the Relay Channel, Multiplexer, and Rotation
// Controller together for every inbound HTTP request.
package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relaycore/browserproxy/internal/browsersession"
	"github.com/relaycore/browserproxy/internal/dialect"
	"github.com/relaycore/browserproxy/internal/events"
	"github.com/relaycore/browserproxy/internal/multiplexer"
	"github.com/relaycore/browserproxy/internal/relaychannel"
	"github.com/relaycore/browserproxy/internal/relayerr"
	"github.com/relaycore/browserproxy/internal/rotation"
)

const (
	alnum             = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	generalTimeout    = 600 * time.Second
	interChunkTimeout = 30 * time.Second
	pseudoTimeout     = 300 * time.Second
	modelsTimeout     = 60 * time.Second
	heartbeatInterval = 3 * time.Second
)

// Settings holds the mutable, admin-toggleable flags that sit alongside but
// outside the Rotation State proper (spec.md §4.8/§4.9).
type Settings struct {
	mu                     sync.RWMutex
	streamingMode          string // "real" | "fake"
	reasoningEnabled       bool
	nativeReasoningEnabled bool
	redirect2530           bool
	resumeLimit            int
}

func NewSettings(streamingMode string, reasoningEnabled, nativeReasoningEnabled, redirect2530 bool, resumeLimit int) *Settings {
	return &Settings{
		streamingMode:          streamingMode,
		reasoningEnabled:       reasoningEnabled,
		nativeReasoningEnabled: nativeReasoningEnabled,
		redirect2530:           redirect2530,
		resumeLimit:            resumeLimit,
	}
}

func (s *Settings) StreamingMode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamingMode
}

func (s *Settings) SetStreamingMode(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamingMode = mode
}

func (s *Settings) ToggleReasoning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasoningEnabled = !s.reasoningEnabled
	return s.reasoningEnabled
}

func (s *Settings) ToggleNativeReasoning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nativeReasoningEnabled = !s.nativeReasoningEnabled
	return s.nativeReasoningEnabled
}

func (s *Settings) ToggleRedirect2530() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirect2530 = !s.redirect2530
	return s.redirect2530
}

func (s *Settings) SetResumeConfig(limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeLimit = limit
}

func (s *Settings) snapshot() (reasoning, nativeReasoning, redirect bool, resumeLimit int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reasoningEnabled, s.nativeReasoningEnabled, s.redirect2530, s.resumeLimit
}

// Pipeline wires the Relay Channel, Multiplexer and Rotation Controller
// into the per-request control flow described in spec.md §4.6.
type Pipeline struct {
	channel  *relaychannel.Channel
	mux      *multiplexer.Multiplexer
	rotation *rotation.Controller
	session  browsersession.Orchestrator
	settings *Settings
	bus      *events.Bus

	maxRetries int
	retryDelay time.Duration
}

func New(channel *relaychannel.Channel, mux *multiplexer.Multiplexer, rc *rotation.Controller, session browsersession.Orchestrator, settings *Settings, bus *events.Bus, maxRetries int, retryDelay time.Duration) *Pipeline {
	return &Pipeline{
		channel:    channel,
		mux:        mux,
		rotation:   rc,
		session:    session,
		settings:   settings,
		bus:        bus,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

func mintRequestID() string {
	buf := make([]byte, 9)
	_, _ = rand.Read(buf)
	for i := range buf {
		buf[i] = alnum[int(buf[i])%len(alnum)]
	}
	return fmt.Sprintf("%d_%s", time.Now().UnixMilli(), string(buf))
}

func clientWantsStream(r *http.Request) bool {
	if strings.Contains(r.URL.Path, ":streamGenerateContent") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// buildHeaders copies r's headers for the relay frame, stripping
// Content-Length (recomputed on the other side) and Host.
func buildHeaders(r *http.Request) map[string][]string {
	out := make(map[string][]string, len(r.Header))
	for k, v := range r.Header {
		if strings.EqualFold(k, "Content-Length") || strings.EqualFold(k, "Host") {
			continue
		}
		out[k] = v
	}
	return out
}

// buildQuery copies r's query parameters, stripping the API key so it never
// reaches the relay/upstream.
func buildQuery(r *http.Request) map[string]string {
	out := make(map[string]string)
	for k, v := range r.URL.Query() {
		if k == "key" || len(v) == 0 {
			continue
		}
		out[k] = v[0]
	}
	return out
}

// acceptResult carries the outcome of the acceptance gate plus the minted
// request ID, used by every entrypoint below.
type acceptResult struct {
	requestID string
}

func (p *Pipeline) accept(ctx context.Context) (*acceptResult, relayerr.Code) {
	ok, reason := p.rotation.Accept()
	if !ok {
		if reason == "rotation unavailable" {
			return nil, relayerr.ByID("E003")
		}
		return nil, relayerr.ByID("E002")
	}

	if !p.channel.IsConnected() && !p.rotation.IsSystemBusy() {
		if err := p.session.SwitchTo(ctx, p.rotation.CurrentIndex()); err != nil {
			slog.Warn("pipeline: auto-recovery switchTo failed", "error", err)
		}
	}
	if !p.channel.IsConnected() {
		p.rotation.Finalize()
		return nil, relayerr.ByID("E001")
	}

	return &acceptResult{requestID: mintRequestID()}, relayerr.Code{}
}

func writeErrorJSON(w http.ResponseWriter, code relayerr.Code) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.Status)
	_, _ = w.Write(code.Body())
}

// applyModelRedirect substitutes gemini-3-pro-preview for gemini-2.5-pro
// when enabled; used on both a passthrough path and a chat-completions
// body's model field.
func applyModelRedirect(model string, enabled bool) string {
	if enabled && strings.Contains(model, "gemini-2.5-pro") {
		return strings.ReplaceAll(model, "gemini-2.5-pro", "gemini-3-pro-preview")
	}
	return model
}

// finishReasonPattern matches either dialect's spelling of the field so the
// request-log scrape works whether the chunk is still raw Google JSON or
// already translated to OpenAI's shape.
var finishReasonPattern = regexp.MustCompile(`"finish(?:Reason|_reason)"\s*:\s*"([^"]+)"`)

// scrapeFinishReason is the logging-only regex shortcut spec.md §9 permits;
// a miss just means an empty column in the request log, never a control
// flow change.
func scrapeFinishReason(raw string) string {
	m := finishReasonPattern.FindStringSubmatch(raw)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func injectNativeReasoning(body []byte) []byte {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	gc, _ := doc["generationConfig"].(map[string]any)
	if gc == nil {
		gc = map[string]any{}
		doc["generationConfig"] = gc
	}
	tc, _ := gc["thinkingConfig"].(map[string]any)
	if tc == nil {
		tc = map[string]any{}
		gc["thinkingConfig"] = tc
	}
	tc["includeThoughts"] = true
	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}

// ServeChatCompletions handles POST /v1/chat/completions: translate the
// OpenAI request to Google, forward, and translate the response back.
func (p *Pipeline) ServeChatCompletions(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorJSON(w, relayerr.ByID("E012"))
		return
	}

	var probe struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	_ = json.Unmarshal(rawBody, &probe)

	reasoning, _, redirect, _ := p.settings.snapshot()
	googleBody, model, err := dialect.RequestToGoogle(rawBody, reasoning)
	if err != nil {
		writeErrorJSON(w, relayerr.ByID("E012"))
		return
	}
	model = applyModelRedirect(model, redirect)
	path := dialect.Endpoint(model, probe.Stream)

	p.serve(w, r, serveArgs{
		method:      http.MethodPost,
		path:        path,
		body:        googleBody,
		wantsStream: probe.Stream,
		chunkTx: func(requestID, raw string) (string, bool) {
			return dialect.StreamChunkToOpenAI(raw, requestID, model)
		},
		finalTx: func(requestID string, buffered []byte) ([]byte, error) {
			return dialect.NonStreamToOpenAI(buffered, requestID, model)
		},
	})
}

// ServeModels handles GET /v1/models by passing the request through
// untranslated and reshaping the model list into OpenAI's shape.
func (p *Pipeline) ServeModels(w http.ResponseWriter, r *http.Request) {
	p.serve(w, r, serveArgs{
		method:        http.MethodGet,
		path:          "/v1beta/models",
		body:          nil,
		wantsStream:   false,
		bufferTimeout: modelsTimeout,
		finalTx: func(_ string, buffered []byte) ([]byte, error) {
			var upstream struct {
				Models []struct {
					Name string `json:"name"`
				} `json:"models"`
			}
			if err := json.Unmarshal(buffered, &upstream); err != nil {
				return buffered, nil
			}
			out := make([]map[string]any, 0, len(upstream.Models))
			now := time.Now().Unix()
			for _, m := range upstream.Models {
				id := strings.TrimPrefix(m.Name, "models/")
				out = append(out, map[string]any{
					"id":       id,
					"object":   "model",
					"created":  now,
					"owned_by": "google",
				})
			}
			return json.Marshal(map[string]any{"object": "list", "data": out})
		},
	})
}

// ServePassthrough forwards any other path/method verbatim to the relay,
// with no dialect translation in either direction.
func (p *Pipeline) ServePassthrough(w http.ResponseWriter, r *http.Request) {
	rawBody, _ := io.ReadAll(r.Body)
	_, _, redirect, _ := p.settings.snapshot()
	p.serve(w, r, serveArgs{
		method:      r.Method,
		path:        applyModelRedirect(r.URL.Path, redirect),
		body:        rawBody,
		wantsStream: clientWantsStream(r),
		finalTx: func(_ string, buffered []byte) ([]byte, error) {
			return dialect.RewriteInlineImages(buffered), nil
		},
	})
}

type serveArgs struct {
	method        string
	path          string
	body          []byte
	wantsStream   bool
	bufferTimeout time.Duration // whole-body wait for buffered modes; pseudoTimeout when zero
	chunkTx       func(requestID, raw string) (string, bool)
	finalTx       func(requestID string, buffered []byte) ([]byte, error)
}

// requestOutcome accumulates the bits of a request's lifecycle the admin
// request log (SPEC_FULL.md §6) wants to see, populated by whichever
// strategy function ends up serving it. finishReason is filled in by a
// best-effort regex scrape of relay chunk data (spec.md §9: "scraping
// failures [must] not affect control flow"), never by parsing the dialect
// translator's output, so a miss here never changes what the client gets.
type requestOutcome struct {
	status       int
	finishReason string
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, args serveArgs) {
	// Matches both generateContent and streamGenerateContent method names.
	isGenerative := strings.Contains(strings.ToLower(args.path), "generatecontent")

	accepted, rejectCode := p.accept(r.Context())
	if accepted == nil {
		writeErrorJSON(w, rejectCode)
		return
	}
	requestID := accepted.requestID
	start := time.Now()

	p.rotation.RecordUsage(isGenerative)

	_, nativeReasoning, _, resumeLimit := p.settings.snapshot()
	body := args.body
	if isGenerative && nativeReasoning && len(body) > 0 {
		body = injectNativeReasoning(body)
	}

	streamingMode := p.settings.StreamingMode()
	handle := p.mux.CreateQueue(requestID)
	rl := &requestOutcome{}

	finalize := func() {
		p.mux.RemoveQueue(requestID)
		authIndex := p.rotation.CurrentIndex()
		p.rotation.Finalize()
		p.bus.Publish(events.Event{
			Type:         events.EventRequestFinalized,
			Index:        authIndex,
			RequestID:    requestID,
			Path:         args.path,
			Method:       args.method,
			Status:       rl.status,
			DurationMS:   time.Since(start).Milliseconds(),
			FinishReason: rl.finishReason,
		})
	}

	req := relaychannel.RelayRequest{
		RequestID:         requestID,
		Method:            args.method,
		Path:              args.path,
		Headers:           buildHeaders(r),
		QueryParams:       buildQuery(r),
		Body:              string(body),
		IsGenerative:      isGenerative,
		ResumeOnProhibit:  resumeLimit > 0,
		ResumeLimit:       resumeLimit,
		ClientWantsStream: args.wantsStream,
	}

	timeout := args.bufferTimeout
	if timeout == 0 {
		timeout = pseudoTimeout
	}

	if args.wantsStream {
		req.StreamingMode = streamingMode
		if streamingMode == "real" {
			p.serveReal(w, r, req, handle, finalize, rl, bindChunkTx(requestID, args.chunkTx))
			return
		}
		p.servePseudo(w, r, req, handle, finalize, rl, timeout, bindChunkTx(requestID, args.chunkTx))
		return
	}

	req.StreamingMode = "fake"
	p.serveBuffered(w, r, req, handle, finalize, rl, timeout, bindFinalTx(requestID, args.finalTx))
}

func bindChunkTx(requestID string, tx func(requestID, raw string) (string, bool)) func(string) (string, bool) {
	if tx == nil {
		return nil
	}
	return func(raw string) (string, bool) { return tx(requestID, raw) }
}

func bindFinalTx(requestID string, tx func(requestID string, buffered []byte) ([]byte, error)) func([]byte) ([]byte, error) {
	if tx == nil {
		return nil
	}
	return func(buffered []byte) ([]byte, error) { return tx(requestID, buffered) }
}

// Failure kinds for drainResult, deciding retry and failure-counter policy:
// only relay-reported terminal errors retry or count against the failure
// threshold — timeouts and channel losses are operational, and aborts are
// the client's own doing (spec.md §7).
const (
	failRelayError = "relay_error"
	failTimeout    = "timeout"
	failLost       = "lost"
	failAborted    = "aborted"
)

// drainResult is the outcome of accumulating a fake/non-stream response.
type drainResult struct {
	status   int
	headers  map[string][]string
	body     strings.Builder
	failed   bool
	failKind string
	message  string
}

// drainOnce sends req and collects frames until stream_close, a terminal
// error, or timeout. It does not retry.
func (p *Pipeline) drainOnce(ctx context.Context, req relaychannel.RelayRequest, handle *multiplexer.Handle, timeout time.Duration) drainResult {
	var result drainResult
	if err := p.channel.Send(ctx, req); err != nil {
		result.failed = true
		result.failKind = failLost
		result.message = err.Error()
		return result
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		frame, ok, err := handle.Dequeue(dctx)
		if err != nil {
			result.failed = true
			if ctx.Err() != nil {
				result.failKind = failAborted
				result.message = "aborted: client disconnected"
			} else {
				result.failKind = failTimeout
				result.message = "timeout"
			}
			return result
		}
		if !ok {
			result.failed = true
			result.failKind = failLost
			result.message = "connection lost"
			return result
		}
		switch frame.Kind {
		case multiplexer.KindHeaders:
			result.status = frame.Status
			result.headers = frame.Headers
		case multiplexer.KindChunk:
			result.body.WriteString(frame.Data)
		case multiplexer.KindError:
			result.failed = true
			result.failKind = failRelayError
			result.status = frame.Status
			result.message = frame.Message
			return result
		case multiplexer.KindFailed:
			result.failed = true
			result.failKind = failLost
			result.message = frame.Message
			return result
		case multiplexer.KindEnd:
			return result
		}
	}
}

// serveReal implements the real-streaming strategy (spec.md §4.6).
func (p *Pipeline) serveReal(w http.ResponseWriter, r *http.Request, req relaychannel.RelayRequest, handle *multiplexer.Handle, finalize func(), rl *requestOutcome, chunkTx func(string) (string, bool)) {
	defer finalize()

	if err := p.channel.Send(r.Context(), req); err != nil {
		writeErrorJSON(w, relayerr.Classify(err.Error(), 0))
		return
	}

	headerCtx, cancel := context.WithTimeout(r.Context(), generalTimeout)
	frame, ok, err := handle.Dequeue(headerCtx)
	cancel()
	if err != nil {
		if r.Context().Err() != nil {
			_ = p.channel.SendCancel(context.Background(), req.RequestID)
			return
		}
		writeErrorJSON(w, relayerr.ByID("E004"))
		return
	}
	if !ok {
		writeErrorJSON(w, relayerr.ByID("E015"))
		return
	}
	switch frame.Kind {
	case multiplexer.KindError:
		// The event grammar allows a terminal error in place of
		// response_headers; its status is what immediate-switch matching
		// keys on.
		p.rotation.RecordFailure(frame.Status, frame.Message)
		code := relayerr.Classify(frame.Message, frame.Status)
		rl.status = code.Status
		writeErrorJSON(w, code)
		return
	case multiplexer.KindFailed:
		writeErrorJSON(w, relayerr.ByID("E015"))
		return
	case multiplexer.KindHeaders:
	default:
		writeErrorJSON(w, relayerr.ByID("E011"))
		return
	}

	status := frame.Status
	if status == 0 {
		status = http.StatusOK
	}
	rl.status = status
	header := w.Header()
	for k, v := range frame.Headers {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		header[k] = v
	}
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(status)
	flusher, _ := w.(http.Flusher)

	for {
		chunkCtx, cancel := context.WithTimeout(r.Context(), interChunkTimeout)
		frame, ok, err := handle.Dequeue(chunkCtx)
		cancel()
		if err != nil {
			if r.Context().Err() != nil {
				_ = p.channel.SendCancel(context.Background(), req.RequestID)
			}
			return
		}
		if !ok {
			return
		}
		switch frame.Kind {
		case multiplexer.KindChunk:
			if fr := scrapeFinishReason(frame.Data); fr != "" {
				rl.finishReason = fr
			}
			line := frame.Data
			if chunkTx != nil {
				translated, suppress := chunkTx(line)
				if suppress {
					continue
				}
				line = translated
			}
			_, _ = io.WriteString(w, line)
			if flusher != nil {
				flusher.Flush()
			}
		case multiplexer.KindError:
			errStatus := frame.Status
			if errStatus == 0 {
				errStatus = status
			}
			p.rotation.RecordFailure(errStatus, frame.Message)
			code := relayerr.Classify(frame.Message, errStatus)
			_, _ = io.WriteString(w, code.SSE())
			if flusher != nil {
				flusher.Flush()
			}
			return
		case multiplexer.KindFailed:
			return
		case multiplexer.KindEnd:
			p.rotation.RecordSuccess()
			return
		}
	}
}

// servePseudo implements the pseudo/fake streaming strategy for clients
// that asked for a stream while streamingMode=fake.
func (p *Pipeline) servePseudo(w http.ResponseWriter, r *http.Request, req relaychannel.RelayRequest, handle *multiplexer.Handle, finalize func(), rl *requestOutcome, timeout time.Duration, chunkTx func(string) (string, bool)) {
	defer finalize()
	rl.status = http.StatusOK

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	done := make(chan drainResult, 1)

	go func() {
		done <- p.attemptWithRetry(r.Context(), req, handle, timeout)
	}()

	var result drainResult
loop:
	for {
		select {
		case result = <-done:
			break loop
		case <-heartbeat.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			_ = p.channel.SendCancel(context.Background(), req.RequestID)
			return
		}
	}

	if result.failed {
		if result.failKind == failAborted {
			_ = p.channel.SendCancel(context.Background(), req.RequestID)
			return
		}
		code := relayerr.Classify(result.message, result.status)
		rl.status = code.Status
		_, _ = io.WriteString(w, code.SSE())
		if flusher != nil {
			flusher.Flush()
		}
		return
	}

	p.rotation.RecordSuccess()
	payload := result.body.String()
	rl.finishReason = scrapeFinishReason(payload)
	if chunkTx != nil {
		if translated, suppress := chunkTx(payload); !suppress {
			payload = strings.TrimSuffix(translated, "\n\n")
			_, _ = io.WriteString(w, payload+"\n\n")
		}
	} else {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// serveBuffered implements the non-streaming strategy: relay always runs in
// fake mode, response is fully buffered, concatenated, parsed, and any
// inline image data is rewritten before a single JSON body is written.
func (p *Pipeline) serveBuffered(w http.ResponseWriter, r *http.Request, req relaychannel.RelayRequest, handle *multiplexer.Handle, finalize func(), rl *requestOutcome, timeout time.Duration, finalTx func([]byte) ([]byte, error)) {
	defer finalize()

	result := p.attemptWithRetry(r.Context(), req, handle, timeout)
	if result.failed {
		if result.failKind == failAborted {
			_ = p.channel.SendCancel(context.Background(), req.RequestID)
			return
		}
		code := relayerr.Classify(result.message, result.status)
		rl.status = code.Status
		writeErrorJSON(w, code)
		return
	}
	p.rotation.RecordSuccess()

	status := result.status
	if status == 0 {
		status = http.StatusOK
	}
	rl.status = status
	rl.finishReason = scrapeFinishReason(result.body.String())

	body := []byte(result.body.String())
	if finalTx != nil {
		translated, err := finalTx(body)
		if err == nil {
			body = translated
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// attemptWithRetry runs drainOnce, retrying relay-reported errors up to
// maxRetries times separated by retryDelay, and escalates to the Rotation
// Controller only once retries are exhausted. Timeouts and channel losses
// abort without retrying and never touch the failure counter; neither do
// errors whose message contains "aborted" (client cancellation).
func (p *Pipeline) attemptWithRetry(ctx context.Context, req relaychannel.RelayRequest, handle *multiplexer.Handle, timeout time.Duration) drainResult {
	var result drainResult
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		result = p.drainOnce(ctx, req, handle, timeout)
		if !result.failed {
			return result
		}
		if result.failKind != failRelayError || strings.Contains(strings.ToLower(result.message), "aborted") {
			return result
		}
		if attempt < p.maxRetries {
			p.bus.Publish(events.Event{Type: events.EventRequestFailed, Message: result.message})
			select {
			case <-time.After(p.retryDelay):
			case <-ctx.Done():
				return result
			}
		}
	}
	p.rotation.RecordFailure(result.status, result.message)
	return result
}
