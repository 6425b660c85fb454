// Package relaychannel implements the Relay Channel (C2): the single active
// bidirectional link to the in-browser relay script. Framing, liveness, and
// grace-period reconnect live here; the browser is always the dialer — the
// proxy only accepts an inbound WebSocket upgrade and tracks at most one
// connection as "active".
package relaychannel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// GracePeriod is how long the channel waits for a reconnect after the last
// connection drops before declaring the loss terminal (spec.md §3, §4.2).
// Variable rather than const so tests can shrink it.
var GracePeriod = 5 * time.Second

type state int

const (
	stateDisconnected state = iota
	stateConnected
	stateGracePeriod
)

// EventSink receives parsed Relay Events for routing (implemented by the
// Request Multiplexer) and is notified when the grace period expires so it
// can fail all live per-request queues with a terminal error.
type EventSink interface {
	Deliver(event RelayEvent)
	FailAll(message string)
}

// Channel is the Relay Channel. It accepts exactly one inbound connection
// as "active" at a time; per spec.md §9's Open Question on racing
// connections, additional concurrent upgrade attempts are rejected outright
// rather than tracked-but-unused.
type Channel struct {
	sink EventSink

	mu         sync.Mutex
	conn       *websocket.Conn
	connState  state
	graceTimer *time.Timer

	onConnected    func()
	onDisconnected func()
	onGraceExpired func()
}

func New(sink EventSink) *Channel {
	return &Channel{sink: sink, connState: stateDisconnected}
}

// OnStateChange registers callbacks for connect/disconnect/grace-expiry,
// used by the composition root to publish events.Bus entries.
func (c *Channel) OnStateChange(onConnected, onDisconnected, onGraceExpired func()) {
	c.onConnected = onConnected
	c.onDisconnected = onDisconnected
	c.onGraceExpired = onGraceExpired
}

// ServeHTTP upgrades the inbound connection from the relay script. If a
// connection is already active, the upgrade is rejected (single-primary
// policy, see package doc).
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	if c.connState == stateConnected {
		c.mu.Unlock()
		http.Error(w, "relay already connected", http.StatusConflict)
		return
	}
	c.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("relay channel upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(32 * 1024 * 1024) // generous — carries full non-stream bodies

	c.mu.Lock()
	if c.connState == stateConnected {
		c.mu.Unlock()
		conn.Close(websocket.StatusPolicyViolation, "relay already connected")
		return
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.conn = conn
	c.connState = stateConnected
	c.mu.Unlock()

	slog.Info("relay channel connected")
	if c.onConnected != nil {
		c.onConnected()
	}

	c.readLoop(r.Context(), conn)
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.handleDisconnect(conn)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var evt RelayEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("relay channel: unparseable frame dropped", "error", err)
			continue
		}
		// Messages without a request_id are dropped silently (spec.md §4.2).
		if evt.RequestID == "" {
			continue
		}
		c.sink.Deliver(evt)
	}
}

func (c *Channel) handleDisconnect(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection has already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connState = stateGracePeriod
	timer := time.AfterFunc(GracePeriod, c.onGraceTimerFired)
	c.graceTimer = timer
	c.mu.Unlock()

	slog.Warn("relay channel disconnected, entering grace period", "grace", GracePeriod)
	if c.onDisconnected != nil {
		c.onDisconnected()
	}
}

func (c *Channel) onGraceTimerFired() {
	c.mu.Lock()
	if c.connState != stateGracePeriod {
		c.mu.Unlock()
		return
	}
	c.connState = stateDisconnected
	c.graceTimer = nil
	c.mu.Unlock()

	slog.Error("relay channel grace period expired, failing all in-flight requests")
	c.sink.FailAll("relay connection lost")
	if c.onGraceExpired != nil {
		c.onGraceExpired()
	}
}

// IsConnected reports whether a relay connection is currently active.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState == stateConnected
}

// WaitConnected polls for a live connection, used by the Browser Session
// Orchestrator to learn when a spawned browser process has finished driving
// the page to "relay ready" and dialed back in. The core has no deeper
// visibility into in-page readiness than "the relay connected" (spec.md
// §4.5), so polling IsConnected is the whole contract.
func (c *Channel) WaitConnected(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.IsConnected() {
				return nil
			}
		}
	}
}

// Send serialises and writes a Relay Request frame. Returns an error if no
// connection is active.
func (c *Channel) Send(ctx context.Context, req RelayRequest) error {
	req.Type = "relay_request"
	return c.writeJSON(ctx, req)
}

// SendCancel writes a cancel_request control frame for requestID.
func (c *Channel) SendCancel(ctx context.Context, requestID string) error {
	return c.writeJSON(ctx, CancelRequest{Type: "cancel_request", RequestID: requestID})
}

func (c *Channel) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var errNotConnected = &channelError{"relay channel not connected"}

type channelError struct{ msg string }

func (e *channelError) Error() string { return e.msg }
