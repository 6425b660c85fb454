package relaychannel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type fakeSink struct {
	mu       sync.Mutex
	events   []RelayEvent
	failedAt []string
}

func (f *fakeSink) Deliver(e RelayEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeSink) FailAll(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedAt = append(f.failedAt, message)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func dialTestChannel(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestChannelDeliversParsedEvents(t *testing.T) {
	sink := &fakeSink{}
	ch := New(sink)
	srv := httptest.NewServer(http.HandlerFunc(ch.ServeHTTP))
	defer srv.Close()

	conn := dialTestChannel(t, srv)

	waitUntil(t, time.Second, ch.IsConnected)

	evt := RelayEvent{EventType: EventChunk, RequestID: "req-1", Data: "hello"}
	data, _ := json.Marshal(evt)
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return sink.count() == 1 })
	sink.mu.Lock()
	got := sink.events[0]
	sink.mu.Unlock()
	if got.RequestID != "req-1" || got.Data != "hello" {
		t.Fatalf("unexpected delivered event: %+v", got)
	}
}

func TestChannelDropsFramesWithoutRequestID(t *testing.T) {
	sink := &fakeSink{}
	ch := New(sink)
	srv := httptest.NewServer(http.HandlerFunc(ch.ServeHTTP))
	defer srv.Close()
	conn := dialTestChannel(t, srv)
	waitUntil(t, time.Second, ch.IsConnected)

	data, _ := json.Marshal(RelayEvent{EventType: EventChunk, Data: "no id"})
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Give the read loop a chance to process and drop both frames, then send
	// a well-formed one to confirm the loop is still alive.
	time.Sleep(30 * time.Millisecond)
	evt, _ := json.Marshal(RelayEvent{EventType: EventChunk, RequestID: "req-2", Data: "still alive"})
	if err := conn.Write(context.Background(), websocket.MessageText, evt); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return sink.count() == 1 })
}

func TestChannelRejectsSecondConcurrentConnection(t *testing.T) {
	sink := &fakeSink{}
	ch := New(sink)
	srv := httptest.NewServer(http.HandlerFunc(ch.ServeHTTP))
	defer srv.Close()
	dialTestChannel(t, srv)
	waitUntil(t, time.Second, ch.IsConnected)

	wsURL := "ws" + srv.URL[len("http"):]
	_, resp, err := websocket.Dial(context.Background(), wsURL, nil)
	if err == nil {
		t.Fatalf("expected second connection attempt to fail")
	}
	if resp != nil && resp.StatusCode != 409 {
		t.Fatalf("expected 409 conflict, got %d", resp.StatusCode)
	}
}

func TestGracePeriodExpiryFailsAllQueues(t *testing.T) {
	orig := GracePeriod
	GracePeriod = 50 * time.Millisecond
	defer func() { GracePeriod = orig }()

	sink := &fakeSink{}
	ch := New(sink)
	srv := httptest.NewServer(http.HandlerFunc(ch.ServeHTTP))
	defer srv.Close()
	conn := dialTestChannel(t, srv)
	waitUntil(t, time.Second, ch.IsConnected)

	conn.Close(websocket.StatusNormalClosure, "bye")

	waitUntil(t, time.Second, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.failedAt) == 1
	})
	waitUntil(t, time.Second, func() bool { return !ch.IsConnected() })
}

func TestSendFailsWhenNotConnected(t *testing.T) {
	sink := &fakeSink{}
	ch := New(sink)
	if err := ch.Send(context.Background(), RelayRequest{RequestID: "x"}); err == nil {
		t.Fatalf("expected error sending on a disconnected channel")
	}
}

func TestWaitConnectedReturnsOnceConnected(t *testing.T) {
	sink := &fakeSink{}
	ch := New(sink)
	srv := httptest.NewServer(http.HandlerFunc(ch.ServeHTTP))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ch.WaitConnected(ctx) }()

	dialTestChannel(t, srv)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitConnected: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("WaitConnected did not return after connect")
	}
}

func TestWaitConnectedRespectsContextTimeout(t *testing.T) {
	sink := &fakeSink{}
	ch := New(sink)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := ch.WaitConnected(ctx); err == nil {
		t.Fatalf("expected context deadline error")
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}
