// Package multiplexer implements the Request Multiplexer (C3): it demuxes
// the single Relay Channel's interleaved event stream into one FIFO queue
// per in-flight request, keyed by request_id.
package multiplexer

import (
	"context"
	"sync"

	"github.com/relaycore/browserproxy/internal/relaychannel"
)

// Frame is one item handed to a request's consumer. Kind determines which
// other fields are meaningful, mirroring the wire event types plus the two
// synthetic kinds (end, failed) the multiplexer itself produces.
type Frame struct {
	Kind    string // "headers" | "chunk" | "error" | "end" | "failed"
	Status  int
	Headers map[string][]string
	Data    string
	Message string
}

const (
	KindHeaders = "headers"
	KindChunk   = "chunk"
	KindError   = "error"
	KindEnd     = "end"   // STREAM_END sentinel: relay finished normally
	KindFailed  = "failed" // synthetic: channel lost, request cannot complete
)

// queue is a closable single-consumer FIFO backed by a growable slice, not a
// fixed-capacity channel: spec.md §5 requires producers never block on
// consumers, and an unbounded buffer is the only way to guarantee that
// without ever dropping a frame (a dropped chunk mid real-stream would
// corrupt the client's byte stream with no signal, per spec.md §8). wake
// carries no data; it just lets a blocked Dequeue know there's something
// new to look at, so pushes never block regardless of how far the relay
// bursts ahead of the consumer.
type queue struct {
	mu     sync.Mutex
	items  []Frame
	closed bool
	wake   chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

// signal wakes a blocked Dequeue, if any; coalesces multiple pushes between
// wakeups into a single level-triggered notification.
func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) push(f Frame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, f)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Dequeue blocks until a frame arrives, the queue is closed (ok=false), or
// ctx is cancelled (err set). Already-queued frames are always drained
// before a close is observed, so a close racing with a burst of pushes
// never loses them.
func (q *queue) Dequeue(ctx context.Context) (Frame, bool, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, true, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Frame{}, false, nil
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return Frame{}, false, ctx.Err()
		}
	}
}

// Multiplexer routes RelayEvents by request_id and exposes a Dequeue-able
// handle per request. It implements relaychannel.EventSink.
type Multiplexer struct {
	mu     sync.Mutex
	queues map[string]*queue
}

func New() *Multiplexer {
	return &Multiplexer{queues: make(map[string]*queue)}
}

var _ relaychannel.EventSink = (*Multiplexer)(nil)

// Handle is the consumer-facing view of one request's queue.
type Handle struct {
	q *queue
}

func (h *Handle) Dequeue(ctx context.Context) (Frame, bool, error) {
	return h.q.Dequeue(ctx)
}

// CreateQueue registers a new queue for requestID. If one already exists it
// is replaced — callers are expected to generate unique request IDs, so this
// only guards against accidental reuse.
func (m *Multiplexer) CreateQueue(requestID string) *Handle {
	q := newQueue()
	m.mu.Lock()
	if old, ok := m.queues[requestID]; ok {
		old.close()
	}
	m.queues[requestID] = q
	m.mu.Unlock()
	return &Handle{q: q}
}

// RemoveQueue closes and forgets requestID's queue. Idempotent.
func (m *Multiplexer) RemoveQueue(requestID string) {
	m.mu.Lock()
	q, ok := m.queues[requestID]
	if ok {
		delete(m.queues, requestID)
	}
	m.mu.Unlock()
	if ok {
		q.close()
	}
}

// Deliver routes one Relay Event to its request's queue per spec.md §4.3:
// response_headers/chunk/error are enqueued as-is, stream_close becomes the
// KindEnd sentinel, and anything else (including events for an unknown or
// already-removed request_id) is dropped.
func (m *Multiplexer) Deliver(evt relaychannel.RelayEvent) {
	m.mu.Lock()
	q, ok := m.queues[evt.RequestID]
	m.mu.Unlock()
	if !ok {
		return
	}

	switch evt.EventType {
	case relaychannel.EventResponseHeaders:
		q.push(Frame{Kind: KindHeaders, Status: evt.Status, Headers: evt.Headers})
	case relaychannel.EventChunk:
		q.push(Frame{Kind: KindChunk, Data: evt.Data})
	case relaychannel.EventError:
		q.push(Frame{Kind: KindError, Status: evt.Status, Message: evt.Message})
	case relaychannel.EventStreamClose:
		q.push(Frame{Kind: KindEnd})
	default:
		// Unknown event type: dropped per spec.
	}
}

// FailAll pushes a terminal KindFailed frame to every live queue and closes
// them, used when the Relay Channel's grace period expires.
func (m *Multiplexer) FailAll(message string) {
	m.mu.Lock()
	queues := make([]*queue, 0, len(m.queues))
	for id, q := range m.queues {
		queues = append(queues, q)
		delete(m.queues, id)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.push(Frame{Kind: KindFailed, Message: message})
		q.close()
	}
}
