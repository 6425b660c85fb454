package events

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// LogLine is a single captured log record, retained for the admin status
// surface's "recent log lines" ring buffer (spec.md §4.8).
type LogLine struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// logBuffer is the ring + subscriber state shared by every handler derived
// from the same NewLogHandler call, so WithAttrs/WithGroup clones all feed
// one buffer under one lock.
type logBuffer struct {
	mu          sync.RWMutex
	ring        []LogLine
	ringSize    int
	ringPos     int
	ringCount   int
	subscribers map[int]chan LogLine
	nextID      int
}

func (b *logBuffer) record(line LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring[b.ringPos] = line
	b.ringPos = (b.ringPos + 1) % b.ringSize
	if b.ringCount < b.ringSize {
		b.ringCount++
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

// LogHandler is an slog.Handler that forwards to an underlying text handler
// while also retaining the last ringSize records for subscribers — used as
// the process-wide default handler so every slog call anywhere in the
// process feeds the same buffer without explicit wiring.
type LogHandler struct {
	inner  slog.Handler
	buf    *logBuffer
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func NewLogHandler(level slog.Leveler, ringSize int) *LogHandler {
	if ringSize <= 0 {
		ringSize = 100
	}
	return &LogHandler{
		inner: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		buf: &logBuffer{
			ring:        make([]LogLine, ringSize),
			ringSize:    ringSize,
			subscribers: make(map[int]chan LogLine),
		},
		level: level,
	}
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	attrs := make(map[string]any)
	prefix := groupPrefix(h.groups)
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})

	line := LogLine{Level: r.Level.String(), Message: r.Message, Time: r.Time}
	if len(attrs) > 0 {
		line.Attrs = attrs
	}

	h.buf.record(line)
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{
		inner:  h.inner.WithAttrs(attrs),
		buf:    h.buf,
		level:  h.level,
		attrs:  append(cloneAttrs(h.attrs), attrs...),
		groups: h.groups,
	}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogHandler{
		inner:  h.inner.WithGroup(name),
		buf:    h.buf,
		level:  h.level,
		attrs:  cloneAttrs(h.attrs),
		groups: append(append([]string{}, h.groups...), name),
	}
}

func (h *LogHandler) Subscribe() (id int, ch <-chan LogLine, recent []LogLine) {
	b := h.buf
	b.mu.Lock()
	defer b.mu.Unlock()

	c := make(chan LogLine, 64)
	id = b.nextID
	b.nextID++
	b.subscribers[id] = c

	return id, c, b.recentLocked()
}

func (h *LogHandler) Unsubscribe(id int) {
	b := h.buf
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

func (b *logBuffer) recentLocked() []LogLine {
	if b.ringCount == 0 {
		return nil
	}
	result := make([]LogLine, b.ringCount)
	start := (b.ringPos - b.ringCount + b.ringSize) % b.ringSize
	for i := 0; i < b.ringCount; i++ {
		result[i] = b.ring[(start+i)%b.ringSize]
	}
	return result
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	c := make([]slog.Attr, len(attrs))
	copy(c, attrs)
	return c
}
