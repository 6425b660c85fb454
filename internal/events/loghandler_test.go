package events

import (
	"context"
	"log/slog"
	"testing"
)

func TestLogHandlerCapturesRecordsForSubscribers(t *testing.T) {
	h := NewLogHandler(slog.LevelInfo, 4)
	logger := slog.New(h)

	logger.Info("hello", "key", "value")

	_, _, recent := h.Subscribe()
	if len(recent) != 1 || recent[0].Message != "hello" {
		t.Fatalf("expected 1 captured line, got %+v", recent)
	}
	if recent[0].Attrs["key"] != "value" {
		t.Fatalf("expected attr carried over, got %+v", recent[0].Attrs)
	}
}

func TestLogHandlerRespectsLevel(t *testing.T) {
	h := NewLogHandler(slog.LevelWarn, 4)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info should not be enabled when level is warn")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("error should be enabled when level is warn")
	}
}

func TestLogHandlerWithAttrsCarriesOverToNewRecords(t *testing.T) {
	h := NewLogHandler(slog.LevelInfo, 4)
	child := h.WithAttrs([]slog.Attr{slog.String("component", "test")}).(*LogHandler)
	logger := slog.New(child)
	logger.Info("scoped")

	_, _, recent := child.Subscribe()
	if len(recent) != 1 || recent[0].Attrs["component"] != "test" {
		t.Fatalf("expected component attr on captured line, got %+v", recent)
	}
}

func TestLogHandlerRingWraps(t *testing.T) {
	h := NewLogHandler(slog.LevelInfo, 2)
	logger := slog.New(h)
	logger.Info("one")
	logger.Info("two")
	logger.Info("three")

	_, _, recent := h.Subscribe()
	if len(recent) != 2 || recent[0].Message != "two" || recent[1].Message != "three" {
		t.Fatalf("expected ring capped at 2 with oldest evicted, got %+v", recent)
	}
}
