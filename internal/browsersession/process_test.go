package browsersession

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteTempBundleWritesExactContent(t *testing.T) {
	path, err := writeTempBundle(3, []byte(`{"accountName":"acct-3"}`))
	if err != nil {
		t.Fatalf("writeTempBundle: %v", err)
	}
	defer os.Remove(path)

	if !filepath.IsAbs(path) {
		t.Fatalf("expected absolute temp path, got %q", path)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read temp bundle: %v", err)
	}
	if string(got) != `{"accountName":"acct-3"}` {
		t.Fatalf("unexpected temp bundle content: %s", got)
	}
}

type fakeConnectionWaiter struct {
	err error
}

func (f fakeConnectionWaiter) WaitConnected(ctx context.Context) error { return f.err }

func loadFixedBundle(raw string) LoadBundleFunc {
	return func(index int) ([]byte, bool) { return []byte(raw), true }
}

func TestSwitchToWithoutChannelReturnsOnceProcessStarted(t *testing.T) {
	p := NewProcessOrchestrator("/bin/true", "ws://127.0.0.1:0/relay", loadFixedBundle(`{}`), time.Second)
	if err := p.SwitchTo(context.Background(), 1); err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}
	p.Close()
}

func TestSwitchToWaitsOnChannelWhenWired(t *testing.T) {
	p := NewProcessOrchestrator("/bin/true", "ws://127.0.0.1:0/relay", loadFixedBundle(`{}`), time.Second)
	p.SetChannel(fakeConnectionWaiter{})
	if err := p.SwitchTo(context.Background(), 1); err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}
	p.Close()
}

func TestSwitchToPropagatesChannelWaitError(t *testing.T) {
	p := NewProcessOrchestrator("/bin/true", "ws://127.0.0.1:0/relay", loadFixedBundle(`{}`), time.Second)
	p.SetChannel(fakeConnectionWaiter{err: errors.New("never connected")})
	if err := p.SwitchTo(context.Background(), 1); err == nil {
		t.Fatalf("expected SwitchTo to propagate channel wait error")
	}
	p.Close()
}

func TestSwitchToFailsWhenBundleMissing(t *testing.T) {
	p := NewProcessOrchestrator("/bin/true", "ws://127.0.0.1:0/relay", func(index int) ([]byte, bool) {
		return nil, false
	}, time.Second)
	if err := p.SwitchTo(context.Background(), 9); err == nil {
		t.Fatalf("expected error for missing bundle")
	}
}

func TestSwitchToFailsWhenExecutableMissing(t *testing.T) {
	p := NewProcessOrchestrator("/no/such/executable-binary", "ws://127.0.0.1:0/relay", loadFixedBundle(`{}`), time.Second)
	if err := p.SwitchTo(context.Background(), 1); err == nil {
		t.Fatalf("expected error launching a nonexistent executable")
	}
}

func TestSwitchToTwiceKillsPriorProcess(t *testing.T) {
	p := NewProcessOrchestrator("/bin/true", "ws://127.0.0.1:0/relay", loadFixedBundle(`{}`), time.Second)
	if err := p.SwitchTo(context.Background(), 1); err != nil {
		t.Fatalf("first SwitchTo: %v", err)
	}
	if err := p.SwitchTo(context.Background(), 2); err != nil {
		t.Fatalf("second SwitchTo: %v", err)
	}
	p.Close()
}
