package relayerr

import (
	"strings"
	"testing"
)

func TestClassifyMessagePatterns(t *testing.T) {
	cases := []struct {
		name    string
		message string
		status  int
		wantID  string
	}{
		{"client disconnect", "client aborted the request", 0, "E005"},
		{"disconnect variant", "stream disconnected by peer", 0, "E005"},
		{"timeout", "relay request timed out after 30s", 0, "E004"},
		{"timeout variant", "context deadline: timeout", 0, "E004"},
		{"not connected", "relay channel not connected", 0, "E015"},
		{"connection lost", "relay connection lost mid-write", 0, "E015"},
		{"status 401", "upstream rejected", 401, "E007"},
		{"status 403", "upstream rejected", 403, "E008"},
		{"status 429", "upstream rejected", 429, "E009"},
		{"status 529", "upstream rejected", 529, "E010"},
		{"status 500", "upstream failed", 500, "E006"},
		{"status 400 falls to internal", "bad request", 400, "E014"},
		{"no match no status", "something odd happened", 0, "E014"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.message, tc.status)
			if got.ID != tc.wantID {
				t.Fatalf("Classify(%q, %d) = %s, want %s", tc.message, tc.status, got.ID, tc.wantID)
			}
		})
	}
}

func TestClassifyNeverEchoesRawMessage(t *testing.T) {
	secret := "super-secret-internal-stack-trace-detail"
	got := Classify(secret, 0)
	if strings.Contains(got.Message, secret) {
		t.Fatalf("classified message leaked raw input: %s", got.Message)
	}
	if strings.Contains(string(got.Body()), secret) {
		t.Fatalf("body leaked raw input: %s", got.Body())
	}
}

func TestUnknownCodeFallsBackToInternalError(t *testing.T) {
	got := lookup("E999")
	if got.ID != "E014" {
		t.Fatalf("lookup of unknown code = %s, want E014", got.ID)
	}
}

func TestBodyShape(t *testing.T) {
	c := lookup("E001")
	body := string(c.Body())
	if !strings.Contains(body, `"code":"E001"`) || !strings.Contains(body, `"message":"relay not connected"`) {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestSSEShape(t *testing.T) {
	c := lookup("E001")
	sse := c.SSE()
	if !strings.HasPrefix(sse, "data: ") || !strings.HasSuffix(sse, "\n\n") {
		t.Fatalf("unexpected SSE framing: %q", sse)
	}
}
