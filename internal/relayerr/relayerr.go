// Package relayerr sanitizes upstream and relay-transport errors before they
// reach an HTTP client: internal detail (stack fragments, relay-script
// internals, raw transport errors) is replaced with a small closed set of
// stable, documented error codes.
package relayerr

import (
	"encoding/json"
	"strings"
)

// Code pairs a stable identifier with the client-facing message and HTTP
// status it should be reported as.
type Code struct {
	ID      string
	Status  int
	Message string
}

var internalError = Code{"E014", 500, "internal error"}

var codes = []Code{
	{"E001", 503, "relay not connected"},
	{"E002", 503, "rotating accounts"},
	{"E003", 503, "rotation unavailable"},
	{"E004", 504, "relay request timed out"},
	{"E005", 499, "client disconnected"},
	{"E006", 502, "relay reported an upstream error"},
	{"E007", 401, "upstream authentication rejected"},
	{"E008", 403, "upstream forbade the request"},
	{"E009", 429, "upstream rate limited the request"},
	{"E010", 529, "upstream overloaded"},
	{"E011", 502, "malformed upstream response"},
	{"E012", 400, "malformed client request"},
	{"E013", 502, "dialect translation failed"},
	internalError,
	{"E015", 502, "relay connection lost mid-request"},
}

func lookup(id string) Code {
	for _, c := range codes {
		if c.ID == id {
			return c
		}
	}
	return internalError
}

// ByID returns the Code registered under id, falling back to the internal
// error code for unknown ids.
func ByID(id string) Code { return lookup(id) }

// Classify maps a raw relay/transport error message and (optional) upstream
// status code to a stable Code. It never echoes the raw message back.
func Classify(rawMessage string, upstreamStatus int) Code {
	lower := strings.ToLower(rawMessage)
	switch {
	case strings.Contains(lower, "aborted"), strings.Contains(lower, "disconnect"):
		return lookup("E005")
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		return lookup("E004")
	case strings.Contains(lower, "not connected"), strings.Contains(lower, "connection lost"):
		return lookup("E015")
	}

	switch upstreamStatus {
	case 401:
		return lookup("E007")
	case 403:
		return lookup("E008")
	case 429:
		return lookup("E009")
	case 529:
		return lookup("E010")
	}
	if upstreamStatus >= 500 {
		return lookup("E006")
	}
	return lookup("E014")
}

// Body renders a Code as the JSON body returned to clients, matching the
// shape both dialects already use for error responses.
func (c Code) Body() []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    c.ID,
			"message": c.Message,
		},
	})
	return body
}

// SSE renders a Code as a single `data: ...` SSE error event.
func (c Code) SSE() string {
	return "data: " + string(c.Body()) + "\n\n"
}
