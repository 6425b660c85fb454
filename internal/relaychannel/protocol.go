package relaychannel

// RelayRequest is sent proxy → relay to ask the in-browser relay script to
// perform one upstream HTTP call on the proxy's behalf (spec.md §3).
type RelayRequest struct {
	Type              string              `json:"type"` // always "relay_request"
	RequestID         string              `json:"request_id"`
	Method            string              `json:"method"`
	Path              string              `json:"path"`
	Headers           map[string][]string `json:"headers"`
	QueryParams       map[string]string   `json:"query_params"`
	Body              string              `json:"body"`
	StreamingMode     string              `json:"streaming_mode"` // "real" | "fake"
	IsGenerative      bool                `json:"is_generative"`
	ResumeOnProhibit  bool                `json:"resume_on_prohibit"`
	ResumeLimit       int                 `json:"resume_limit"`
	ClientWantsStream bool                `json:"client_wants_stream"`
}

// CancelRequest is sent proxy → relay to abort an in-flight relay request
// when the client disconnects before the response is finalised.
type CancelRequest struct {
	Type      string `json:"type"` // always "cancel_request"
	RequestID string `json:"request_id"`
}

// Event type tags for the relay → proxy tagged union (spec.md §3).
const (
	EventResponseHeaders = "response_headers"
	EventChunk           = "chunk"
	EventError           = "error"
	EventStreamClose     = "stream_close"
)

// RelayEvent is one message of the relay → proxy tagged union. Only the
// fields relevant to EventType are populated; events arrive as flat JSON
// objects so every field is optional from the wire's point of view.
type RelayEvent struct {
	EventType string              `json:"event_type"`
	RequestID string              `json:"request_id"`
	Status    int                 `json:"status,omitempty"`
	Headers   map[string][]string `json:"headers,omitempty"`
	Data      string              `json:"data,omitempty"`
	Message   string              `json:"message,omitempty"`
}
