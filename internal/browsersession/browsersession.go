// Package browsersession defines the Browser Session Orchestrator contract
// (C5). The core depends only on this interface; the concrete driver that
// actually pilots the in-browser relay page is an external concern (outside
// this module's scope, per the relay-protocol boundary spec.md draws at C2).
package browsersession

import "context"

// Orchestrator atomically loads credential bundle index and drives the
// in-page UI to a "relay ready" state, blocking until ready or failed. The
// Rotation Controller treats this as a potentially expensive, serialised
// operation and never calls it concurrently with itself.
type Orchestrator interface {
	SwitchTo(ctx context.Context, index int) error
}
