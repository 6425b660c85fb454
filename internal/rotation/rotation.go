// Package rotation implements the Rotation Controller (C4): the credential
// switch state machine, serialised behind a single mutex so that counters,
// flags, and the active-request count are always read and written in the
// same critical section (spec.md §5).
package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaycore/browserproxy/internal/browsersession"
	"github.com/relaycore/browserproxy/internal/credential"
	"github.com/relaycore/browserproxy/internal/events"
)

// Reason tags why a switch was scheduled, surfaced in events and the admin
// status view. It does not change switch mechanics — every trigger feeds
// the same pendingSwitch/authSwitching machinery.
const (
	ReasonUsageLimit      = "usage-limit"
	ReasonFailureThresh   = "failure-threshold"
	ReasonStatusCode      = "status-code"
	ReasonManual          = "manual"
)

// Config carries the subset of internal/config.Config the controller needs.
type Config struct {
	InitialAuthIndex           int
	SwitchOnUses               int
	FailureThreshold           int
	ImmediateSwitchStatusCodes []int
}

// Controller owns the Rotation State (spec.md §3). All fields below the
// mutex must only be touched while holding it.
type Controller struct {
	credentials *credential.Store
	session     browsersession.Orchestrator
	bus         *events.Bus

	switchOnUses     int
	failureThreshold int
	immediateCodes   map[int]bool

	mu                  sync.Mutex
	currentIndex        int
	usageCount          int
	failureCount        int
	pendingSwitch       bool
	authSwitching       bool
	systemBusy          bool
	activeRequestCount  int
	unavailable         bool
	switchReason        string
	switchTarget        *int
}

func New(cfg Config, credentials *credential.Store, session browsersession.Orchestrator, bus *events.Bus) *Controller {
	codes := make(map[int]bool, len(cfg.ImmediateSwitchStatusCodes))
	for _, c := range cfg.ImmediateSwitchStatusCodes {
		codes[c] = true
	}
	return &Controller{
		credentials:      credentials,
		session:          session,
		bus:              bus,
		switchOnUses:     cfg.SwitchOnUses,
		failureThreshold: cfg.FailureThreshold,
		immediateCodes:   codes,
		currentIndex:     cfg.InitialAuthIndex,
	}
}

// Snapshot is a point-in-time copy of the Rotation State for the admin
// status surface.
type Snapshot struct {
	CurrentIndex       int
	UsageCount         int
	FailureCount       int
	PendingSwitch      bool
	AuthSwitching      bool
	SystemBusy         bool
	ActiveRequestCount int
	Unavailable        bool
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		CurrentIndex:       c.currentIndex,
		UsageCount:         c.usageCount,
		FailureCount:       c.failureCount,
		PendingSwitch:      c.pendingSwitch,
		AuthSwitching:      c.authSwitching,
		SystemBusy:         c.systemBusy,
		ActiveRequestCount: c.activeRequestCount,
		Unavailable:        c.unavailable,
	}
}

func (c *Controller) CurrentIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentIndex
}

func (c *Controller) IsSystemBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemBusy
}

// Accept is the acceptance gate from C6: rejects with false while a switch
// is pending/in-flight or the controller is unavailable, otherwise counts
// the request in under the same critical section.
func (c *Controller) Accept() (ok bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return false, "rotation unavailable"
	}
	if c.pendingSwitch || c.authSwitching {
		return false, "rotating accounts"
	}
	c.activeRequestCount++
	return true, ""
}

// Finalize decrements the active-request count (clamped at 0, exactly once
// per accepted request) and checks whether a deferred switch can now run.
func (c *Controller) Finalize() {
	c.mu.Lock()
	if c.activeRequestCount > 0 {
		c.activeRequestCount--
	}
	c.mu.Unlock()
	c.tryExecute()
}

// RecordUsage implements the usage-based trigger: every accepted generative
// request increments usageCount; crossing switchOnUses schedules a deferred
// switch (new requests get 503 until it runs, in-flight ones finish).
func (c *Controller) RecordUsage(isGenerative bool) {
	if !isGenerative || c.switchOnUses <= 0 {
		return
	}
	c.mu.Lock()
	c.usageCount++
	cross := c.usageCount >= c.switchOnUses
	c.mu.Unlock()
	if cross {
		c.schedule(ReasonUsageLimit, nil)
		c.tryExecute()
	}
}

// RecordSuccess implements the "first post-failure success" reset rule:
// usageCount and failureCount both clear the moment a request succeeds
// after at least one prior failure (spec.md §3).
func (c *Controller) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failureCount > 0 {
		c.failureCount = 0
		c.usageCount = 0
	}
}

// RecordFailure implements the failure-count-based and status-code-based
// triggers. Both schedule the switch and try to run it at once; while any
// request (the failing one included) is still active that attempt is a
// no-op, and the switch runs from the Finalize that brings the count to 0.
func (c *Controller) RecordFailure(status int, message string) {
	c.mu.Lock()
	immediate := false
	reason := ""
	if c.immediateCodes[status] {
		immediate = true
		reason = ReasonStatusCode
	}
	if c.failureThreshold > 0 {
		c.failureCount++
		if c.failureCount >= c.failureThreshold {
			// Failure-based wins the tie-break against a same-request
			// status-code trigger per spec.md §4.4.
			immediate = true
			reason = ReasonFailureThresh
		}
	}
	c.mu.Unlock()

	if immediate {
		c.schedule(reason, nil)
		c.tryExecute()
	}
}

// ManualSwitch services the admin "switch account" endpoint. target is nil
// for "next index cyclically", or an explicit index.
func (c *Controller) ManualSwitch(target *int) error {
	c.mu.Lock()
	if c.authSwitching {
		c.mu.Unlock()
		return fmt.Errorf("switch already in progress")
	}
	c.mu.Unlock()
	c.schedule(ReasonManual, target)
	c.tryExecute()
	return nil
}

// schedule sets pendingSwitch, no-op if a switch is already executing (the
// "additional triggers are no-ops" tie-break).
func (c *Controller) schedule(reason string, target *int) {
	c.mu.Lock()
	if c.authSwitching {
		c.mu.Unlock()
		return
	}
	wasPending := c.pendingSwitch
	if !wasPending || reason == ReasonFailureThresh || reason == ReasonStatusCode || reason == ReasonManual {
		c.switchReason = reason
		c.switchTarget = target
	}
	c.pendingSwitch = true
	c.mu.Unlock()

	if !wasPending {
		c.bus.Publish(events.Event{Type: events.EventRotationPending, Message: reason})
	}
}

// tryExecute checks the deferred-switch invariant (activeRequestCount == 0
// ∧ ¬authSwitching) and, if satisfied, claims the switch and launches it.
func (c *Controller) tryExecute() {
	c.mu.Lock()
	if !c.pendingSwitch || c.authSwitching || c.unavailable || c.activeRequestCount != 0 {
		c.mu.Unlock()
		return
	}
	c.authSwitching = true
	c.systemBusy = true
	target := c.switchTarget
	reason := c.switchReason
	c.mu.Unlock()

	c.bus.Publish(events.Event{Type: events.EventRotationSwitching, Message: reason})
	go c.performSwitch(target, reason)
}

func (c *Controller) performSwitch(target *int, reason string) {
	ctx := context.Background()

	previous := c.CurrentIndex()
	to := target
	if to == nil {
		next := c.nextCyclicIndex(previous)
		to = &next
	}

	if err := c.session.SwitchTo(ctx, *to); err != nil {
		slog.Error("rotation: switch failed, attempting rollback", "target", *to, "error", err)
		c.rollback(previous, err)
		return
	}

	c.mu.Lock()
	c.currentIndex = *to
	c.failureCount = 0
	c.usageCount = 0
	c.pendingSwitch = false
	c.authSwitching = false
	c.systemBusy = false
	c.switchReason = ""
	c.switchTarget = nil
	c.mu.Unlock()

	slog.Info("rotation: switch complete", "index", *to, "reason", reason)
	c.bus.Publish(events.Event{Type: events.EventRotationComplete, Index: *to, Message: reason})
}

func (c *Controller) rollback(previous int, switchErr error) {
	ctx := context.Background()
	if err := c.session.SwitchTo(ctx, previous); err != nil {
		slog.Error("rotation: rollback failed, entering unavailable state", "error", err)
		c.mu.Lock()
		c.unavailable = true
		c.authSwitching = false
		c.systemBusy = false
		c.mu.Unlock()
		c.bus.Publish(events.Event{Type: events.EventRotationUnavail, Message: switchErr.Error()})
		return
	}

	c.mu.Lock()
	c.currentIndex = previous
	c.pendingSwitch = false
	c.authSwitching = false
	c.systemBusy = false
	c.switchReason = ""
	c.switchTarget = nil
	c.mu.Unlock()
	c.bus.Publish(events.Event{Type: events.EventRotationRollback, Index: previous, Message: switchErr.Error()})
}

func (c *Controller) nextCyclicIndex(current int) int {
	indices := c.credentials.AvailableIndices()
	if len(indices) == 0 {
		return current
	}
	for i, idx := range indices {
		if idx == current {
			return indices[(i+1)%len(indices)]
		}
	}
	return indices[0]
}
