// Package control implements the control-signal coordinator: the single
// synchronization point between an engine driving a playbook and the outside
// transport issuing pause/resume/skip/cancel commands. All flags are
// process-local and unpersisted; they are lost on restart.
package control

import (
	"context"
	"sync"
	"time"

	v1 "github.com/opx-labs/opx/pkg/opx/v1"
	opxerrors "github.com/opx-labs/opx/pkg/opx/v1/errors"
	opxlog "github.com/opx-labs/opx/pkg/opx/v1/log"
)

const (
	// pausePollInterval bounds how long a paused engine waits before
	// re-checking for cancel or resume.
	pausePollInterval = 500 * time.Millisecond
	// sleepSliceInterval bounds each slice of a cooperative delay so a
	// cancel arriving mid-delay is observed quickly.
	sleepSliceInterval = 500 * time.Millisecond
)

// Coordinator owns the control signals of one engine. One instance per engine.
type Coordinator struct {
	mu                sync.Mutex
	paused            bool
	cancelRequested   bool
	skipRequested     bool
	skipBackRequested bool
	debugMode         bool
	debugContext      *v1.DebugContext

	log opxlog.Logger
}

// NewCoordinator creates a Coordinator with all signals cleared.
func NewCoordinator(log opxlog.Logger) *Coordinator {
	return &Coordinator{log: log}
}

// Check is the suspension point consulted before each step and inside long
// waits. Precedence: cancellation wins over pause. If cancel is requested (or
// the context is done), it returns a CancelledError immediately. If paused,
// it blocks cooperatively, re-checking at a bounded poll interval and staying
// responsive to a cancel arriving while paused.
func (c *Coordinator) Check(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return opxerrors.NewCancelledError("execution context cancelled")
		}
		c.mu.Lock()
		cancelled := c.cancelRequested
		paused := c.paused
		c.mu.Unlock()

		if cancelled {
			return opxerrors.NewCancelledError("cancel requested")
		}
		if !paused {
			return nil
		}

		select {
		case <-ctx.Done():
			return opxerrors.NewCancelledError("execution context cancelled")
		case <-time.After(pausePollInterval):
		}
	}
}

// Pause requests that the engine hold at its next check.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	if c.log != nil {
		c.log.Infof("Pause requested")
	}
}

// Resume clears the paused flag and any stored debug context.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.debugContext = nil
	if c.log != nil {
		c.log.Infof("Resume requested")
	}
}

// IsPaused reports whether a pause is currently in effect.
func (c *Coordinator) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Cancel requests cooperative cancellation. The engine observes it at the
// next check or bounded-wait slice.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelRequested = true
	if c.log != nil {
		c.log.Infof("Cancel requested")
	}
}

// IsCancelled reports whether cancellation has been requested.
func (c *Coordinator) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelRequested
}

// SkipCurrentStep sets the one-shot skip flag. The engine consumes it before
// dispatching the next step, recording that step as skipped.
func (c *Coordinator) SkipCurrentStep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipRequested = true
	if c.log != nil {
		c.log.Infof("Skip requested for next step")
	}
}

// ConsumeSkip reports and clears the one-shot skip flag.
func (c *Coordinator) ConsumeSkip() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	requested := c.skipRequested
	c.skipRequested = false
	return requested
}

// SkipBackStep requests that the engine re-run the previous step.
func (c *Coordinator) SkipBackStep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipBackRequested = true
	if c.log != nil {
		c.log.Infof("Skip-back requested")
	}
}

// ConsumeSkipBack reports and clears the skip-back flag.
func (c *Coordinator) ConsumeSkipBack() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	requested := c.skipBackRequested
	c.skipBackRequested = false
	return requested
}

// EnableDebugMode turns debug-on-failure behavior on.
func (c *Coordinator) EnableDebugMode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugMode = true
	if c.log != nil {
		c.log.Infof("Debug mode enabled")
	}
}

// DisableDebugMode turns debug-on-failure behavior off and clears any stored
// debug context.
func (c *Coordinator) DisableDebugMode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugMode = false
	c.debugContext = nil
	if c.log != nil {
		c.log.Infof("Debug mode disabled")
	}
}

// DebugModeEnabled reports whether debug mode is on.
func (c *Coordinator) DebugModeEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.debugMode
}

// TriggerDebugPause stores the debug context and enters the same paused state
// a manual pause would. It is a no-op when debug mode is off.
func (c *Coordinator) TriggerDebugPause(dc *v1.DebugContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.debugMode {
		return
	}
	c.debugContext = dc
	c.paused = true
	if c.log != nil && dc != nil {
		c.log.Infof("Debug pause triggered for step '%s'", dc.StepID)
	}
}

// GetDebugContext returns the stored debug context, or nil when no debug
// pause is in effect.
func (c *Coordinator) GetDebugContext() *v1.DebugContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debugContext == nil {
		return nil
	}
	dc := *c.debugContext
	return &dc
}

// Reset clears every signal. The engine calls it at the start of each
// execution so stale flags from a previous run cannot leak in. The debug mode
// toggle survives a reset: it is an operator preference, not per-run state.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.cancelRequested = false
	c.skipRequested = false
	c.skipBackRequested = false
	c.debugContext = nil
}

// Sleep waits for the given duration in bounded slices, returning early with
// a CancelledError if cancellation arrives mid-wait. Used for inter-retry
// delays and any other plain wait inside the core.
func (c *Coordinator) Sleep(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if ctx.Err() != nil {
			return opxerrors.NewCancelledError("execution context cancelled")
		}
		if c.IsCancelled() {
			return opxerrors.NewCancelledError("cancel requested")
		}

		slice := remaining
		if slice > sleepSliceInterval {
			slice = sleepSliceInterval
		}
		select {
		case <-ctx.Done():
			return opxerrors.NewCancelledError("execution context cancelled")
		case <-time.After(slice):
		}
	}
}
