// Package resources defines the per-execution automation resource hooks.
// A Session bundles the live handles (browser driver, gateway client,
// designer connection) one execution owns exclusively; nested playbook runs
// share the parent's Session so session state persists across the boundary.
package resources

import "context"

// Session is an opaque bundle of live automation handles. The engine
// acquires one per execution and releases it in teardown regardless of
// outcome. Optional capabilities are discovered by interface assertion.
type Session interface {
	// Close releases every handle in the session.
	Close() error
}

// Provider acquires and releases Sessions on behalf of the engine.
type Provider interface {
	Acquire(ctx context.Context, executionID string) (Session, error)
	Release(session Session)
}

// StreamController is implemented by Sessions with a live view stream. The
// engine pauses the stream alongside a manual pause and resumes it on
// resume.
type StreamController interface {
	PauseStreaming()
	ResumeStreaming()
}

// Capturer is implemented by Sessions that can snapshot a browser target.
// The step executor uses it for best-effort debug capture; failures are
// swallowed into the debug context.
type Capturer interface {
	CaptureScreenshot(ctx context.Context) (path string, err error)
	CapturePageSource(ctx context.Context) (markup string, err error)
}
