// Package persist defines the persistence interface the engine writes
// through. Writes are best effort: the engine logs failures and continues,
// so implementations must never be load-bearing for correctness.
package persist

import (
	v1 "github.com/opx-labs/opx/pkg/opx/v1"
)

// Recorder receives execution lifecycle writes from the engine.
type Recorder interface {
	// RecordExecutionStart is called once, before parameter validation, so
	// the run is observable even on immediate failure.
	RecordExecutionStart(state *v1.ExecutionState) error

	// RecordStepResult is called after each step outcome is appended.
	RecordStepResult(executionID string, result *v1.StepResult) error

	// RecordExecutionEnd is called once with the terminal state.
	RecordExecutionEnd(state *v1.ExecutionState) error
}
