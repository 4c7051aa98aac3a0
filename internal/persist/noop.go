package persist

import (
	v1 "github.com/opx-labs/opx/pkg/opx/v1"
	"github.com/opx-labs/opx/pkg/opx/v1/persist"
)

// NoOpRecorder is a Recorder that discards everything. It is the fallback
// used when no persistence backend is configured, so the engine never has to
// nil-check its recorder.
type NoOpRecorder struct{}

// NewNoOpRecorder creates a new instance of the NoOpRecorder.
func NewNoOpRecorder() persist.Recorder {
	return &NoOpRecorder{}
}

func (n *NoOpRecorder) RecordExecutionStart(state *v1.ExecutionState) error { return nil }

func (n *NoOpRecorder) RecordStepResult(executionID string, result *v1.StepResult) error { return nil }

func (n *NoOpRecorder) RecordExecutionEnd(state *v1.ExecutionState) error { return nil }

// Ensure NoOpRecorder implements the public persist.Recorder interface.
var _ persist.Recorder = (*NoOpRecorder)(nil)
