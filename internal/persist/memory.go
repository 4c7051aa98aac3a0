package persist

import (
	"fmt"
	"sync"

	v1 "github.com/opx-labs/opx/pkg/opx/v1"
	"github.com/opx-labs/opx/pkg/opx/v1/persist"
)

// MemoryRecorder implements the Recorder interface using a map protected by a
// sync.RWMutex. It provides volatile execution-history storage suitable for
// single-process use and testing. All reads return deep copies, guaranteeing
// immutability from the caller's perspective.
type MemoryRecorder struct {
	executions map[string]*v1.ExecutionState
	mu         sync.RWMutex
}

// NewMemoryRecorder creates an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		executions: make(map[string]*v1.ExecutionState),
	}
}

// RecordExecutionStart stores the initial state snapshot for a new execution.
// Recording happens before parameter validation, so even invalid invocations
// leave a record.
func (r *MemoryRecorder) RecordExecutionStart(state *v1.ExecutionState) error {
	if state == nil || state.ExecutionID == "" {
		return fmt.Errorf("cannot record execution start: missing execution id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[state.ExecutionID] = state.Clone()
	return nil
}

// RecordStepResult appends (or, for a superseding re-run, replaces the
// matching non-superseded entry of) a step result on the stored execution.
// The engine is the source of truth for ordering; the recorder stores what it
// is given.
func (r *MemoryRecorder) RecordStepResult(executionID string, result *v1.StepResult) error {
	if result == nil {
		return fmt.Errorf("cannot record nil step result for execution '%s'", executionID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.executions[executionID]
	if !ok {
		return fmt.Errorf("cannot record step result: unknown execution '%s'", executionID)
	}
	state.StepResults = append(state.StepResults, result.Clone())
	return nil
}

// RecordExecutionEnd stores the final state snapshot, overwriting the running
// record.
func (r *MemoryRecorder) RecordExecutionEnd(state *v1.ExecutionState) error {
	if state == nil || state.ExecutionID == "" {
		return fmt.Errorf("cannot record execution end: missing execution id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[state.ExecutionID] = state.Clone()
	return nil
}

// Get returns a deep copy of the stored state for the given execution id.
func (r *MemoryRecorder) Get(executionID string) (*v1.ExecutionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.executions[executionID]
	if !ok {
		return nil, false
	}
	return state.Clone(), true
}

// List returns deep copies of all stored execution states.
func (r *MemoryRecorder) List() []*v1.ExecutionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*v1.ExecutionState, 0, len(r.executions))
	for _, state := range r.executions {
		out = append(out, state.Clone())
	}
	return out
}

// Ensure MemoryRecorder implements the public persist.Recorder interface.
var _ persist.Recorder = (*MemoryRecorder)(nil)
