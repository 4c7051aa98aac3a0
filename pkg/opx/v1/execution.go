// Package v1 holds the public data model of the OPX execution core: the
// mutable record of one playbook run and the outcome records of its steps.
// The transport layer serializes these types directly.
package v1

import "time"

// ExecutionStatus is the lifecycle state of one playbook run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the outcome state of one step.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records the outcome of one executed (or skipped) step.
// ExecutionState.StepResults grows strictly in execution order and is never
// reordered or truncated; a step re-run via skip-back leaves its stale
// result in place with Superseded set.
type StepResult struct {
	StepID      string                 `json:"step_id"`
	StepName    string                 `json:"step_name"`
	Status      StepStatus             `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	// RetryCount is the number of retries actually made, not counting the
	// first attempt.
	RetryCount int  `json:"retry_count"`
	Superseded bool `json:"superseded,omitempty"`
}

// ExecutionState is the mutable record of one playbook run. It is created at
// the start of execution and persisted before parameter validation so every
// invocation is observable, mutated only by the Engine that owns it, and
// immutable once its status is terminal.
type ExecutionState struct {
	ExecutionID      string                 `json:"execution_id"`
	PlaybookName     string                 `json:"playbook_name"`
	Status           ExecutionStatus        `json:"status"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	CurrentStepIndex int                    `json:"current_step_index"`
	Error            string                 `json:"error,omitempty"`
	Variables        map[string]interface{} `json:"variables"`
	StepResults      []*StepResult          `json:"step_results"`
	// Artifacts is the flattened list of file paths (screenshots, exports)
	// produced by this run and any nested runs, kept for cleanup accounting.
	Artifacts []string `json:"artifacts,omitempty"`
}

// NewExecutionState constructs a running state for the given execution id
// and playbook name, stamped with the current time.
func NewExecutionState(executionID, playbookName string) *ExecutionState {
	return &ExecutionState{
		ExecutionID:  executionID,
		PlaybookName: playbookName,
		Status:       ExecutionRunning,
		StartedAt:    time.Now(),
		Variables:    make(map[string]interface{}),
		StepResults:  make([]*StepResult, 0),
	}
}

// Clone returns a deep copy of the step result. The returned value shares no
// mutable data with the receiver.
func (r *StepResult) Clone() *StepResult {
	if r == nil {
		return nil
	}
	cpy := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cpy.CompletedAt = &t
	}
	if r.Output != nil {
		cpy.Output = copyValue(r.Output).(map[string]interface{})
	}
	return &cpy
}

// Clone returns a deep copy of the execution state, suitable for handing to
// notifiers and recorders without exposing the engine's live record.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	cpy := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cpy.CompletedAt = &t
	}
	cpy.Variables = make(map[string]interface{}, len(s.Variables))
	for k, v := range s.Variables {
		cpy.Variables[k] = copyValue(v)
	}
	cpy.StepResults = make([]*StepResult, len(s.StepResults))
	for i, r := range s.StepResults {
		cpy.StepResults[i] = r.Clone()
	}
	if s.Artifacts != nil {
		cpy.Artifacts = append([]string(nil), s.Artifacts...)
	}
	return &cpy
}

// copyValue deep-copies the value shapes produced by YAML decoding and
// handler outputs. Other types are returned as-is.
func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		cpy := make(map[string]interface{}, len(val))
		for k, item := range val {
			cpy[k] = copyValue(item)
		}
		return cpy
	case []interface{}:
		cpy := make([]interface{}, len(val))
		for i, item := range val {
			cpy[i] = copyValue(item)
		}
		return cpy
	default:
		return v
	}
}

// DebugContext captures diagnostic state at the moment a step's first
// failure triggered a debug pause.
type DebugContext struct {
	StepID     string    `json:"step_id"`
	StepName   string    `json:"step_name"`
	StepType   string    `json:"step_type"`
	Error      string    `json:"error"`
	Screenshot string    `json:"screenshot,omitempty"`
	PageSource string    `json:"page_source,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
