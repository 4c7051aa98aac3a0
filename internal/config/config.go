package config

import (
	"strings"
	"time"
)

// Constants for the Step on_failure policy.
const (
	OnFailureAbort    = "abort"
	OnFailureContinue = "continue"
	OnFailureRollback = "rollback"
)

// Parameter type tags accepted in a playbook's parameter declarations.
const (
	ParamTypeString     = "string"
	ParamTypeNumber     = "number"
	ParamTypeBoolean    = "boolean"
	ParamTypeCredential = "credential"
	ParamTypeAny        = "any"
)

// StepTypeNestedPlaybook is the step type that delegates to another playbook.
const StepTypeNestedPlaybook = "playbook.run"

// Playbook represents the top-level structure of an OPX playbook YAML file.
// A Playbook is immutable once loaded.
type Playbook struct {
	Name          string                `yaml:"name"`
	SchemaVersion string                `yaml:"schemaVersion,omitempty"`
	Version       string                `yaml:"version,omitempty"`
	Description   string                `yaml:"description,omitempty"`
	Parameters    []ParameterDefinition `yaml:"parameters,omitempty"`
	Steps         []Step                `yaml:"steps"`

	// Verified marks a playbook as approved by the authoring workflow.
	// Only verified playbooks may be invoked as nested playbooks.
	Verified bool `yaml:"verified,omitempty"`

	// FilePath stores the source file path for context in logging, error
	// messages, and nested-playbook cycle detection. Not parsed from YAML.
	FilePath string `yaml:"-"`
}

// ParameterDefinition declares one input a playbook accepts.
type ParameterDefinition struct {
	Name        string      `yaml:"name"`
	Type        string      `yaml:"type,omitempty"`
	Required    bool        `yaml:"required,omitempty"`
	Default     interface{} `yaml:"default,omitempty"`
	Description string      `yaml:"description,omitempty"`
}

// Step represents a single unit of work within a playbook.
type Step struct {
	ID         string                 `yaml:"id"`
	Name       string                 `yaml:"name,omitempty"`
	Type       string                 `yaml:"type"`
	Parameters map[string]interface{} `yaml:"parameters,omitempty"`

	// Timeout is the per-attempt deadline in seconds. Zero or negative means
	// no per-attempt deadline.
	Timeout float64 `yaml:"timeout,omitempty"`
	// RetryCount is the number of retries after the first attempt.
	RetryCount int `yaml:"retry_count,omitempty"`
	// RetryDelay is the pause between attempts in seconds.
	RetryDelay float64 `yaml:"retry_delay,omitempty"`
	// OnFailure selects the failure policy, one of abort, continue, rollback.
	// Empty means abort.
	OnFailure string `yaml:"on_failure,omitempty"`
}

// Namespace returns the handler namespace prefix of the step type: the
// segment before the first dot. A type without a dot is its own namespace.
func (s *Step) Namespace() string {
	if idx := strings.IndexByte(s.Type, '.'); idx >= 0 {
		return s.Type[:idx]
	}
	return s.Type
}

// IsNestedPlaybook reports whether the step delegates to another playbook.
func (s *Step) IsNestedPlaybook() bool {
	return s.Type == StepTypeNestedPlaybook
}

// GetTimeout returns the configured per-attempt timeout, or 0 if unset/invalid.
func (s *Step) GetTimeout() time.Duration {
	if s.Timeout <= 0 {
		return 0
	}
	return time.Duration(s.Timeout * float64(time.Second))
}

// GetRetryDelay returns the configured inter-attempt delay, or 0 if unset/invalid.
func (s *Step) GetRetryDelay() time.Duration {
	if s.RetryDelay <= 0 {
		return 0
	}
	return time.Duration(s.RetryDelay * float64(time.Second))
}

// GetRetryCount returns the configured retry count, clamped to non-negative.
func (s *Step) GetRetryCount() int {
	if s.RetryCount < 0 {
		return 0
	}
	return s.RetryCount
}

// GetOnFailure returns the configured failure policy, defaulting to abort.
func (s *Step) GetOnFailure() string {
	if s.OnFailure == "" {
		return OnFailureAbort
	}
	return s.OnFailure
}

// DisplayName returns the step name for logs and results, falling back to the id.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// FindParameter returns the declaration for the named parameter, or nil.
func (p *Playbook) FindParameter(name string) *ParameterDefinition {
	for i := range p.Parameters {
		if p.Parameters[i].Name == name {
			return &p.Parameters[i]
		}
	}
	return nil
}
