package errors

import (
	"errors"
	"fmt"
)

// ConfigError represents an error encountered while loading, parsing, or
// validating a playbook file or engine options.
type ConfigError struct {
	Message string
	Cause   error
}

func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{Message: message, Cause: cause}
}
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}
func (e *ConfigError) Unwrap() error { return e.Cause }

// ValidationError indicates that some input (playbook structure, supplied
// execution parameters, handler parameters) failed validation checks.
type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}
func (e *ValidationError) Unwrap() error { return e.Cause }

// ResolutionError indicates that a template reference could not be resolved
// against its namespace. It always carries the namespace and key so failures
// name exactly what was missing.
type ResolutionError struct {
	Namespace string
	Key       string
	Cause     error
}

func NewResolutionError(namespace, key string, cause error) *ResolutionError {
	return &ResolutionError{Namespace: namespace, Key: key, Cause: cause}
}
func (e *ResolutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("resolution error: %s '%s' not found: %v", e.Namespace, e.Key, e.Cause)
	}
	return fmt.Sprintf("resolution error: %s '%s' not found", e.Namespace, e.Key)
}
func (e *ResolutionError) Unwrap() error { return e.Cause }

// StepExecutionError represents a fatal error from a single step attempt:
// a handler failure, an attempt timeout, or an unknown step type.
type StepExecutionError struct {
	StepID string
	Cause  error
}

func NewStepExecutionError(stepID string, cause error) *StepExecutionError {
	return &StepExecutionError{StepID: stepID, Cause: cause}
}
func (e *StepExecutionError) Error() string {
	if e.StepID == "" {
		return fmt.Sprintf("step execution failed: %v", e.Cause)
	}
	return fmt.Sprintf("step '%s' execution failed: %v", e.StepID, e.Cause)
}
func (e *StepExecutionError) Unwrap() error { return e.Cause }

// HandlerNotFoundError indicates that no handler is registered for a step
// type's namespace prefix. Never retried.
type HandlerNotFoundError struct {
	Namespace string
}

func NewHandlerNotFoundError(namespace string) *HandlerNotFoundError {
	return &HandlerNotFoundError{Namespace: namespace}
}
func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for step namespace: %s", e.Namespace)
}

// CompositionError indicates a nested-playbook failure: a reference cycle,
// exceeded nesting depth, or an unverified target playbook.
type CompositionError struct {
	PlaybookPath string
	Reason       string
}

func NewCompositionError(playbookPath, reason string) *CompositionError {
	return &CompositionError{PlaybookPath: playbookPath, Reason: reason}
}
func (e *CompositionError) Error() string {
	return fmt.Sprintf("playbook composition error for '%s': %s", e.PlaybookPath, e.Reason)
}

// CancelledError signals that execution stopped because cancellation was
// requested through the control surface.
type CancelledError struct {
	Reason string
}

func NewCancelledError(reason string) *CancelledError {
	return &CancelledError{Reason: reason}
}
func (e *CancelledError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("execution cancelled: %s", e.Reason)
	}
	return "execution cancelled"
}

// IsCancelled checks whether err is (or wraps) a CancelledError.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// SkippedError indicates a step was intentionally skipped via the one-shot
// skip signal. It implements error but signifies non-failure.
type SkippedError struct {
	Reason string
}

func NewSkippedError(reason string) *SkippedError {
	return &SkippedError{Reason: reason}
}
func (e *SkippedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("step skipped: %s", e.Reason)
	}
	return "step skipped"
}

// IsSkipped checks whether err is (or wraps) a SkippedError.
func IsSkipped(err error) bool {
	var se *SkippedError
	return errors.As(err, &se)
}
