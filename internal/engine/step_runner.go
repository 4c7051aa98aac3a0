package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/opx-labs/opx/internal/config"
	"github.com/opx-labs/opx/internal/control"
	"github.com/opx-labs/opx/internal/paramutil"
	"github.com/opx-labs/opx/internal/resolver"
	"github.com/opx-labs/opx/internal/retry"
	v1 "github.com/opx-labs/opx/pkg/opx/v1"
	opxerrors "github.com/opx-labs/opx/pkg/opx/v1/errors"
	"github.com/opx-labs/opx/pkg/opx/v1/handler"
	opxlog "github.com/opx-labs/opx/pkg/opx/v1/log"
	"github.com/opx-labs/opx/pkg/opx/v1/resources"
)

// maxNestedDepth bounds how many playbook.run frames may be stacked.
const maxNestedDepth = 3

// namespaceBrowser marks steps whose debug capture can include a screenshot
// and page markup from the browser collaborator.
const namespaceBrowser = "browser"

// PlaybookSource loads playbooks referenced by playbook.run steps.
type PlaybookSource interface {
	Load(ctx context.Context, path string) (*config.Playbook, error)
}

// FilePlaybookSource loads playbooks from the filesystem.
type FilePlaybookSource struct{}

// Load reads and validates the playbook at path.
func (FilePlaybookSource) Load(_ context.Context, path string) (*config.Playbook, error) {
	return config.LoadPlaybookFromFile(path)
}

// execScope carries the per-execution context a step runs inside: its
// resolver, the base path for relative file references, the playbook-path
// call stack for nested composition checks, the variables map that
// utility.set_variable folds into, and the optional browser capturer for
// debug-pause diagnostics.
type execScope struct {
	resolver  *resolver.Resolver
	basePath  string
	callStack []string
	variables map[string]interface{}
	capturer  resources.Capturer
}

// StepRunner executes single steps: parameter resolution, handler dispatch
// under timeout and retry policy, debug-on-failure capture, and nested
// playbook composition. Step-level failures never escape as errors; they are
// converted into FAILED StepResults.
type StepRunner struct {
	registry    handler.Registry
	coordinator *control.Coordinator
	retryHelper *retry.Helper
	source      PlaybookSource
	log         opxlog.Logger
}

// NewStepRunner wires a step runner to its collaborators.
func NewStepRunner(registry handler.Registry, coordinator *control.Coordinator, retryHelper *retry.Helper, source PlaybookSource, log opxlog.Logger) *StepRunner {
	return &StepRunner{
		registry:    registry,
		coordinator: coordinator,
		retryHelper: retryHelper,
		source:      source,
		log:         log,
	}
}

// ExecuteStep runs one step and always returns a terminal StepResult.
func (r *StepRunner) ExecuteStep(ctx context.Context, step *config.Step, scope *execScope) *v1.StepResult {
	result := &v1.StepResult{
		StepID:    step.ID,
		StepName:  step.DisplayName(),
		Status:    v1.StepRunning,
		StartedAt: time.Now(),
	}

	resolvedParams, err := scope.resolver.ResolveParameters(ctx, step.Parameters)
	if err != nil {
		r.log.Errorf("Step '%s': parameter resolution failed: %v", step.ID, err)
		return finalizeFailure(result, err, 0)
	}

	if step.IsNestedPlaybook() {
		output, nestedErr := r.runNestedPlaybook(ctx, resolvedParams, scope)
		if nestedErr != nil {
			return finalizeFailure(result, nestedErr, 0)
		}
		return finalizeSuccess(result, output, 0)
	}

	namespace := step.Namespace()
	h, err := r.registry.Get(namespace)
	if err != nil {
		// An unregistered namespace is a fatal step error, never retried.
		r.log.Errorf("Step '%s': %v", step.ID, err)
		return finalizeFailure(result, err, 0)
	}

	op := strings.TrimPrefix(step.Type, namespace)
	op = strings.TrimPrefix(op, ".")

	var output map[string]interface{}
	var debugShortCircuit bool

	attempts, err := r.retryHelper.Do(ctx, retry.Config{
		Attempts: step.GetRetryCount() + 1,
		Delay:    step.GetRetryDelay(),
		StepID:   step.ID,
	}, func(attemptCtx context.Context, attempt int) error {
		out, attemptErr := r.dispatch(attemptCtx, h, op, resolvedParams, step)
		if attemptErr == nil {
			output = out
			return nil
		}

		// With debug mode on, the first failed attempt captures diagnostics,
		// pauses, and short-circuits all further retries for this step.
		if attempt == 1 && r.coordinator.DebugModeEnabled() {
			r.captureDebugPause(attemptCtx, step, attemptErr, scope)
			debugShortCircuit = true
			return retry.Permanent(attemptErr)
		}
		return attemptErr
	})

	retryCount := attempts - 1
	if retryCount < 0 {
		retryCount = 0
	}
	if debugShortCircuit {
		retryCount = 0
	}

	if err != nil {
		return finalizeFailure(result, opxerrors.NewStepExecutionError(step.ID, err), retryCount)
	}
	return finalizeSuccess(result, output, retryCount)
}

// dispatch invokes the handler for one attempt, bounding it with the step's
// per-attempt timeout. Handlers are not natively interruptible, so the call
// runs in its own goroutine and the result of a timed-out attempt is
// discarded when it eventually returns.
func (r *StepRunner) dispatch(ctx context.Context, h handler.Handler, op string, params map[string]interface{}, step *config.Step) (map[string]interface{}, error) {
	attemptCtx := ctx
	cancel := func() {}
	if timeout := step.GetTimeout(); timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type dispatchResult struct {
		output map[string]interface{}
		err    error
	}
	done := make(chan dispatchResult, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- dispatchResult{err: fmt.Errorf("handler panicked: %v", rec)}
			}
		}()
		out, err := h.Execute(attemptCtx, op, params)
		done <- dispatchResult{output: out, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-attemptCtx.Done():
		if timeout := step.GetTimeout(); timeout > 0 && ctx.Err() == nil {
			return nil, fmt.Errorf("step '%s' timed out after %s", step.ID, timeout)
		}
		return nil, opxerrors.NewCancelledError("execution context cancelled")
	}
}

// captureDebugPause builds a DebugContext for the failed attempt. For browser
// steps it additionally tries to capture a screenshot and the page markup
// through the browser collaborator; capture failures are swallowed into the
// context rather than surfaced.
func (r *StepRunner) captureDebugPause(ctx context.Context, step *config.Step, attemptErr error, scope *execScope) {
	dc := &v1.DebugContext{
		StepID:    step.ID,
		StepName:  step.DisplayName(),
		StepType:  step.Type,
		Error:     attemptErr.Error(),
		Timestamp: time.Now(),
	}

	if step.Namespace() == namespaceBrowser && scope.capturer != nil {
		if shot, err := scope.capturer.CaptureScreenshot(ctx); err == nil {
			dc.Screenshot = shot
		} else {
			r.log.Debugf("Step '%s': debug screenshot capture failed: %v", step.ID, err)
		}
		if src, err := scope.capturer.CapturePageSource(ctx); err == nil {
			dc.PageSource = src
		} else {
			r.log.Debugf("Step '%s': debug page source capture failed: %v", step.ID, err)
		}
	}

	r.coordinator.TriggerDebugPause(dc)
}

// runNestedPlaybook executes a playbook.run step: load and admit the target
// playbook, build a child scope sharing live automation resources but with
// fresh parameter and variable namespaces, run its steps sequentially, and
// aggregate a per-step summary plus the flattened artifact list.
func (r *StepRunner) runNestedPlaybook(ctx context.Context, resolvedParams map[string]interface{}, scope *execScope) (map[string]interface{}, error) {
	pathParam, err := paramutil.GetRequiredString(resolvedParams, "playbook")
	if err != nil {
		return nil, err
	}

	childPath, err := scope.resolver.ResolveFilePath(ctx, pathParam, scope.basePath)
	if err != nil {
		return nil, err
	}

	if len(scope.callStack) >= maxNestedDepth {
		return nil, opxerrors.NewCompositionError(childPath,
			fmt.Sprintf("nested playbook depth limit (%d) exceeded", maxNestedDepth))
	}
	for _, ancestor := range scope.callStack {
		if ancestor == childPath {
			return nil, opxerrors.NewCompositionError(childPath,
				fmt.Sprintf("cyclic nested playbook reference (call stack: %s)", strings.Join(scope.callStack, " -> ")))
		}
	}

	if r.source == nil {
		return nil, opxerrors.NewCompositionError(childPath, "no playbook source configured for nested playbooks")
	}
	child, err := r.source.Load(ctx, childPath)
	if err != nil {
		return nil, opxerrors.NewCompositionError(childPath, fmt.Sprintf("failed to load nested playbook: %v", err))
	}
	if !child.Verified {
		return nil, opxerrors.NewCompositionError(childPath, "nested playbook is not verified")
	}

	// The child's parameter namespace is the call site's parameters minus the
	// 'playbook' key, validated against the child's own declarations.
	callParams := make(map[string]interface{}, len(resolvedParams))
	for k, v := range resolvedParams {
		if k != "playbook" {
			callParams[k] = v
		}
	}
	childParams, err := validateParameters(child, callParams)
	if err != nil {
		return nil, opxerrors.NewCompositionError(childPath, fmt.Sprintf("nested playbook parameter validation failed: %v", err))
	}

	childVars := make(map[string]interface{})
	var childResults []*v1.StepResult
	childOutputs := func(stepID string) (map[string]interface{}, bool) {
		for i := len(childResults) - 1; i >= 0; i-- {
			res := childResults[i]
			if res.StepID == stepID && !res.Superseded && res.Status == v1.StepCompleted {
				return res.Output, true
			}
		}
		return nil, false
	}

	childScope := &execScope{
		resolver:  scope.resolver.NewChild(childParams, childVars, childOutputs),
		basePath:  filepath.Dir(childPath),
		callStack: append(append([]string(nil), scope.callStack...), childPath),
		variables: childVars,
		capturer:  scope.capturer,
	}

	r.log.Infof("Running nested playbook '%s' (%s), depth %d", child.Name, childPath, len(childScope.callStack))

	summary := make([]interface{}, 0, len(child.Steps))
	artifacts := []string{}

	for i := range child.Steps {
		step := &child.Steps[i]
		if err := r.coordinator.Check(ctx); err != nil {
			return nil, err
		}

		result := r.ExecuteStep(ctx, step, childScope)
		childResults = append(childResults, result)
		foldSetVariable(step, result, childVars)
		artifacts = append(artifacts, extractArtifacts(result.Output)...)
		summary = append(summary, map[string]interface{}{
			"id":     result.StepID,
			"name":   result.StepName,
			"status": string(result.Status),
		})

		if result.Status == v1.StepFailed {
			switch step.GetOnFailure() {
			case config.OnFailureContinue:
				continue
			case config.OnFailureRollback:
				return nil, fmt.Errorf("nested playbook '%s' step '%s' failed: %s (rollback requested but not implemented; aborting)", child.Name, step.ID, result.Error)
			default:
				return nil, fmt.Errorf("nested playbook '%s' step '%s' failed: %s", child.Name, step.ID, result.Error)
			}
		}
	}

	return map[string]interface{}{
		"playbook":       child.Name,
		"steps_executed": len(childResults),
		"results":        summary,
		"artifacts":      artifacts,
	}, nil
}

// foldSetVariable copies a successful utility.set_variable step's output into
// the scope's variables map.
func foldSetVariable(step *config.Step, result *v1.StepResult, variables map[string]interface{}) {
	if step.Type != "utility.set_variable" || result.Status != v1.StepCompleted {
		return
	}
	name, ok := result.Output["variable"].(string)
	if !ok || name == "" {
		return
	}
	variables[name] = result.Output["value"]
}

// extractArtifacts pulls artifact file paths out of a handler output. Handlers
// report either a single "artifact" path or an "artifacts" list.
func extractArtifacts(output map[string]interface{}) []string {
	if output == nil {
		return nil
	}
	var out []string
	if p, ok := output["artifact"].(string); ok && p != "" {
		out = append(out, p)
	}
	switch list := output["artifacts"].(type) {
	case []string:
		out = append(out, list...)
	case []interface{}:
		for _, item := range list {
			if p, ok := item.(string); ok && p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// finalizeSuccess stamps a completed result.
func finalizeSuccess(result *v1.StepResult, output map[string]interface{}, retryCount int) *v1.StepResult {
	now := time.Now()
	result.Status = v1.StepCompleted
	result.CompletedAt = &now
	result.Output = output
	result.RetryCount = retryCount
	return result
}

// finalizeFailure stamps a failed result.
func finalizeFailure(result *v1.StepResult, err error, retryCount int) *v1.StepResult {
	now := time.Now()
	result.Status = v1.StepFailed
	result.CompletedAt = &now
	result.Error = err.Error()
	result.RetryCount = retryCount
	return result
}
