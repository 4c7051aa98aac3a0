// Package engine implements the OPX execution core: the engine that drives
// one playbook at a time through its steps, the step runner that dispatches
// individual steps to handlers, and the wiring to the coordinator, resolver,
// vault, persistence, and notification collaborators.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opx-labs/opx/internal/config"
	"github.com/opx-labs/opx/internal/control"
	intEvents "github.com/opx-labs/opx/internal/events"
	intMetrics "github.com/opx-labs/opx/internal/metrics"
	intPersist "github.com/opx-labs/opx/internal/persist"
	"github.com/opx-labs/opx/internal/module"
	"github.com/opx-labs/opx/internal/resolver"
	"github.com/opx-labs/opx/internal/retry"
	intTracing "github.com/opx-labs/opx/internal/tracing"
	intVault "github.com/opx-labs/opx/internal/vault"
	v1 "github.com/opx-labs/opx/pkg/opx/v1"
	opxerrors "github.com/opx-labs/opx/pkg/opx/v1/errors"
	"github.com/opx-labs/opx/pkg/opx/v1/events"
	"github.com/opx-labs/opx/pkg/opx/v1/handler"
	opxlog "github.com/opx-labs/opx/pkg/opx/v1/log"
	"github.com/opx-labs/opx/pkg/opx/v1/metrics"
	"github.com/opx-labs/opx/pkg/opx/v1/persist"
	"github.com/opx-labs/opx/pkg/opx/v1/resources"
	opxtracing "github.com/opx-labs/opx/pkg/opx/v1/tracing"
	"github.com/opx-labs/opx/pkg/opx/v1/vault"
)

const tracerName = "opx-engine"

// Engine is the core orchestration component of OPX. One Engine instance owns
// at most one in-flight ExecutionState at a time; separate executions need
// separate engines.
type Engine struct {
	// Core Services & Providers
	registry         handler.Registry
	vaultStore       vault.Store
	recorder         persist.Recorder
	notifier         events.Notifier
	resourceProvider resources.Provider
	playbookSource   PlaybookSource
	metricsProvider  metrics.RegistryProvider
	tracerProvider   opxtracing.TracerProvider
	coordinator      *control.Coordinator
	retryHelper      *retry.Helper
	stepRunner       *StepRunner
	log              opxlog.Logger

	// Runtime State
	mu       sync.Mutex
	current  *v1.ExecutionState
	session  resources.Session
	streamer resources.StreamController
	capturer resources.Capturer

	// Metrics Collectors
	executionCounter        *prometheus.CounterVec
	executionDuration       prometheus.Histogram
	stepCounter             *prometheus.CounterVec
	stepDuration            *prometheus.HistogramVec
	credentialAccessCounter prometheus.Counter
}

// Option configures an Engine during construction.
type Option func(*Engine) error

// WithHandlerRegistry replaces the default global handler registry.
func WithHandlerRegistry(r handler.Registry) Option {
	return func(e *Engine) error {
		if r == nil {
			return opxerrors.NewConfigError("handler registry cannot be nil", nil)
		}
		e.registry = r
		return nil
	}
}

// WithVaultStore sets the credential store used by the resolver.
func WithVaultStore(s vault.Store) Option {
	return func(e *Engine) error {
		if s == nil {
			return opxerrors.NewConfigError("vault store cannot be nil", nil)
		}
		e.vaultStore = s
		return nil
	}
}

// WithRecorder sets the persistence recorder.
func WithRecorder(r persist.Recorder) Option {
	return func(e *Engine) error {
		if r == nil {
			return opxerrors.NewConfigError("recorder cannot be nil", nil)
		}
		e.recorder = r
		return nil
	}
}

// WithNotifier sets the state-update notification sink.
func WithNotifier(n events.Notifier) Option {
	return func(e *Engine) error {
		if n == nil {
			return opxerrors.NewConfigError("notifier cannot be nil", nil)
		}
		e.notifier = n
		return nil
	}
}

// WithResourceProvider sets the per-execution automation resource provider.
func WithResourceProvider(p resources.Provider) Option {
	return func(e *Engine) error {
		e.resourceProvider = p
		return nil
	}
}

// WithPlaybookSource sets the loader used for nested playbook.run steps.
func WithPlaybookSource(s PlaybookSource) Option {
	return func(e *Engine) error {
		if s == nil {
			return opxerrors.NewConfigError("playbook source cannot be nil", nil)
		}
		e.playbookSource = s
		return nil
	}
}

// WithMetricsRegistryProvider sets the Prometheus registry provider.
func WithMetricsRegistryProvider(p metrics.RegistryProvider) Option {
	return func(e *Engine) error {
		if p == nil {
			return opxerrors.NewConfigError("metrics registry provider cannot be nil", nil)
		}
		e.metricsProvider = p
		return nil
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
func WithTracerProvider(p opxtracing.TracerProvider) Option {
	return func(e *Engine) error {
		if p == nil {
			return opxerrors.NewConfigError("tracer provider cannot be nil", nil)
		}
		e.tracerProvider = p
		return nil
	}
}

// NewEngine constructs an Engine, applying options and filling unset
// collaborators with the package defaults.
func NewEngine(log opxlog.Logger, opts ...Option) (*Engine, error) {
	if log == nil {
		return nil, opxerrors.NewConfigError("logger cannot be nil", nil)
	}

	e := &Engine{log: log}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, opxerrors.NewConfigError(fmt.Sprintf("failed to apply engine option: %v", err), err)
		}
	}

	if e.registry == nil {
		e.log.Warnf("No handler registry provided, using default static registry.")
		e.registry = module.DefaultStaticRegistryGetter
	}
	if e.vaultStore == nil {
		e.log.Warnf("No vault store provided, using default environment store.")
		e.vaultStore = intVault.NewEnvStore()
	}
	if e.recorder == nil {
		e.log.Warnf("No recorder provided, using default NoOp recorder.")
		e.recorder = intPersist.NewNoOpRecorder()
	}
	if e.notifier == nil {
		e.log.Warnf("No notifier provided, using default NoOp notifier.")
		e.notifier = intEvents.NewNoOpNotifier()
	}
	if e.playbookSource == nil {
		e.playbookSource = FilePlaybookSource{}
	}
	if e.metricsProvider == nil {
		e.log.Warnf("No metrics provider provided, using default Prometheus provider.")
		e.metricsProvider = intMetrics.NewPrometheusRegistryProvider()
	}
	if e.tracerProvider == nil {
		e.log.Warnf("No tracer provider provided, using default NoOp provider.")
		tp, err := intTracing.NewNoOpProvider()
		if err != nil {
			return nil, opxerrors.NewConfigError("failed to create default NoOp tracer provider", err)
		}
		e.tracerProvider = tp
	}

	e.coordinator = control.NewCoordinator(e.log)
	e.retryHelper = retry.NewHelper(e.log, e.coordinator)
	e.stepRunner = NewStepRunner(e.registry, e.coordinator, e.retryHelper, e.playbookSource, e.log)

	e.initMetrics()

	return e, nil
}

func (e *Engine) initMetrics() {
	registry := e.metricsProvider.Registry()

	e.executionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "opx_playbook_executions_total", Help: "Total number of playbook executions by terminal status."},
		[]string{"status"},
	)
	e.executionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "opx_playbook_execution_duration_seconds", Help: "Duration of playbook executions in seconds.", Buckets: prometheus.DefBuckets},
	)
	e.stepCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "opx_step_executions_total", Help: "Total number of step executions by final status."},
		[]string{"status"},
	)
	e.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "opx_step_execution_duration_seconds", Help: "Duration of individual step executions in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"type"},
	)
	e.credentialAccessCounter = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "opx_credentials_accessed_total", Help: "Total number of credentials resolved from the vault."},
	)

	for _, c := range []prometheus.Collector{e.executionCounter, e.executionDuration, e.stepCounter, e.stepDuration, e.credentialAccessCounter} {
		if err := registry.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				e.log.Warnf("Failed to register metrics collector: %v", err)
			}
		}
	}
}

// ExecutePlaybook runs a playbook to a terminal ExecutionState. It never
// returns an error: every failure path, including panics, resolves to a
// terminal state the caller can inspect.
func (e *Engine) ExecutePlaybook(ctx context.Context, playbook *config.Playbook, parameters map[string]interface{}, basePath string, executionID string) *v1.ExecutionState {
	if executionID == "" {
		executionID = uuid.NewString()
	}
	state := v1.NewExecutionState(executionID, playbookName(playbook))

	// One in-flight execution per engine.
	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		finalizeState(state, v1.ExecutionFailed, "engine already has an execution in flight")
		return state
	}
	e.current = state
	e.mu.Unlock()

	start := time.Now()
	tracer := e.tracerProvider.GetTracer(tracerName)
	ctx, span := tracer.Start(ctx, "playbook.execute", trace.WithAttributes(
		attribute.String("opx.playbook", state.PlaybookName),
		attribute.String("opx.execution_id", executionID),
	))

	// Persist-before-validate: every invocation leaves a record.
	if err := e.recorder.RecordExecutionStart(state); err != nil {
		e.log.Warnf("Failed to persist execution start for '%s': %v", executionID, err)
	}
	e.notify(state)

	e.coordinator.Reset()

	// Teardown runs last: release resources, stamp duration metrics, persist
	// the end state, fire the final notify, clear the in-flight pointer.
	defer func() {
		e.releaseResources()

		e.mu.Lock()
		finalStatus := string(state.Status)
		finalErr := state.Error
		e.mu.Unlock()

		e.executionCounter.WithLabelValues(finalStatus).Inc()
		e.executionDuration.Observe(time.Since(start).Seconds())
		if finalErr != "" {
			intTracing.RecordError(span, fmt.Errorf("%s", finalErr))
		}
		span.End()

		if err := e.recorder.RecordExecutionEnd(state); err != nil {
			e.log.Warnf("Failed to persist execution end for '%s': %v", executionID, err)
		}
		e.notify(state)

		e.mu.Lock()
		e.current = nil
		e.mu.Unlock()

		e.log.Infof("Execution '%s' of playbook '%s' finished with status '%s'", executionID, state.PlaybookName, finalStatus)
	}()

	// The core never raises: unexpected panics become a failed terminal state.
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Errorf("Execution '%s' panicked: %v", executionID, rec)
			e.finalize(state, v1.ExecutionFailed, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	if playbook == nil {
		e.finalize(state, v1.ExecutionFailed, "playbook cannot be nil")
		return state
	}

	resolvedParams, err := validateParameters(playbook, parameters)
	if err != nil {
		e.finalize(state, v1.ExecutionFailed, err.Error())
		return state
	}

	if err := e.acquireResources(ctx, executionID); err != nil {
		e.finalize(state, v1.ExecutionFailed, fmt.Sprintf("failed to acquire automation resources: %v", err))
		return state
	}

	scope := e.buildScope(playbook, resolvedParams, basePath, state)
	e.runSteps(ctx, tracer, playbook, scope, state)
	return state
}

// buildScope constructs the root execution scope: resolver over the supplied
// parameters, the live variables map, a vault wrapped with the access
// counter, and step-output lookups over the execution's recorded results.
func (e *Engine) buildScope(playbook *config.Playbook, resolvedParams map[string]interface{}, basePath string, state *v1.ExecutionState) *execScope {
	outputs := func(stepID string) (map[string]interface{}, bool) {
		for i := len(state.StepResults) - 1; i >= 0; i-- {
			res := state.StepResults[i]
			if res.StepID == stepID && !res.Superseded && res.Status == v1.StepCompleted {
				return res.Output, true
			}
		}
		return nil, false
	}

	countedVault := &countingVaultStore{inner: e.vaultStore, counter: e.credentialAccessCounter}
	res := resolver.New(resolvedParams, state.Variables, countedVault, outputs, e.log)

	// Cycle checks compare cleaned absolute paths, so the root entry is
	// normalized the same way nested references are.
	rootPath := filepath.Clean(playbook.FilePath)
	if !filepath.IsAbs(rootPath) {
		if abs, absErr := filepath.Abs(rootPath); absErr == nil {
			rootPath = abs
		}
	}

	return &execScope{
		resolver:  res,
		basePath:  basePath,
		callStack: []string{rootPath},
		variables: state.Variables,
		capturer:  e.capturer,
	}
}

// runSteps drives the main step loop. Mutations of the live state go through
// e.mu: the control surface reads and writes the same state from other
// goroutines.
func (e *Engine) runSteps(ctx context.Context, tracer trace.Tracer, playbook *config.Playbook, scope *execScope, state *v1.ExecutionState) {
	steps := playbook.Steps
	for idx := 0; idx < len(steps); {
		e.mu.Lock()
		state.CurrentStepIndex = idx
		e.mu.Unlock()

		if err := e.coordinator.Check(ctx); err != nil {
			e.finalize(state, v1.ExecutionCancelled, err.Error())
			return
		}

		// Skip-back re-runs the previous step, marking its stale result
		// superseded so step_results stays append-only.
		if e.coordinator.ConsumeSkipBack() {
			if idx > 0 {
				idx--
				e.mu.Lock()
				supersedeLatest(state, steps[idx].ID)
				e.mu.Unlock()
				e.log.Infof("Skip-back: re-running step '%s'", steps[idx].ID)
			} else {
				e.log.Warnf("Skip-back requested at the first step; ignoring")
			}
			continue
		}

		step := &steps[idx]

		var result *v1.StepResult
		if e.coordinator.ConsumeSkip() {
			now := time.Now()
			result = &v1.StepResult{
				StepID:      step.ID,
				StepName:    step.DisplayName(),
				Status:      v1.StepSkipped,
				StartedAt:   now,
				CompletedAt: &now,
			}
			e.log.Infof("Step '%s' skipped by request", step.ID)
		} else {
			stepCtx, stepSpan := tracer.Start(ctx, "step.execute", trace.WithAttributes(
				attribute.String("opx.step_id", step.ID),
				attribute.String("opx.step_type", step.Type),
			))
			result = e.stepRunner.ExecuteStep(stepCtx, step, scope)
			if result.Status == v1.StepFailed {
				intTracing.RecordError(stepSpan, fmt.Errorf("%s", result.Error))
			}
			stepSpan.End()

			e.stepDuration.WithLabelValues(step.Type).Observe(time.Since(result.StartedAt).Seconds())
		}
		e.stepCounter.WithLabelValues(string(result.Status)).Inc()

		e.mu.Lock()
		state.StepResults = append(state.StepResults, result)
		foldSetVariable(step, result, state.Variables)
		state.Artifacts = append(state.Artifacts, extractArtifacts(result.Output)...)
		e.mu.Unlock()

		e.notify(state)
		if err := e.recorder.RecordStepResult(state.ExecutionID, result); err != nil {
			e.log.Warnf("Failed to persist result of step '%s': %v", step.ID, err)
		}

		if result.Status == v1.StepFailed {
			switch step.GetOnFailure() {
			case config.OnFailureContinue:
				e.log.Warnf("Step '%s' failed, continuing per on_failure policy", step.ID)
			case config.OnFailureRollback:
				e.finalize(state, v1.ExecutionFailed,
					fmt.Sprintf("step '%s' failed: %s (rollback requested, compensation is not implemented; aborting)", step.ID, result.Error))
				return
			default:
				e.finalize(state, v1.ExecutionFailed,
					fmt.Sprintf("step '%s' failed: %s", step.ID, result.Error))
				return
			}
		}

		idx++
	}

	e.finalize(state, v1.ExecutionCompleted, "")
}

// acquireResources attaches per-execution automation handles, when a provider
// is configured, and discovers their optional streaming and capture surfaces.
func (e *Engine) acquireResources(ctx context.Context, executionID string) error {
	if e.resourceProvider == nil {
		return nil
	}
	session, err := e.resourceProvider.Acquire(ctx, executionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.session = session
	e.streamer, _ = session.(resources.StreamController)
	e.capturer, _ = session.(resources.Capturer)
	e.mu.Unlock()
	return nil
}

// releaseResources returns per-execution handles to their provider. Runs in
// teardown regardless of outcome.
func (e *Engine) releaseResources() {
	e.mu.Lock()
	session := e.session
	e.session = nil
	e.streamer = nil
	e.capturer = nil
	e.mu.Unlock()

	if session != nil && e.resourceProvider != nil {
		e.resourceProvider.Release(session)
	}
}

// notify delivers a state snapshot to the notifier. The snapshot is taken
// under e.mu so cloning never races a concurrent mutation. Observer panics
// are swallowed; delivery failure never affects engine state.
func (e *Engine) notify(state *v1.ExecutionState) {
	e.mu.Lock()
	snapshot := state.Clone()
	e.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			e.log.Warnf("Notifier panicked on update for execution '%s': %v", snapshot.ExecutionID, rec)
		}
	}()
	e.notifier.OnUpdate(snapshot)
}

// finalize stamps a terminal status on the live state under e.mu.
func (e *Engine) finalize(state *v1.ExecutionState, status v1.ExecutionStatus, errMsg string) {
	e.mu.Lock()
	finalizeState(state, status, errMsg)
	e.mu.Unlock()
}

// --- Control surface ---

// Pause requests a pause and additionally pauses any attached streaming resource.
func (e *Engine) Pause() {
	e.coordinator.Pause()
	e.mu.Lock()
	streamer := e.streamer
	current := e.current
	if current != nil && current.Status == v1.ExecutionRunning {
		current.Status = v1.ExecutionPaused
	}
	e.mu.Unlock()
	if current != nil {
		e.notify(current)
	}
	if streamer != nil {
		streamer.PauseStreaming()
	}
}

// Resume clears the pause and resumes any attached streaming resource.
func (e *Engine) Resume() {
	e.coordinator.Resume()
	e.mu.Lock()
	streamer := e.streamer
	current := e.current
	if current != nil && current.Status == v1.ExecutionPaused {
		current.Status = v1.ExecutionRunning
	}
	e.mu.Unlock()
	if current != nil {
		e.notify(current)
	}
	if streamer != nil {
		streamer.ResumeStreaming()
	}
}

// SkipCurrentStep sets the one-shot skip flag.
func (e *Engine) SkipCurrentStep() { e.coordinator.SkipCurrentStep() }

// SkipBackStep requests a re-run of the previous step.
func (e *Engine) SkipBackStep() { e.coordinator.SkipBackStep() }

// Cancel requests cooperative cancellation.
func (e *Engine) Cancel() { e.coordinator.Cancel() }

// EnableDebugMode turns on debug-on-failure behavior.
func (e *Engine) EnableDebugMode() { e.coordinator.EnableDebugMode() }

// DisableDebugMode turns off debug-on-failure behavior.
func (e *Engine) DisableDebugMode() { e.coordinator.DisableDebugMode() }

// GetDebugContext returns the stored debug context, or nil.
func (e *Engine) GetDebugContext() *v1.DebugContext { return e.coordinator.GetDebugContext() }

// Coordinator exposes the control-signal coordinator for transports needing
// direct access.
func (e *Engine) Coordinator() *control.Coordinator { return e.coordinator }

// GetCurrentExecution returns a snapshot of the in-flight state, or nil when
// the engine is idle.
func (e *Engine) GetCurrentExecution() *v1.ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.Clone()
}

// MetricsRegistryProvider exposes the configured metrics provider.
func (e *Engine) MetricsRegistryProvider() metrics.RegistryProvider { return e.metricsProvider }

// TracerProvider exposes the configured tracer provider.
func (e *Engine) TracerProvider() opxtracing.TracerProvider { return e.tracerProvider }

// --- Helpers ---

func playbookName(p *config.Playbook) string {
	if p == nil {
		return ""
	}
	return p.Name
}

// finalizeState stamps a terminal status, error message, and completion time.
func finalizeState(state *v1.ExecutionState, status v1.ExecutionStatus, errMsg string) {
	now := time.Now()
	state.Status = status
	state.Error = errMsg
	state.CompletedAt = &now
}

// supersedeLatest marks the most recent non-superseded result for the given
// step id. The stale entry stays in place; its replacement is appended when
// the step re-runs.
func supersedeLatest(state *v1.ExecutionState, stepID string) {
	for i := len(state.StepResults) - 1; i >= 0; i-- {
		if state.StepResults[i].StepID == stepID && !state.StepResults[i].Superseded {
			state.StepResults[i].Superseded = true
			return
		}
	}
}

// validateParameters checks supplied execution parameters against the
// playbook's declarations: defaults applied, required enforced, primitive
// types checked. Returns the effective parameter map.
func validateParameters(playbook *config.Playbook, supplied map[string]interface{}) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(supplied))

	for i := range playbook.Parameters {
		def := &playbook.Parameters[i]
		value, provided := supplied[def.Name]
		if !provided {
			if def.Required {
				return nil, opxerrors.NewValidationError(fmt.Sprintf("missing required parameter '%s'", def.Name), nil)
			}
			if def.Default != nil {
				params[def.Name] = def.Default
			}
			continue
		}
		if err := checkParameterType(def, value); err != nil {
			return nil, err
		}
		params[def.Name] = value
	}

	// Undeclared parameters pass through untyped; the resolver treats them
	// like any other entry in the parameter namespace.
	for name, value := range supplied {
		if _, declared := params[name]; !declared {
			if playbook.FindParameter(name) == nil {
				params[name] = value
			}
		}
	}

	return params, nil
}

func checkParameterType(def *config.ParameterDefinition, value interface{}) error {
	switch def.Type {
	case config.ParamTypeString, config.ParamTypeCredential:
		// Credential parameters carry the credential *name*; the vault lookup
		// happens at resolution time.
		if _, ok := value.(string); !ok {
			return opxerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a string, got %T", def.Name, value), nil)
		}
	case config.ParamTypeNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64:
		default:
			return opxerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a number, got %T", def.Name, value), nil)
		}
	case config.ParamTypeBoolean:
		if _, ok := value.(bool); !ok {
			return opxerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a boolean, got %T", def.Name, value), nil)
		}
	}
	return nil
}

// countingVaultStore wraps a vault store with the credential access counter.
type countingVaultStore struct {
	inner   vault.Store
	counter prometheus.Counter
}

func (c *countingVaultStore) Get(ctx context.Context, name string) (*vault.Credential, bool, error) {
	cred, found, err := c.inner.Get(ctx, name)
	if found && err == nil && c.counter != nil {
		c.counter.Inc()
	}
	return cred, found, err
}

var _ vault.Store = (*countingVaultStore)(nil)
