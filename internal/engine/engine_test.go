package engine_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opx-labs/opx/internal/command"
	"github.com/opx-labs/opx/internal/config"
	"github.com/opx-labs/opx/internal/engine"
	"github.com/opx-labs/opx/internal/logger"
	"github.com/opx-labs/opx/internal/module"
	"github.com/opx-labs/opx/internal/persist"
	intVault "github.com/opx-labs/opx/internal/vault"
	"github.com/opx-labs/opx/modules/utility"
	v1 "github.com/opx-labs/opx/pkg/opx/v1"
	"github.com/opx-labs/opx/pkg/opx/v1/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

type testEnv struct {
	engine   *engine.Engine
	handler  *MockHandler
	recorder *persist.MemoryRecorder
	vault    *intVault.StaticStore
}

func setupTestEngine(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewLogger("error", "text", os.Stderr)

	mockHandler := NewMockHandler()
	registry := module.NewStaticRegistry()
	require.NoError(t, registry.Register("mock", mockHandler))
	require.NoError(t, registry.Register("utility", utility.NewHandler(log, command.NewRunner())))

	recorder := persist.NewMemoryRecorder()
	vaultStore := intVault.NewStaticStore(&vault.Credential{
		Name:     "portal_admin",
		Username: "admin",
		Password: "s3cret",
	})

	eng, err := engine.NewEngine(log,
		engine.WithHandlerRegistry(registry),
		engine.WithVaultStore(vaultStore),
		engine.WithRecorder(recorder),
	)
	require.NoError(t, err)
	require.NotNil(t, eng)

	return &testEnv{engine: eng, handler: mockHandler, recorder: recorder, vault: vaultStore}
}

func loadTestPlaybook(t *testing.T, yamlContent string) *config.Playbook {
	t.Helper()
	playbook, err := config.LoadPlaybook([]byte(yamlContent), "test.yaml")
	require.NoError(t, err)
	return playbook
}

func runPlaybook(t *testing.T, env *testEnv, yamlContent string, params map[string]interface{}) *v1.ExecutionState {
	t.Helper()
	playbook := loadTestPlaybook(t, yamlContent)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return env.engine.ExecutePlaybook(ctx, playbook, params, "", "")
}

func TestEngine_ExecutePlaybook_SingleSuccessfulStep(t *testing.T) {
	env := setupTestEngine(t)

	state := runPlaybook(t, env, `
name: single_success
steps:
  - id: s1
    type: mock.perform
    parameters:
      p1: hello
`, nil)

	assert.Equal(t, v1.ExecutionCompleted, state.Status)
	assert.Empty(t, state.Error)
	require.NotNil(t, state.CompletedAt)
	require.Len(t, state.StepResults, 1)

	result := state.StepResults[0]
	assert.Equal(t, "s1", result.StepID)
	assert.Equal(t, v1.StepCompleted, result.Status)
	assert.Equal(t, 0, result.RetryCount)
	assert.Equal(t, "hello", result.Output["p1"])
	assert.Equal(t, "perform", result.Output["op"])
}

func TestEngine_ExecutePlaybook_PersistsStartAndEnd(t *testing.T) {
	env := setupTestEngine(t)

	state := runPlaybook(t, env, `
name: persisted
steps:
  - id: s1
    type: mock.perform
`, nil)
	require.Equal(t, v1.ExecutionCompleted, state.Status)

	stored, found := env.recorder.Get(state.ExecutionID)
	require.True(t, found)
	assert.Equal(t, v1.ExecutionCompleted, stored.Status)
	assert.Len(t, stored.StepResults, 1)
}

func TestEngine_ExecutePlaybook_RecordsInvalidInvocations(t *testing.T) {
	env := setupTestEngine(t)

	playbook := loadTestPlaybook(t, `
name: needs_param
parameters:
  - name: host
    type: string
    required: true
steps:
  - id: s1
    type: mock.perform
`)
	state := env.engine.ExecutePlaybook(context.Background(), playbook, nil, "", "exec-validate")

	assert.Equal(t, v1.ExecutionFailed, state.Status)
	assert.Contains(t, state.Error, "host")
	assert.Empty(t, state.StepResults)

	// Even a validation failure leaves an execution record.
	stored, found := env.recorder.Get("exec-validate")
	require.True(t, found)
	assert.Equal(t, v1.ExecutionFailed, stored.Status)
}

func TestEngine_ExecutePlaybook_NilPlaybook(t *testing.T) {
	env := setupTestEngine(t)

	state := env.engine.ExecutePlaybook(context.Background(), nil, nil, "", "")
	assert.Equal(t, v1.ExecutionFailed, state.Status)
	assert.Contains(t, state.Error, "playbook")
}

func TestEngine_ExecutePlaybook_ParameterDefaultsAndTypes(t *testing.T) {
	env := setupTestEngine(t)

	yamlContent := `
name: typed_params
parameters:
  - name: host
    type: string
    required: true
  - name: retries
    type: number
    default: 3
steps:
  - id: s1
    type: mock.perform
    parameters:
      target: "{{ parameter.host }}"
      attempts: "{{ parameter.retries }}"
`
	state := runPlaybook(t, env, yamlContent, map[string]interface{}{"host": "example.com"})
	require.Equal(t, v1.ExecutionCompleted, state.Status)

	output := state.StepResults[0].Output
	assert.Equal(t, "example.com", output["target"])
	assert.Equal(t, "3", output["attempts"])

	// Wrong primitive type is rejected up front.
	state = runPlaybook(t, env, yamlContent, map[string]interface{}{"host": 42})
	assert.Equal(t, v1.ExecutionFailed, state.Status)
	assert.Contains(t, state.Error, "must be a string")
}

func TestEngine_StepFailure_AbortsByDefault(t *testing.T) {
	env := setupTestEngine(t)

	state := runPlaybook(t, env, `
name: abort_on_failure
steps:
  - id: s1
    type: mock.perform
    parameters:
      fail_message: boom
  - id: s2
    type: mock.perform
`, nil)

	assert.Equal(t, v1.ExecutionFailed, state.Status)
	assert.Contains(t, state.Error, "step 's1' failed")
	assert.Contains(t, state.Error, "boom")
	require.Len(t, state.StepResults, 1, "the second step must not run after an aborting failure")
	assert.Equal(t, v1.StepFailed, state.StepResults[0].Status)
}

func TestEngine_StepFailure_ContinuePolicy(t *testing.T) {
	env := setupTestEngine(t)

	state := runPlaybook(t, env, `
name: continue_on_failure
steps:
  - id: s1
    type: mock.perform
    parameters:
      fail_message: boom
    retry_count: 2
    on_failure: continue
  - id: s2
    type: mock.perform
`, nil)

	assert.Equal(t, v1.ExecutionCompleted, state.Status)
	require.Len(t, state.StepResults, 2)
	assert.Equal(t, v1.StepFailed, state.StepResults[0].Status)
	assert.Equal(t, 2, state.StepResults[0].RetryCount)
	assert.Equal(t, v1.StepCompleted, state.StepResults[1].Status)
}

func TestEngine_StepFailure_RollbackPolicyAborts(t *testing.T) {
	env := setupTestEngine(t)

	state := runPlaybook(t, env, `
name: rollback_on_failure
steps:
  - id: s1
    type: mock.perform
    parameters:
      fail_message: boom
    on_failure: rollback
  - id: s2
    type: mock.perform
`, nil)

	assert.Equal(t, v1.ExecutionFailed, state.Status)
	assert.Contains(t, state.Error, "rollback requested")
	require.Len(t, state.StepResults, 1)
}

func TestEngine_Retry_SucceedsWithinBudget(t *testing.T) {
	env := setupTestEngine(t)

	state := runPlaybook(t, env, `
name: retry_success
steps:
  - id: flaky
    type: mock.perform
    parameters:
      call_key: flaky
      fail_times: 2
    retry_count: 2
    retry_delay: 0.01
`, nil)

	assert.Equal(t, v1.ExecutionCompleted, state.Status)
	require.Len(t, state.StepResults, 1)
	assert.Equal(t, v1.StepCompleted, state.StepResults[0].Status)
	assert.Equal(t, 2, state.StepResults[0].RetryCount)
	assert.Equal(t, 3, env.handler.Calls("flaky"))
}

func TestEngine_Retry_Exhausted(t *testing.T) {
	env := setupTestEngine(t)

	state := runPlaybook(t, env, `
name: retry_exhausted
steps:
  - id: flaky
    type: mock.perform
    parameters:
      call_key: flaky
      fail_times: 10
    retry_count: 1
    retry_delay: 0.01
`, nil)

	assert.Equal(t, v1.ExecutionFailed, state.Status)
	require.Len(t, state.StepResults, 1)
	assert.Equal(t, v1.StepFailed, state.StepResults[0].Status)
	assert.Equal(t, 1, state.StepResults[0].RetryCount)
	assert.Equal(t, 2, env.handler.Calls("flaky"))
}

func TestEngine_StepTimeout(t *testing.T) {
	env := setupTestEngine(t)

	state := runPlaybook(t, env, `
name: timeout_test
steps:
  - id: slow
    type: mock.perform
    parameters:
      _mock_delay: 5s
    timeout: 0.2
`, nil)

	assert.Equal(t, v1.ExecutionFailed, state.Status)
	require.Len(t, state.StepResults, 1)
	assert.Equal(t, v1.StepFailed, state.StepResults[0].Status)
	assert.Contains(t, state.StepResults[0].Error, "timed out")
}

func TestEngine_UnknownHandlerNamespace(t *testing.T) {
	env := setupTestEngine(t)

	state := runPlaybook(t, env, `
name: unknown_namespace
steps:
  - id: s1
    type: desktop.click
    retry_count: 3
`, nil)

	assert.Equal(t, v1.ExecutionFailed, state.Status)
	require.Len(t, state.StepResults, 1)
	result := state.StepResults[0]
	assert.Contains(t, result.Error, "no handler registered")
	assert.Equal(t, 0, result.RetryCount, "a missing handler is fatal and must not be retried")
}

func TestEngine_UnresolvableReferenceFailsStep(t *testing.T) {
	env := setupTestEngine(t)

	state := runPlaybook(t, env, `
name: bad_reference
steps:
  - id: s1
    type: mock.perform
    parameters:
      value: "{{ variable.never_set }}"
`, nil)

	assert.Equal(t, v1.ExecutionFailed, state.Status)
	assert.Contains(t, state.StepResults[0].Error, "never_set")
	assert.Equal(t, 0, env.handler.Calls("perform"), "the handler must not run when resolution fails")
}

func TestEngine_SetVariableFoldsIntoLaterSteps(t *testing.T) {
	env := setupTestEngine(t)

	state := runPlaybook(t, env, `
name: variable_folding
steps:
  - id: set_greeting
    type: utility.set_variable
    parameters:
      variable: greeting
      value: hello
  - id: use_greeting
    type: mock.perform
    parameters:
      msg: "{{ variable.greeting }} world"
`, nil)

	require.Equal(t, v1.ExecutionCompleted, state.Status)
	assert.Equal(t, "hello", state.Variables["greeting"])
	assert.Equal(t, "hello world", state.StepResults[1].Output["msg"])
}

func TestEngine_StepOutputsFeedLaterSteps(t *testing.T) {
	env := setupTestEngine(t)

	state := runPlaybook(t, env, `
name: output_chaining
steps:
  - id: producer
    type: mock.perform
    parameters:
      token: abc123
  - id: consumer
    type: mock.perform
    parameters:
      header: "Bearer {{ step.producer.token }}"
`, nil)

	require.Equal(t, v1.ExecutionCompleted, state.Status)
	assert.Equal(t, "Bearer abc123", state.StepResults[1].Output["header"])
}

func TestEngine_CredentialResolution(t *testing.T) {
	env := setupTestEngine(t)

	state := runPlaybook(t, env, `
name: credential_use
steps:
  - id: login
    type: mock.perform
    parameters:
      cred: "{{ credential.portal_admin }}"
      banner: "as {{ credential.portal_admin }}"
`, nil)

	require.Equal(t, v1.ExecutionCompleted, state.Status)
	output := state.StepResults[0].Output

	cred, ok := output["cred"].(*vault.Credential)
	require.True(t, ok, "full-string credential reference should reach the handler as an object")
	assert.Equal(t, "admin", cred.Username)

	assert.Equal(t, "as portal_admin:admin", output["banner"])
	assert.NotContains(t, output["banner"], "s3cret")
}

func TestEngine_ArtifactsAggregated(t *testing.T) {
	env := setupTestEngine(t)

	state := runPlaybook(t, env, `
name: artifacts
steps:
  - id: shot
    type: mock.perform
    parameters:
      artifact: /tmp/shot.png
  - id: report
    type: mock.perform
    parameters:
      artifacts:
        - /tmp/report.pdf
        - /tmp/report.csv
`, nil)

	require.Equal(t, v1.ExecutionCompleted, state.Status)
	assert.Equal(t, []string{"/tmp/shot.png", "/tmp/report.pdf", "/tmp/report.csv"}, state.Artifacts)
}

func TestEngine_Cancel_StopsBeforeNextStep(t *testing.T) {
	env := setupTestEngine(t)
	env.handler.OnExecute = func(op string, params map[string]interface{}) {
		if key, _ := params["call_key"].(string); key == "first" {
			env.engine.Cancel()
		}
	}

	state := runPlaybook(t, env, `
name: cancel_mid_run
steps:
  - id: s1
    type: mock.perform
    parameters:
      call_key: first
  - id: s2
    type: mock.perform
    parameters:
      call_key: second
`, nil)

	assert.Equal(t, v1.ExecutionCancelled, state.Status)
	require.Len(t, state.StepResults, 1)
	assert.Equal(t, v1.StepCompleted, state.StepResults[0].Status)
	assert.Equal(t, 0, env.handler.Calls("second"))
}

func TestEngine_SkipCurrentStep(t *testing.T) {
	env := setupTestEngine(t)
	env.handler.OnExecute = func(op string, params map[string]interface{}) {
		if key, _ := params["call_key"].(string); key == "first" {
			env.engine.SkipCurrentStep()
		}
	}

	state := runPlaybook(t, env, `
name: skip_step
steps:
  - id: s1
    type: mock.perform
    parameters:
      call_key: first
  - id: s2
    type: mock.perform
    parameters:
      call_key: second
  - id: s3
    type: mock.perform
    parameters:
      call_key: third
`, nil)

	require.Equal(t, v1.ExecutionCompleted, state.Status)
	require.Len(t, state.StepResults, 3)

	skipped := state.StepResults[1]
	assert.Equal(t, v1.StepSkipped, skipped.Status)
	require.NotNil(t, skipped.CompletedAt)
	assert.Equal(t, skipped.StartedAt, *skipped.CompletedAt, "a skipped step records equal start and end times")
	assert.Equal(t, 0, env.handler.Calls("second"), "the skipped step's handler must not run")
	assert.Equal(t, 1, env.handler.Calls("third"), "skip is one-shot and must not affect later steps")
}

func TestEngine_SkipBack_SupersedesAndReruns(t *testing.T) {
	env := setupTestEngine(t)
	env.handler.OnExecute = func(op string, params map[string]interface{}) {
		if key, _ := params["call_key"].(string); key == "second" && env.handler.Calls("second") == 1 {
			env.engine.SkipBackStep()
		}
	}

	state := runPlaybook(t, env, `
name: skip_back
steps:
  - id: s1
    type: mock.perform
    parameters:
      call_key: first
  - id: s2
    type: mock.perform
    parameters:
      call_key: second
  - id: s3
    type: mock.perform
    parameters:
      call_key: third
`, nil)

	require.Equal(t, v1.ExecutionCompleted, state.Status)
	assert.Equal(t, 2, env.handler.Calls("second"))
	assert.Equal(t, 1, env.handler.Calls("third"))

	// History is append-only: the first s2 entry stays, marked superseded.
	require.Len(t, state.StepResults, 4)
	assert.Equal(t, "s2", state.StepResults[1].StepID)
	assert.True(t, state.StepResults[1].Superseded)
	assert.Equal(t, "s2", state.StepResults[2].StepID)
	assert.False(t, state.StepResults[2].Superseded)
	assert.Equal(t, "s3", state.StepResults[3].StepID)
}

func TestEngine_DebugMode_ShortCircuitsRetries(t *testing.T) {
	env := setupTestEngine(t)
	env.engine.EnableDebugMode()

	state := runPlaybook(t, env, `
name: debug_short_circuit
steps:
  - id: failing
    type: mock.perform
    parameters:
      call_key: failing
      fail_message: element not found
    retry_count: 3
    retry_delay: 0.01
`, nil)

	assert.Equal(t, v1.ExecutionFailed, state.Status)
	require.Len(t, state.StepResults, 1)
	result := state.StepResults[0]
	assert.Equal(t, v1.StepFailed, result.Status)
	assert.Equal(t, 0, result.RetryCount, "debug mode halts at the first failure before any retry")
	assert.Equal(t, 1, env.handler.Calls("failing"))

	dc := env.engine.GetDebugContext()
	require.NotNil(t, dc)
	assert.Equal(t, "failing", dc.StepID)
	assert.Contains(t, dc.Error, "element not found")

	env.engine.Resume()
	assert.Nil(t, env.engine.GetDebugContext())
}

func TestEngine_DebugMode_DisabledRetriesNormally(t *testing.T) {
	env := setupTestEngine(t)
	env.engine.EnableDebugMode()
	env.engine.DisableDebugMode()

	state := runPlaybook(t, env, `
name: debug_disabled
steps:
  - id: failing
    type: mock.perform
    parameters:
      call_key: failing
      fail_message: boom
    retry_count: 2
    retry_delay: 0.01
`, nil)

	assert.Equal(t, v1.ExecutionFailed, state.Status)
	assert.Equal(t, 3, env.handler.Calls("failing"))
	assert.Equal(t, 2, state.StepResults[0].RetryCount)
}

func TestEngine_RejectsConcurrentExecution(t *testing.T) {
	env := setupTestEngine(t)

	inner := loadTestPlaybook(t, `
name: inner_attempt
steps:
  - id: s1
    type: mock.perform
`)
	var innerState *v1.ExecutionState
	env.handler.OnExecute = func(op string, params map[string]interface{}) {
		if innerState == nil {
			innerState = env.engine.ExecutePlaybook(context.Background(), inner, nil, "", "")
		}
	}

	state := runPlaybook(t, env, `
name: outer
steps:
  - id: s1
    type: mock.perform
`, nil)

	assert.Equal(t, v1.ExecutionCompleted, state.Status)
	require.NotNil(t, innerState)
	assert.Equal(t, v1.ExecutionFailed, innerState.Status)
	assert.Contains(t, innerState.Error, "in flight")
}

func TestEngine_GetCurrentExecution(t *testing.T) {
	env := setupTestEngine(t)

	assert.Nil(t, env.engine.GetCurrentExecution(), "an idle engine has no current execution")

	var observed *v1.ExecutionState
	env.handler.OnExecute = func(op string, params map[string]interface{}) {
		observed = env.engine.GetCurrentExecution()
	}

	state := runPlaybook(t, env, `
name: snapshot
steps:
  - id: s1
    type: mock.perform
`, nil)

	require.Equal(t, v1.ExecutionCompleted, state.Status)
	require.NotNil(t, observed)
	assert.Equal(t, state.ExecutionID, observed.ExecutionID)
	assert.Equal(t, v1.ExecutionRunning, observed.Status)

	assert.Nil(t, env.engine.GetCurrentExecution(), "the in-flight pointer is cleared on completion")
}

func TestEngine_PauseAndResume(t *testing.T) {
	env := setupTestEngine(t)
	env.handler.OnExecute = func(op string, params map[string]interface{}) {
		if key, _ := params["call_key"].(string); key == "first" {
			env.engine.Pause()
		}
	}

	resumed := make(chan struct{})
	go func() {
		defer close(resumed)
		time.Sleep(200 * time.Millisecond)
		snapshot := env.engine.GetCurrentExecution()
		if snapshot != nil {
			assert.Equal(t, v1.ExecutionPaused, snapshot.Status)
		}
		env.engine.Resume()
	}()

	state := runPlaybook(t, env, `
name: pause_resume
steps:
  - id: s1
    type: mock.perform
    parameters:
      call_key: first
  - id: s2
    type: mock.perform
    parameters:
      call_key: second
`, nil)
	<-resumed

	assert.Equal(t, v1.ExecutionCompleted, state.Status)
	require.Len(t, state.StepResults, 2)
	assert.Equal(t, 1, env.handler.Calls("second"), "the second step runs only after resume")
}

// Exercises the control surface from another goroutine while the step loop is
// mutating the live state. Run with -race this covers the snapshot locking in
// Pause/Resume/GetCurrentExecution against step-result appends and variable
// folding.
func TestEngine_ConcurrentControlDuringExecution(t *testing.T) {
	env := setupTestEngine(t)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			env.engine.Pause()
			if snapshot := env.engine.GetCurrentExecution(); snapshot != nil {
				_ = len(snapshot.StepResults)
			}
			env.engine.Resume()
			time.Sleep(time.Millisecond)
		}
	}()

	state := runPlaybook(t, env, `
name: concurrent_control
steps:
  - id: set_a
    type: utility.set_variable
    parameters:
      variable: counter
      value: a
  - id: set_b
    type: utility.set_variable
    parameters:
      variable: counter
      value: b
  - id: set_c
    type: utility.set_variable
    parameters:
      variable: counter
      value: c
  - id: set_d
    type: utility.set_variable
    parameters:
      variable: counter
      value: d
  - id: use
    type: mock.perform
    parameters:
      latest: "{{ variable.counter }}"
`, nil)
	close(done)
	wg.Wait()

	assert.Equal(t, v1.ExecutionCompleted, state.Status)
	require.Len(t, state.StepResults, 5)
	assert.Equal(t, "d", state.StepResults[4].Output["latest"])
}

func TestEngine_SetVariableOverwrite(t *testing.T) {
	env := setupTestEngine(t)

	state := runPlaybook(t, env, `
name: variable_overwrite
steps:
  - id: set_1
    type: utility.set_variable
    parameters:
      variable: target
      value: first
  - id: set_2
    type: utility.set_variable
    parameters:
      variable: target
      value: second
  - id: use
    type: mock.perform
    parameters:
      msg: "{{ variable.target }}"
`, nil)

	require.Equal(t, v1.ExecutionCompleted, state.Status)
	assert.Equal(t, "second", state.StepResults[2].Output["msg"])
}
