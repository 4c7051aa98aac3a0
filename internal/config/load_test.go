package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opx-labs/opx/internal/config"
	opxerrors "github.com/opx-labs/opx/pkg/opx/v1/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPlaybookYAML = `
name: portal_login
schemaVersion: "1.0.0"
version: "2.1.0"
description: Logs into the admin portal.
verified: true
parameters:
  - name: host
    type: string
    required: true
  - name: retries
    type: number
    default: 2
steps:
  - id: open
    name: Open portal
    type: browser.navigate
    parameters:
      url: "https://{{ parameter.host }}/login"
    timeout: 30
    retry_count: 2
    retry_delay: 1.5
    on_failure: continue
  - id: finish
    type: utility.log
    parameters:
      message: done
`

func TestLoadPlaybook_Valid(t *testing.T) {
	playbook, err := config.LoadPlaybook([]byte(validPlaybookYAML), "portal_login.yaml")
	require.NoError(t, err)
	require.NotNil(t, playbook)

	assert.Equal(t, "portal_login", playbook.Name)
	assert.Equal(t, "1.0.0", playbook.SchemaVersion)
	assert.True(t, playbook.Verified)
	assert.Equal(t, "portal_login.yaml", playbook.FilePath)
	require.Len(t, playbook.Parameters, 2)
	require.Len(t, playbook.Steps, 2)

	step := playbook.Steps[0]
	assert.Equal(t, "open", step.ID)
	assert.Equal(t, "browser", step.Namespace())
	assert.Equal(t, 30*time.Second, step.GetTimeout())
	assert.Equal(t, 2, step.GetRetryCount())
	assert.Equal(t, 1500*time.Millisecond, step.GetRetryDelay())
	assert.Equal(t, config.OnFailureContinue, step.GetOnFailure())

	// Unset fields fall back to their defaults.
	assert.Equal(t, config.OnFailureAbort, playbook.Steps[1].GetOnFailure())
	assert.Equal(t, time.Duration(0), playbook.Steps[1].GetTimeout())
	assert.Equal(t, "finish", playbook.Steps[1].DisplayName())
}

func TestLoadPlaybook_Empty(t *testing.T) {
	_, err := config.LoadPlaybook(nil, "empty.yaml")
	require.Error(t, err)
	var configErr *opxerrors.ConfigError
	assert.ErrorAs(t, err, &configErr)
}

func TestLoadPlaybook_SchemaVersionDefaultsWhenOmitted(t *testing.T) {
	yamlContent := `
name: minimal
steps:
  - id: s1
    type: utility.log
`
	playbook, err := config.LoadPlaybook([]byte(yamlContent), "minimal.yaml")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", playbook.SchemaVersion)
}

func TestLoadPlaybook_IncompatibleSchemaVersion(t *testing.T) {
	yamlContent := `
name: future
schemaVersion: "2.0.0"
steps:
  - id: s1
    type: utility.log
`
	_, err := config.LoadPlaybook([]byte(yamlContent), "future.yaml")
	require.Error(t, err)
	var validationErr *opxerrors.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, err.Error(), "not compatible")
}

func TestLoadPlaybook_UnknownFieldRejected(t *testing.T) {
	yamlContent := `
name: typo
steps:
  - id: s1
    type: utility.log
tsaks: []
`
	_, err := config.LoadPlaybook([]byte(yamlContent), "typo.yaml")
	require.Error(t, err)
	var configErr *opxerrors.ConfigError
	assert.ErrorAs(t, err, &configErr)
}

func TestLoadPlaybook_MissingSteps(t *testing.T) {
	yamlContent := `
name: no_steps
`
	_, err := config.LoadPlaybook([]byte(yamlContent), "no_steps.yaml")
	require.Error(t, err)
}

func TestLoadPlaybook_DuplicateStepIDs(t *testing.T) {
	yamlContent := `
name: dupes
steps:
  - id: s1
    type: utility.log
  - id: s1
    type: utility.log
`
	_, err := config.LoadPlaybook([]byte(yamlContent), "dupes.yaml")
	require.Error(t, err)
	var validationErr *opxerrors.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, err.Error(), "s1")
}

func TestLoadPlaybook_InvalidOnFailurePolicy(t *testing.T) {
	yamlContent := `
name: bad_policy
steps:
  - id: s1
    type: utility.log
    on_failure: retry_forever
`
	_, err := config.LoadPlaybook([]byte(yamlContent), "bad_policy.yaml")
	require.Error(t, err)
}

func TestLoadPlaybook_RequiredParameterWithDefaultRejected(t *testing.T) {
	yamlContent := `
name: conflicting_param
parameters:
  - name: host
    type: string
    required: true
    default: example.com
steps:
  - id: s1
    type: utility.log
`
	_, err := config.LoadPlaybook([]byte(yamlContent), "conflicting_param.yaml")
	require.Error(t, err)
}

func TestLoadPlaybook_NestedPlaybookStepRequiresPlaybookParameter(t *testing.T) {
	yamlContent := `
name: bad_nested
steps:
  - id: s1
    type: playbook.run
    parameters:
      greeting: hello
`
	_, err := config.LoadPlaybook([]byte(yamlContent), "bad_nested.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "playbook")
}

func TestLoadPlaybookFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portal_login.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validPlaybookYAML), 0o644))

	playbook, err := config.LoadPlaybookFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "portal_login", playbook.Name)
	assert.Equal(t, path, playbook.FilePath)

	_, err = config.LoadPlaybookFromFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	var configErr *opxerrors.ConfigError
	assert.ErrorAs(t, err, &configErr)
}
