package resolver_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opx-labs/opx/internal/logger"
	"github.com/opx-labs/opx/internal/resolver"
	intVault "github.com/opx-labs/opx/internal/vault"
	opxerrors "github.com/opx-labs/opx/pkg/opx/v1/errors"
	"github.com/opx-labs/opx/pkg/opx/v1/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestResolver(t *testing.T) *resolver.Resolver {
	t.Helper()
	log := logger.NewLogger("error", "text", os.Stderr)

	parameters := map[string]interface{}{
		"host":    "gateway.example.com",
		"port":    8443,
		"enabled": true,
	}
	variables := map[string]interface{}{
		"session_token": "tok-123",
		"attempt":       2,
	}
	vaultStore := intVault.NewStaticStore(&vault.Credential{
		Name:     "portal_admin",
		Username: "admin",
		Password: "s3cret",
	})
	outputs := func(stepID string) (map[string]interface{}, bool) {
		if stepID == "login" {
			return map[string]interface{}{
				"status": "ok",
				"result": map[string]interface{}{"code": 200},
			}, true
		}
		return nil, false
	}

	return resolver.New(parameters, variables, vaultStore, outputs, log)
}

func TestResolver_PassthroughWithoutReferences(t *testing.T) {
	r := setupTestResolver(t)
	ctx := context.Background()

	input := map[string]interface{}{
		"plain":  "no references here",
		"number": 42,
		"nested": map[string]interface{}{"list": []interface{}{"a", 1, false}},
	}

	resolved, err := r.Resolve(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, input, resolved)
}

func TestResolver_FullSpanReference_StringifiesNonStrings(t *testing.T) {
	r := setupTestResolver(t)
	ctx := context.Background()

	resolved, err := r.Resolve(ctx, "{{ parameter.port }}")
	require.NoError(t, err)
	assert.Equal(t, "8443", resolved)

	resolved, err = r.Resolve(ctx, "{{ parameter.enabled }}")
	require.NoError(t, err)
	assert.Equal(t, "true", resolved)
}

func TestResolver_FullSpanCredential_YieldsObject(t *testing.T) {
	r := setupTestResolver(t)

	resolved, err := r.Resolve(context.Background(), "{{ credential.portal_admin }}")
	require.NoError(t, err)

	cred, ok := resolved.(*vault.Credential)
	require.True(t, ok, "full-string credential reference should resolve to the credential object")
	assert.Equal(t, "admin", cred.Username)
	assert.Equal(t, "s3cret", cred.Password)
}

func TestResolver_EmbeddedCredential_RedactsSecret(t *testing.T) {
	r := setupTestResolver(t)

	resolved, err := r.Resolve(context.Background(), "login as {{ credential.portal_admin }}")
	require.NoError(t, err)

	s, ok := resolved.(string)
	require.True(t, ok)
	assert.Equal(t, "login as portal_admin:admin", s)
	assert.NotContains(t, s, "s3cret")
}

func TestResolver_MultipleReferencesSplice(t *testing.T) {
	r := setupTestResolver(t)

	resolved, err := r.Resolve(context.Background(), "https://{{ parameter.host }}:{{ parameter.port }}/api?token={{ variable.session_token }}")
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.example.com:8443/api?token=tok-123", resolved)
}

func TestResolver_BareReferenceDefaultsToParameter(t *testing.T) {
	r := setupTestResolver(t)

	resolved, err := r.Resolve(context.Background(), "{{ host }}")
	require.NoError(t, err)
	assert.Equal(t, "gateway.example.com", resolved)
}

func TestResolver_StepOutputReference(t *testing.T) {
	r := setupTestResolver(t)
	ctx := context.Background()

	resolved, err := r.Resolve(ctx, "{{ step.login.status }}")
	require.NoError(t, err)
	assert.Equal(t, "ok", resolved)

	resolved, err = r.Resolve(ctx, "{{ step.login.result.code }}")
	require.NoError(t, err)
	assert.Equal(t, "200", resolved)

	// An id-only full-string reference stringifies the whole output map.
	resolved, err = r.Resolve(ctx, "{{ step.login }}")
	require.NoError(t, err)
	s, ok := resolved.(string)
	require.True(t, ok)
	assert.Contains(t, s, "status:ok")
}

func TestResolver_MissesReturnResolutionErrors(t *testing.T) {
	r := setupTestResolver(t)
	ctx := context.Background()

	cases := []string{
		"{{ parameter.missing }}",
		"{{ variable.missing }}",
		"{{ credential.missing }}",
		"{{ step.missing.out }}",
	}
	for _, ref := range cases {
		_, err := r.Resolve(ctx, ref)
		require.Error(t, err, "expected resolution failure for %s", ref)
		var resErr *opxerrors.ResolutionError
		assert.ErrorAs(t, err, &resErr, "error for %s should be a ResolutionError", ref)
	}
}

func TestResolver_ResolvesInsideNestedStructures(t *testing.T) {
	r := setupTestResolver(t)

	input := map[string]interface{}{
		"url": "https://{{ parameter.host }}/login",
		"headers": map[string]interface{}{
			"Authorization": "Bearer {{ variable.session_token }}",
		},
		"targets": []interface{}{"{{ parameter.host }}", "{{ parameter.port }}"},
	}

	resolved, err := r.ResolveParameters(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.example.com/login", resolved["url"])
	headers := resolved["headers"].(map[string]interface{})
	assert.Equal(t, "Bearer tok-123", headers["Authorization"])
	targets := resolved["targets"].([]interface{})
	assert.Equal(t, "gateway.example.com", targets[0])
	assert.Equal(t, "8443", targets[1])
}

func TestResolver_ChildScope_FallsBackToParentStepOutputs(t *testing.T) {
	parent := setupTestResolver(t)

	childOutputs := func(stepID string) (map[string]interface{}, bool) {
		if stepID == "child_step" {
			return map[string]interface{}{"value": "from-child"}, true
		}
		return nil, false
	}
	child := parent.NewChild(
		map[string]interface{}{"child_param": "cp"},
		map[string]interface{}{},
		childOutputs,
	)
	ctx := context.Background()

	// Child scope resolves its own steps and parameters.
	resolved, err := child.Resolve(ctx, "{{ step.child_step.value }}")
	require.NoError(t, err)
	assert.Equal(t, "from-child", resolved)

	resolved, err = child.Resolve(ctx, "{{ parameter.child_param }}")
	require.NoError(t, err)
	assert.Equal(t, "cp", resolved)

	// Parent step outputs remain reachable; parent parameters do not.
	resolved, err = child.Resolve(ctx, "{{ step.login.status }}")
	require.NoError(t, err)
	assert.Equal(t, "ok", resolved)

	_, err = child.Resolve(ctx, "{{ parameter.host }}")
	require.Error(t, err)
}

func TestResolver_ResolveFilePath(t *testing.T) {
	r := setupTestResolver(t)
	ctx := context.Background()

	dir := t.TempDir()
	target := filepath.Join(dir, "child.yaml")
	require.NoError(t, os.WriteFile(target, []byte("name: x\n"), 0o644))

	// Relative paths resolve against the base directory.
	resolved, err := r.ResolveFilePath(ctx, "child.yaml", dir)
	require.NoError(t, err)
	assert.Equal(t, target, resolved)

	// Absolute paths pass through.
	resolved, err = r.ResolveFilePath(ctx, target, "/elsewhere")
	require.NoError(t, err)
	assert.Equal(t, target, resolved)

	// Missing files are rejected.
	_, err = r.ResolveFilePath(ctx, "missing.yaml", dir)
	require.Error(t, err)
}
