// Package resolver turns `{{ namespace.name }}` references inside step
// parameters into concrete values drawn from the execution's parameter map,
// runtime variables, the credential vault, and previously recorded step
// outputs. Resolution is strict: any unknown namespace or missing name fails
// the step rather than silently passing the raw placeholder through.
package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/opx-labs/opx/internal/util"
	opxerrors "github.com/opx-labs/opx/pkg/opx/v1/errors"
	opxlog "github.com/opx-labs/opx/pkg/opx/v1/log"
	"github.com/opx-labs/opx/pkg/opx/v1/vault"
)

// referenceRegex matches one `{{ namespace.name }}` or bare `{{ name }}`
// reference. The name part may itself be dotted (step outputs are addressed
// as `step.<id>.<key>`). A bare name resolves in the parameter namespace.
var referenceRegex = regexp.MustCompile(`\{\{\s*(?:(parameter|variable|credential|step)\.)?([a-zA-Z0-9_][a-zA-Z0-9_.-]*)\s*\}\}`)

// Reference namespaces understood by the resolver.
const (
	NamespaceParameter  = "parameter"
	NamespaceVariable   = "variable"
	NamespaceCredential = "credential"
	NamespaceStep       = "step"
)

// StepOutputLookup reports the recorded output of a previously executed step
// in the current execution, by step id.
type StepOutputLookup func(stepID string) (map[string]interface{}, bool)

// Resolver resolves references for one execution scope. A nested playbook run
// gets its own Resolver with fresh parameter and variable namespaces, chained
// to its parent so `step.` references can reach ancestor-scope outputs.
type Resolver struct {
	parameters  map[string]interface{}
	variables   map[string]interface{}
	vaultStore  vault.Store
	stepOutputs StepOutputLookup
	parent      *Resolver
	log         opxlog.Logger
}

// New creates a Resolver over the given namespaces. The variables map is read
// live, so values set by earlier steps are visible to later resolutions.
// vaultStore and stepOutputs may be nil, in which case the corresponding
// namespaces always miss.
func New(parameters, variables map[string]interface{}, vaultStore vault.Store, stepOutputs StepOutputLookup, log opxlog.Logger) *Resolver {
	return &Resolver{
		parameters:  parameters,
		variables:   variables,
		vaultStore:  vaultStore,
		stepOutputs: stepOutputs,
		log:         log,
	}
}

// NewChild creates the Resolver for a nested playbook run: fresh parameter
// and variable namespaces, shared vault, and `step.` lookups that fall back
// to this resolver's scope when the child has no matching step.
func (r *Resolver) NewChild(parameters, variables map[string]interface{}, stepOutputs StepOutputLookup) *Resolver {
	return &Resolver{
		parameters:  parameters,
		variables:   variables,
		vaultStore:  r.vaultStore,
		stepOutputs: stepOutputs,
		parent:      r,
		log:         r.log,
	}
}

// Resolve resolves all references inside value, recursing into maps and
// slices. Strings without references are returned unchanged; non-string
// scalars pass through as-is. The input is never mutated.
func (r *Resolver) Resolve(ctx context.Context, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(ctx, v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			resolved, err := r.Resolve(ctx, item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := r.Resolve(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveParameters resolves a step's full parameter map in one call.
func (r *Resolver) ResolveParameters(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	if params == nil {
		return map[string]interface{}{}, nil
	}
	resolved, err := r.Resolve(ctx, params)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]interface{}), nil
}

// resolveString scans the string once for references. When the entire string
// is a single reference, the resolved value is returned with its native type
// intact (a credential reference yields the credential object, not a string).
// Otherwise each reference is stringified and spliced into the surrounding
// text, right to left so earlier spans stay valid.
func (r *Resolver) resolveString(ctx context.Context, s string) (interface{}, error) {
	matches := referenceRegex.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Full-span single reference: a credential reference yields the credential
	// object so handlers can read its fields; everything else is coerced to a
	// string, preserving template semantics for non-string values.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		ns, key := matchParts(s, matches[0])
		val, err := r.lookup(ctx, ns, key)
		if err != nil {
			return nil, err
		}
		if ns == NamespaceCredential {
			return val, nil
		}
		return stringify(val), nil
	}

	// Substring or multi-reference form: splice stringified values right to left.
	out := s
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		ns, key := matchParts(s, m)
		val, err := r.lookup(ctx, ns, key)
		if err != nil {
			return nil, err
		}
		out = out[:m[0]] + stringify(val) + out[m[1]:]
	}
	return out, nil
}

// matchParts extracts the namespace and name of one regex match, applying the
// bare-reference default of the parameter namespace.
func matchParts(s string, m []int) (string, string) {
	ns := NamespaceParameter
	if m[2] >= 0 {
		ns = s[m[2]:m[3]]
	}
	return ns, s[m[4]:m[5]]
}

// Lookup resolves one namespace/name pair directly, without template syntax.
func (r *Resolver) Lookup(ctx context.Context, namespace, name string) (interface{}, error) {
	return r.lookup(ctx, namespace, name)
}

func (r *Resolver) lookup(ctx context.Context, namespace, name string) (interface{}, error) {
	switch namespace {
	case NamespaceParameter:
		if val, ok := r.parameters[name]; ok {
			return util.DeepCopy(val), nil
		}
		return nil, opxerrors.NewResolutionError(namespace, name, nil)

	case NamespaceVariable:
		if val, ok := r.variables[name]; ok {
			return util.DeepCopy(val), nil
		}
		return nil, opxerrors.NewResolutionError(namespace, name, nil)

	case NamespaceCredential:
		if r.vaultStore == nil {
			return nil, opxerrors.NewResolutionError(namespace, name, nil)
		}
		cred, found, err := r.vaultStore.Get(ctx, name)
		if err != nil {
			return nil, opxerrors.NewResolutionError(namespace, name, err)
		}
		if !found {
			return nil, opxerrors.NewResolutionError(namespace, name, nil)
		}
		return cred, nil

	case NamespaceStep:
		return r.lookupStepOutput(namespace, name)

	default:
		return nil, opxerrors.NewResolutionError(namespace, name, nil)
	}
}

// lookupStepOutput resolves `step.<id>` and `step.<id>.<key>` references.
// The step is searched in the current scope first, then in ancestor scopes,
// so a nested playbook can read outputs of steps that ran before its own
// call site.
func (r *Resolver) lookupStepOutput(namespace, name string) (interface{}, error) {
	stepID := name
	var path string
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		stepID, path = name[:idx], name[idx+1:]
	}

	for scope := r; scope != nil; scope = scope.parent {
		if scope.stepOutputs == nil {
			continue
		}
		output, ok := scope.stepOutputs(stepID)
		if !ok {
			continue
		}
		if path == "" {
			return util.DeepCopy(output), nil
		}
		val, err := traverse(output, path)
		if err != nil {
			return nil, opxerrors.NewResolutionError(namespace, name, err)
		}
		return util.DeepCopy(val), nil
	}
	return nil, opxerrors.NewResolutionError(namespace, name, nil)
}

// traverse walks a dotted path into nested output maps.
func traverse(data map[string]interface{}, path string) (interface{}, error) {
	var current interface{} = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("output path segment '%s' is not a map", part)
		}
		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("output has no key '%s'", part)
		}
	}
	return current, nil
}

// stringify renders a resolved value for splicing into surrounding text.
// Types with a String method (credentials in particular) control their own
// textual form here.
func stringify(val interface{}) string {
	if val == nil {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	if s, ok := val.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", val)
}

// ResolveFilePath resolves any references in path, makes the result absolute
// against base when it is relative, and verifies the file exists.
func (r *Resolver) ResolveFilePath(ctx context.Context, path, base string) (string, error) {
	resolved, err := r.resolveString(ctx, path)
	if err != nil {
		return "", err
	}
	resolvedStr := stringify(resolved)
	if resolvedStr == "" {
		return "", opxerrors.NewValidationError("file path cannot be empty", nil)
	}

	absPath := resolvedStr
	if !filepath.IsAbs(absPath) {
		absPath = filepath.Join(base, absPath)
	}
	absPath = filepath.Clean(absPath)
	// A relative base yields a relative join; absolutize so callers comparing
	// playbook paths always see one canonical form.
	if !filepath.IsAbs(absPath) {
		if abs, absErr := filepath.Abs(absPath); absErr == nil {
			absPath = abs
		}
	}

	if _, statErr := os.Stat(absPath); statErr != nil {
		return "", opxerrors.NewValidationError(fmt.Sprintf("resolved file path '%s' does not exist", absPath), statErr)
	}
	return absPath, nil
}
