package config

import (
	"fmt"
	"regexp"

	opxerrors "github.com/opx-labs/opx/pkg/opx/v1/errors"
)

// Pre-compiled regex for validating step ids and parameter names. Allows for
// readable identifiers without whitespace or template metacharacters.
var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidatePlaybookStructure performs a logical validation of the parsed Playbook
// struct. It checks cross-field consistency and other rules that cannot be fully
// expressed in JSON Schema alone. It returns a slice of all validation errors found.
func ValidatePlaybookStructure(p *Playbook) []error {
	var errs []error

	if p.Name == "" {
		errs = append(errs, opxerrors.NewValidationError("playbook 'name' is required", nil))
	}
	if len(p.Steps) == 0 {
		errs = append(errs, opxerrors.NewValidationError("playbook must contain at least one step in 'steps' list", nil))
	}

	paramNames := make(map[string]bool)
	for i := range p.Parameters {
		param := &p.Parameters[i]
		paramDisplayName := fmt.Sprintf("parameter %d", i)
		if param.Name != "" {
			paramDisplayName = fmt.Sprintf("parameter %d ('%s')", i, param.Name)
		}

		if param.Name == "" {
			errs = append(errs, opxerrors.NewValidationError(fmt.Sprintf("%s: 'name' is required", paramDisplayName), nil))
		} else {
			if !identifierRegex.MatchString(param.Name) {
				errs = append(errs, opxerrors.NewValidationError(fmt.Sprintf("%s: name contains invalid characters (allowed: alphanumeric, underscore, dot, hyphen)", paramDisplayName), nil))
			}
			if paramNames[param.Name] {
				errs = append(errs, opxerrors.NewValidationError(fmt.Sprintf("%s: duplicate parameter name found", paramDisplayName), nil))
			}
			paramNames[param.Name] = true
		}

		switch param.Type {
		case "", ParamTypeString, ParamTypeNumber, ParamTypeBoolean, ParamTypeCredential, ParamTypeAny:
		default:
			errs = append(errs, opxerrors.NewValidationError(fmt.Sprintf("%s: unknown type '%s'", paramDisplayName, param.Type), nil))
		}

		if param.Required && param.Default != nil {
			errs = append(errs, opxerrors.NewValidationError(fmt.Sprintf("%s: a required parameter cannot also declare a default", paramDisplayName), nil))
		}
	}

	stepIDs := make(map[string]bool)
	for i := range p.Steps {
		step := &p.Steps[i]
		stepDisplayName := fmt.Sprintf("step %d", i)
		if step.ID != "" {
			stepDisplayName = fmt.Sprintf("step %d ('%s')", i, step.ID)
		}

		if step.ID == "" {
			errs = append(errs, opxerrors.NewValidationError(fmt.Sprintf("%s: 'id' is required", stepDisplayName), nil))
		} else {
			if !identifierRegex.MatchString(step.ID) {
				errs = append(errs, opxerrors.NewValidationError(fmt.Sprintf("%s: id contains invalid characters (allowed: alphanumeric, underscore, dot, hyphen)", stepDisplayName), nil))
			}
			if stepIDs[step.ID] {
				errs = append(errs, opxerrors.NewValidationError(fmt.Sprintf("%s: duplicate step id found", stepDisplayName), nil))
			}
			stepIDs[step.ID] = true
		}

		if step.Type == "" {
			errs = append(errs, opxerrors.NewValidationError(fmt.Sprintf("%s: 'type' is required", stepDisplayName), nil))
		}

		switch step.OnFailure {
		case "", OnFailureAbort, OnFailureContinue, OnFailureRollback:
		default:
			errs = append(errs, opxerrors.NewValidationError(fmt.Sprintf("%s: invalid on_failure policy '%s' (allowed: abort, continue, rollback)", stepDisplayName, step.OnFailure), nil))
		}

		if step.Timeout < 0 {
			errs = append(errs, opxerrors.NewValidationError(fmt.Sprintf("%s: 'timeout' cannot be negative", stepDisplayName), nil))
		}
		if step.RetryCount < 0 {
			errs = append(errs, opxerrors.NewValidationError(fmt.Sprintf("%s: 'retry_count' cannot be negative", stepDisplayName), nil))
		}
		if step.RetryDelay < 0 {
			errs = append(errs, opxerrors.NewValidationError(fmt.Sprintf("%s: 'retry_delay' cannot be negative", stepDisplayName), nil))
		}

		if step.IsNestedPlaybook() {
			if _, ok := step.Parameters["playbook"]; !ok {
				errs = append(errs, opxerrors.NewValidationError(fmt.Sprintf("%s: playbook.run requires a 'playbook' parameter naming the target playbook file", stepDisplayName), nil))
			}
		}
	}

	return errs
}
