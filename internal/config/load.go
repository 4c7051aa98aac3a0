package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	opxerrors "github.com/opx-labs/opx/pkg/opx/v1/errors"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SupportedSchemaVersionConstraint defines the SemVer constraint that loaded playbooks
// must satisfy. A v1 engine only accepts v1 playbooks.
const SupportedSchemaVersionConstraint = "v1"

// defaultSchemaVersion is assumed when a playbook omits the schemaVersion field.
const defaultSchemaVersion = "1.0.0"

// LoadPlaybook reads the specified YAML bytes, unmarshals into a Playbook struct,
// validates against the embedded JSON schema, checks schema version compatibility,
// and performs logical validation.
func LoadPlaybook(playbookYAML []byte, filePathHint string) (*Playbook, error) {
	if len(playbookYAML) == 0 {
		return nil, opxerrors.NewConfigError("playbook content cannot be empty", nil)
	}

	// Step 1: Validate against the JSON Schema for basic structure and types.
	if err := ValidateWithSchema(playbookYAML); err != nil {
		return nil, opxerrors.NewConfigError(fmt.Sprintf("playbook '%s' failed schema validation", filePathHint), err)
	}

	// Step 2: Unmarshal into Go struct using strict decoding to catch unknown fields.
	var playbook Playbook
	if err := yamlUnmarshalStrict(playbookYAML, &playbook); err != nil {
		return nil, opxerrors.NewConfigError(fmt.Sprintf("failed to parse playbook YAML '%s'", filePathHint), err)
	}
	playbook.FilePath = filePathHint

	// Step 3: Check schema version compatibility.
	if playbook.SchemaVersion == "" {
		playbook.SchemaVersion = defaultSchemaVersion
	}
	playbookSemVer := playbook.SchemaVersion
	if !strings.HasPrefix(playbookSemVer, "v") {
		playbookSemVer = "v" + playbookSemVer
	}
	if !semver.IsValid(playbookSemVer) {
		return nil, opxerrors.NewValidationError(fmt.Sprintf("playbook '%s' has invalid 'schemaVersion' format: '%s'", filePathHint, playbook.SchemaVersion), nil)
	}
	if semver.Major(playbookSemVer) != SupportedSchemaVersionConstraint {
		return nil, opxerrors.NewValidationError(
			fmt.Sprintf("playbook '%s' schemaVersion '%s' is not compatible with engine requirement '%s'",
				filePathHint, playbook.SchemaVersion, SupportedSchemaVersionConstraint),
			nil,
		)
	}

	// Step 4: Perform detailed logical validation on the Go struct.
	validationErrs := ValidatePlaybookStructure(&playbook)
	if len(validationErrs) > 0 {
		// Combine multiple validation errors into a single, clear message.
		var errorMessages []string
		for _, vErr := range validationErrs {
			errorMessages = append(errorMessages, vErr.Error())
		}
		combinedMessage := fmt.Sprintf("playbook '%s' has %d validation error(s):\n- %s",
			filePathHint, len(errorMessages), strings.Join(errorMessages, "\n- "))
		return nil, opxerrors.NewValidationError(combinedMessage, validationErrs[0])
	}

	return &playbook, nil
}

// LoadPlaybookFromFile is a convenience function to read a playbook from disk.
func LoadPlaybookFromFile(filePath string) (*Playbook, error) {
	if filePath == "" {
		return nil, opxerrors.NewConfigError("playbook file path cannot be empty", nil)
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, opxerrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", filePath), err)
	}
	yamlFile, err := os.ReadFile(absPath)
	if err != nil {
		return nil, opxerrors.NewConfigError(fmt.Sprintf("failed to read playbook file '%s'", absPath), err)
	}
	return LoadPlaybook(yamlFile, absPath)
}

// yamlUnmarshalStrict provides stricter YAML unmarshalling by disallowing unknown fields.
// This helps users catch typos or unsupported configuration options in their playbooks early.
func yamlUnmarshalStrict(in []byte, out interface{}) error {
	decoder := yaml.NewDecoder(strings.NewReader(string(in)))
	// Return an error if the YAML contains fields not defined in the target struct.
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}
