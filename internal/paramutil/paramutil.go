package paramutil

import (
	"fmt"

	// Import the public OPX error types
	opxerrors "github.com/opx-labs/opx/pkg/opx/v1/errors"
)

// GetRequiredString retrieves a required string parameter from the params map.
// It returns the string value and a nil error if the key exists and the value is a string.
// Otherwise, it returns an empty string and a ValidationError.
func GetRequiredString(params map[string]interface{}, key string) (string, error) {
	value, exists := params[key]
	if !exists {
		return "", opxerrors.NewValidationError(fmt.Sprintf("missing required parameter '%s'", key), nil)
	}

	strValue, ok := value.(string)
	if !ok {
		return "", opxerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a string, got %T", key, value), nil)
	}

	return strValue, nil
}

// GetOptionalString retrieves an optional string parameter from the params map.
// Returns the value and true if found and correct type, empty string and false if not found,
// or error if the key exists but has the wrong type.
func GetOptionalString(params map[string]interface{}, key string) (string, bool, error) {
	value, exists := params[key]
	if !exists {
		return "", false, nil
	}

	strValue, ok := value.(string)
	if !ok {
		return "", false, opxerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a string, got %T", key, value), nil)
	}

	return strValue, true, nil
}

// GetOptionalMap retrieves an optional parameter that should be a map[string]interface{}.
// Handles conversion from map[interface{}]interface{} if necessary (common from YAML).
// Returns the map and true if found and correct type, nil and false if not found,
// or error if the key exists but has the wrong type or non-string keys.
func GetOptionalMap(params map[string]interface{}, key string) (map[string]interface{}, bool, error) {
	value, exists := params[key]
	if !exists {
		return nil, false, nil
	}

	mapValue, ok := value.(map[string]interface{})
	if ok {
		return mapValue, true, nil
	}

	if genericMap, isGenericMap := value.(map[interface{}]interface{}); isGenericMap {
		convertedMap := make(map[string]interface{}, len(genericMap))
		for k, v := range genericMap {
			strKey, ok := k.(string)
			if !ok {
				return nil, false, opxerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a map with string keys, found key of type %T", key, k), nil)
			}
			convertedMap[strKey] = v
		}
		return convertedMap, true, nil
	}

	return nil, false, opxerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a map, got %T", key, value), nil)
}

// GetOptionalNumber retrieves an optional numeric parameter as a float64,
// coercing from the integer and float types the YAML decoder produces.
// Returns the value and true if found and coercible, 0 and false if not found,
// or error if the key exists but the value type is incompatible.
func GetOptionalNumber(params map[string]interface{}, key string) (float64, bool, error) {
	value, exists := params[key]
	if !exists {
		return 0, false, nil
	}

	switch v := value.(type) {
	case int:
		return float64(v), true, nil
	case int32:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case float32:
		return float64(v), true, nil
	case float64:
		return v, true, nil
	default:
		return 0, false, opxerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a number, got %T", key, value), nil)
	}
}

// GetOptionalInt retrieves an optional integer parameter, attempting coercion from compatible types.
// Returns the int value and true if found and coercible, 0 and false if not found,
// or error if the key exists but value type is incompatible or conversion overflows.
func GetOptionalInt(params map[string]interface{}, key string) (int, bool, error) {
	value, exists := params[key]
	if !exists {
		return 0, false, nil
	}

	switch v := value.(type) {
	case int:
		return v, true, nil
	case int8:
		return int(v), true, nil
	case int16:
		return int(v), true, nil
	case int32:
		return int(v), true, nil
	case int64:
		intValue := int(v)
		// Check for overflow on 32-bit systems where int might be smaller than int64.
		if int64(intValue) != v {
			return 0, false, opxerrors.NewValidationError(fmt.Sprintf("parameter '%s' value %v overflows standard int type", key, v), nil)
		}
		return intValue, true, nil
	case float32:
		// Allow conversion only if it represents a whole number.
		if v == float32(int(v)) {
			return int(v), true, nil
		}
		return 0, false, opxerrors.NewValidationError(fmt.Sprintf("parameter '%s' is a non-integer float (%v), cannot convert to int", key, v), nil)
	case float64:
		if v == float64(int(v)) {
			return int(v), true, nil
		}
		return 0, false, opxerrors.NewValidationError(fmt.Sprintf("parameter '%s' is a non-integer float (%v), cannot convert to int", key, v), nil)
	default:
		return 0, false, opxerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be an integer or whole number, got %T", key, value), nil)
	}
}

// GetOptionalBool retrieves an optional boolean parameter.
// Returns the bool value and true if found and correct type, false and false if not found,
// or error if the key exists but value type is not boolean.
func GetOptionalBool(params map[string]interface{}, key string) (bool, bool, error) {
	value, exists := params[key]
	if !exists {
		return false, false, nil
	}

	boolValue, ok := value.(bool)
	if !ok {
		return false, false, opxerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be a boolean, got %T", key, value), nil)
	}

	return boolValue, true, nil
}

// CheckRequired validates that all keys in the 'required' list exist in the params map.
// Returns a ValidationError naming the first missing key, or nil when all are present.
func CheckRequired(params map[string]interface{}, required []string) error {
	for _, key := range required {
		if _, exists := params[key]; !exists {
			return opxerrors.NewValidationError(fmt.Sprintf("missing required parameter '%s'", key), nil)
		}
	}
	return nil
}
