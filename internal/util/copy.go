package util

import "reflect"

// DeepCopy creates a deep copy of a value made of the shapes produced by YAML
// decoding and handler outputs: maps, slices, and scalars. Values of any other
// type are returned as-is and must be treated as immutable by callers.
// It is safe for cyclic map/slice structures.
func DeepCopy(src interface{}) interface{} {
	if src == nil {
		return nil
	}
	// seen maps the address of an original map/slice to its in-progress copy
	// so cycles terminate.
	seen := make(map[uintptr]interface{})
	return deepCopyRecursive(src, seen)
}

func deepCopyRecursive(src interface{}, seen map[uintptr]interface{}) interface{} {
	switch v := src.(type) {
	case map[string]interface{}:
		if v == nil {
			return nil
		}
		addr := reflect.ValueOf(v).Pointer()
		if prior, ok := seen[addr]; ok {
			return prior
		}
		// Register the copy before recursing so self-references resolve.
		cpy := make(map[string]interface{}, len(v))
		seen[addr] = cpy
		for k, val := range v {
			cpy[k] = deepCopyRecursive(val, seen)
		}
		return cpy

	case []interface{}:
		if v == nil {
			return nil
		}
		addr := reflect.ValueOf(v).Pointer()
		if prior, ok := seen[addr]; ok {
			return prior
		}
		cpy := make([]interface{}, len(v))
		seen[addr] = cpy
		for i, val := range v {
			cpy[i] = deepCopyRecursive(val, seen)
		}
		return cpy

	case map[string]string:
		if v == nil {
			return nil
		}
		cpy := make(map[string]string, len(v))
		for k, val := range v {
			cpy[k] = val
		}
		return cpy

	case []string:
		if v == nil {
			return nil
		}
		cpy := make([]string, len(v))
		copy(cpy, v)
		return cpy

	default:
		// Scalars are copied by value; anything else is treated as immutable.
		return v
	}
}

// CopyStringMap returns a copy of a map[string]interface{} whose values are
// deep-copied. Returns an empty non-nil map for nil input.
func CopyStringMap(src map[string]interface{}) map[string]interface{} {
	cpy := make(map[string]interface{}, len(src))
	for k, v := range src {
		cpy[k] = DeepCopy(v)
	}
	return cpy
}
