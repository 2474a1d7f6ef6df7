package proto

import (
	"encoding/json"

	"github.com/vireo/runnerd/errors"
)

// Typed accessors for request params. JSON numbers arrive as float64; these
// helpers normalize and validate so handlers stay short.

// StringParam returns a required string parameter
func StringParam(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", errors.NewInvalidRequest("missing parameter %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errors.NewInvalidRequest("parameter %q must be a non-empty string", key)
	}
	return s, nil
}

// OptionalStringParam returns a string parameter or the empty string
func OptionalStringParam(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.NewInvalidRequest("parameter %q must be a string", key)
	}
	return s, nil
}

// IntParam returns a required integer parameter
func IntParam(params map[string]interface{}, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, errors.NewInvalidRequest("missing parameter %q", key)
	}
	return coerceInt(v, key)
}

// OptionalIntParam returns an integer parameter or the given default
func OptionalIntParam(params map[string]interface{}, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	return coerceInt(v, key)
}

// Int64Param returns a required 64-bit integer parameter
func Int64Param(params map[string]interface{}, key string) (int64, error) {
	v, ok := params[key]
	if !ok {
		return 0, errors.NewInvalidRequest("missing parameter %q", key)
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, errors.NewInvalidRequest("parameter %q must be an integer", key)
		}
		return i, nil
	default:
		return 0, errors.NewInvalidRequest("parameter %q must be an integer", key)
	}
}

// MapParam returns a required object parameter as raw JSON
func MapParam(params map[string]interface{}, key string) (json.RawMessage, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, errors.NewInvalidRequest("missing parameter %q", key)
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.NewInvalidRequest("parameter %q must be an object", key)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "marshal param")
	}
	return raw, nil
}

// OptionalMapParam returns an object parameter as raw JSON, or nil
func OptionalMapParam(params map[string]interface{}, key string) (json.RawMessage, error) {
	if _, ok := params[key]; !ok {
		return nil, nil
	}
	return MapParam(params, key)
}

func coerceInt(v interface{}, key string) (int, error) {
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, errors.NewInvalidRequest("parameter %q must be an integer", key)
		}
		return int(n), nil
	case int:
		return n, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, errors.NewInvalidRequest("parameter %q must be an integer", key)
		}
		return int(i), nil
	default:
		return 0, errors.NewInvalidRequest("parameter %q must be an integer", key)
	}
}
