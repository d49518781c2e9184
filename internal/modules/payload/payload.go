// Package payload reads typed values out of the loosely typed request data
// and instance payloads that workflow handlers receive.
package payload

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// String returns data[key] as a trimmed string
func String(data map[string]interface{}, key string) (string, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%s must not be empty", key)
	}
	return s, nil
}

// OptionalString returns data[key] as a string or def when the key is absent
func OptionalString(data map[string]interface{}, key, def string) string {
	if s, err := String(data, key); err == nil {
		return s
	}
	return def
}

// Number returns data[key] as a float64. JSON numbers, Go integers and
// numeric strings are accepted.
func Number(data map[string]interface{}, key string) (float64, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%s is required", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be numeric: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s must be numeric, got %T", key, v)
	}
}

// Bool returns data[key] as a bool, false when absent
func Bool(data map[string]interface{}, key string) bool {
	b, _ := data[key].(bool)
	return b
}

// StringList returns data[key] as a list of non-empty strings
func StringList(data map[string]interface{}, key string) ([]string, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("%s is required", key)
	}

	var raw []interface{}
	switch list := v.(type) {
	case []string:
		for _, s := range list {
			raw = append(raw, s)
		}
	case []interface{}:
		raw = list
	default:
		return nil, fmt.Errorf("%s must be a list, got %T", key, v)
	}

	out := make([]string, 0, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("%s[%d] must be a non-empty string", key, i)
		}
		out = append(out, strings.TrimSpace(s))
	}
	return out, nil
}

// Records returns data[key] as a list of objects
func Records(data map[string]interface{}, key string) ([]map[string]interface{}, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("%s is required", key)
	}

	switch list := v.(type) {
	case []map[string]interface{}:
		return list, nil
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(list))
		for i, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s[%d] must be an object, got %T", key, i, item)
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a list of objects, got %T", key, v)
	}
}

// Sequence formats a human readable number such as ADM-2026-000042
func Sequence(prefix string, year int, id int64) string {
	return fmt.Sprintf("%s-%d-%06d", prefix, year, id)
}
