package channel

import (
	"math"

	"github.com/google/uuid"
)

// GetString safely extracts a string value from a payload map
func GetString(m map[string]any, k string) (string, bool) {
	if v, ok := m[k]; ok {
		if s, ok2 := v.(string); ok2 {
			return s, true
		}
	}
	return "", false
}

// GetMap safely extracts a nested object from a payload map
func GetMap(m map[string]any, k string) (map[string]any, bool) {
	if v, ok := m[k]; ok {
		if mm, ok2 := v.(map[string]any); ok2 {
			return mm, true
		}
	}
	return nil, false
}

// GetInt extracts an integer value. JSON decoding hands numbers over as
// float64, so integral floats are accepted; fractional values are not.
func GetInt(m map[string]any, k string) (int64, bool) {
	switch v := m[k].(type) {
	case float64:
		if v == math.Trunc(v) {
			return int64(v), true
		}
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

// GetPatch extracts a list of patch operations (objects with string
// keys). An empty list is valid; a missing key or a non-object element
// is not.
func GetPatch(m map[string]any, k string) ([]map[string]any, bool) {
	v, ok := m[k]
	if !ok {
		return nil, false
	}
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		op, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		out = append(out, op)
	}
	return out, true
}

// ParseUUID parses a UUID string
func ParseUUID(s string) (uuid.UUID, bool) {
	if s == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	return id, err == nil
}
