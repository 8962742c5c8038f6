package engine

import (
	"encoding/json"
	"strconv"
)

// The runtime context is a plain nested map as decoded by encoding/json. The
// helpers below implement dotted-path access over it; a numeric segment
// indexes a list.

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	return append(parts, path[start:])
}

// Lookup resolves a dotted path in the context. A missing path yields
// (nil, false).
func Lookup(ctx map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = ctx
	for _, part := range splitPath(path) {
		switch node := current.(type) {
		case map[string]interface{}:
			val, ok := node[part]
			if !ok {
				return nil, false
			}
			current = val
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Set assigns value at a dotted path, creating intermediate maps as needed.
// A non-map intermediate node is replaced by a map.
func Set(ctx map[string]interface{}, path string, value interface{}) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return
	}
	node := ctx
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			node[part] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = value
}

// Increment adds delta to the numeric value at path (missing reads as 0) and
// returns the new value.
func Increment(ctx map[string]interface{}, path string, delta float64) float64 {
	current := 0.0
	if existing, ok := Lookup(ctx, path); ok {
		if n, ok := toNumber(existing); ok {
			current = n
		}
	}
	updated := current + delta
	Set(ctx, path, updated)
	return updated
}

// Merge returns a shallow copy of ctx with the item's fields laid over it.
// Used by the "some" operator so conditions see the current element's fields.
func Merge(ctx map[string]interface{}, item map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(ctx)+len(item))
	for k, v := range ctx {
		merged[k] = v
	}
	for k, v := range item {
		merged[k] = v
	}
	return merged
}

// toNumber coerces JSON scalar shapes to float64.
func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// truthy coerces an evaluation result to a boolean the JSONLogic way.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		if n, ok := toNumber(v); ok {
			return n != 0
		}
		return true
	}
}
