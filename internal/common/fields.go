package common

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// LookupString walks obj along path and renders the leaf as a trimmed string.
// Missing keys, nested objects and nulls yield "".
func LookupString(obj map[string]any, path ...string) string {
	var cur any = obj
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[key]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]any, []any:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// LookupObject returns the nested object at path, or nil.
func LookupObject(obj map[string]any, path ...string) map[string]any {
	var cur any = obj
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	m, _ := cur.(map[string]any)
	return m
}

// FirstString returns the first non-empty top-level value among keys.
func FirstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := LookupString(obj, k); v != "" {
			return v
		}
	}
	return ""
}
