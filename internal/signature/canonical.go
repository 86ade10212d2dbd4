package signature

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// FieldName is the payload key that carries the signature itself.
const FieldName = "signature"

// Canonicalize renders payload in the processor's signing form. The signature
// field is dropped, keys are sorted byte-wise and each entry is written as
// "key:value;". Nested objects become "key:{...};" using the same rule. Lists
// become objects keyed by their decimal index, written in index order ("10"
// follows "9"). This format is pinned: any change breaks verification against
// the live processor.
func Canonicalize(payload map[string]any) string {
	var b strings.Builder
	writeObject(&b, payload, true)
	return b.String()
}

// LegacyString builds the input of the legacy MD5 scheme: the top-level scalar
// values in key order joined by ':' and terminated by the secret. Nested
// values and the signature field are skipped.
func LegacyString(payload map[string]any, secret string) string {
	var b strings.Builder
	for _, key := range sortedKeys(payload) {
		if key == FieldName {
			continue
		}
		v := payload[key]
		if isNested(v) {
			continue
		}
		b.WriteString(scalar(v))
		b.WriteByte(':')
	}
	b.WriteString(secret)
	return b.String()
}

func writeObject(b *strings.Builder, obj map[string]any, top bool) {
	for _, key := range sortedKeys(obj) {
		if top && key == FieldName {
			continue
		}
		writeEntry(b, key, obj[key])
	}
}

func writeEntry(b *strings.Builder, key string, v any) {
	b.WriteString(key)
	b.WriteByte(':')
	switch nested := v.(type) {
	case map[string]any:
		b.WriteByte('{')
		writeObject(b, nested, false)
		b.WriteByte('}')
	case map[string]string:
		b.WriteByte('{')
		writeObject(b, stringMap(nested), false)
		b.WriteByte('}')
	case []any:
		b.WriteByte('{')
		for i, item := range nested {
			writeEntry(b, strconv.Itoa(i), item)
		}
		b.WriteByte('}')
	case []string:
		b.WriteByte('{')
		for i, item := range nested {
			writeEntry(b, strconv.Itoa(i), item)
		}
		b.WriteByte('}')
	default:
		b.WriteString(scalar(v))
	}
	b.WriteByte(';')
}

func sortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	// Go string comparison is byte-wise.
	sort.Strings(keys)
	return keys
}

func isNested(v any) bool {
	switch v.(type) {
	case map[string]any, map[string]string, []any, []string:
		return true
	}
	return false
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// scalar formats leaf values. Booleans follow the processor's reference
// implementation: true is "1" and false is the empty string.
func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "1"
		}
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case fmt.Stringer:
		return t.String()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	}
	return fmt.Sprint(v)
}
