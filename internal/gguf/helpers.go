package gguf

import (
	"fmt"
	"strings"
)

func GetString(kv map[string]Value, key string) (string, bool) {
	v, ok := kv[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value.(string)
	return s, ok
}

func GetUint64(kv map[string]Value, key string) (uint64, bool) {
	v, ok := kv[key]
	if !ok {
		return 0, false
	}
	return asUint64(v.Value)
}

// GetArray retrieves a slice of type T from the key-value pairs.
// It checks that the value exists, is an array, and that all elements can be asserted to type T.
func GetArray[T any](kv map[string]Value, key string) ([]T, bool) {
	v, ok := kv[key]
	if !ok {
		return nil, false
	}
	arr, ok := v.Value.(ArrayValue)
	if !ok {
		return nil, false
	}

	out := make([]T, 0, len(arr.Values))
	for _, item := range arr.Values {
		tItem, ok := item.(T)
		if !ok {
			return nil, false
		}
		out = append(out, tItem)
	}
	return out, true
}

// FormatValue renders a value for display. Arrays longer than maxElems are
// elided after the first maxElems elements.
func FormatValue(v Value, maxElems int) string {
	switch t := v.Value.(type) {
	case string:
		if len(t) > 80 {
			return fmt.Sprintf("%q...(%d bytes)", t[:80], len(t))
		}
		return fmt.Sprintf("%q", t)
	case ArrayValue:
		var b strings.Builder
		fmt.Fprintf(&b, "[%s x %d]", t.ElemType, len(t.Values))
		n := min(len(t.Values), maxElems)
		if n == 0 {
			return b.String()
		}
		b.WriteString(" ")
		for i := range n {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(FormatValue(Value{Type: t.ElemType, Value: t.Values[i]}, maxElems))
		}
		if n < len(t.Values) {
			b.WriteString(", ...")
		}
		return b.String()
	default:
		return fmt.Sprint(t)
	}
}
