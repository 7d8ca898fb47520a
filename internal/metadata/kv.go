package metadata

import (
	"github.com/MistApproach/callm/internal/gguf"
	"github.com/MistApproach/callm/pkg/callm"
)

// kvReader reads typed values and keeps the first error; later reads are
// no-ops once err is set.
type kvReader struct {
	kv  map[string]gguf.Value
	err error
}

func (r *kvReader) lookup(key string, required bool) (gguf.Value, bool) {
	if r.err != nil {
		return gguf.Value{}, false
	}
	v, ok := r.kv[key]
	if !ok && required {
		r.err = callm.LoaderFail("missing metadata key %q", key)
	}
	return v, ok
}

func (r *kvReader) typeError(key, want string, v gguf.Value) {
	r.err = &TypeError{Key: key, Want: want, Got: v.Type}
}

func (r *kvReader) str(key string, required bool) (string, bool) {
	v, ok := r.lookup(key, required)
	if !ok {
		return "", false
	}
	s, ok := v.Value.(string)
	if !ok {
		r.typeError(key, "string", v)
	}
	return s, ok
}

func (r *kvReader) u32(key string, required bool) (uint32, bool) {
	v, ok := r.lookup(key, required)
	if !ok {
		return 0, false
	}
	u, ok := v.Value.(uint32)
	if !ok {
		r.typeError(key, "u32", v)
	}
	return u, ok
}

func (r *kvReader) requiredString(key string) string {
	s, _ := r.str(key, true)
	return s
}

func (r *kvReader) optionalString(key string) (string, bool) {
	return r.str(key, false)
}

func (r *kvReader) requiredU32(key string) uint32 {
	u, _ := r.u32(key, true)
	return u
}

func (r *kvReader) optionalU32(key string) (uint32, bool) {
	return r.u32(key, false)
}

func (r *kvReader) optionalID(key string) *int {
	u, ok := r.u32(key, false)
	if !ok {
		return nil
	}
	id := int(u)
	return &id
}

func (r *kvReader) f32(key string, required bool) (float32, bool) {
	v, ok := r.lookup(key, required)
	if !ok {
		return 0, false
	}
	f, ok := v.Value.(float32)
	if !ok {
		r.typeError(key, "f32", v)
	}
	return f, ok
}

func (r *kvReader) requiredStrings(key string) []string {
	v, ok := r.lookup(key, true)
	if !ok {
		return nil
	}
	return arrayOf[string](r, key, "string array", v)
}

func optionalArray[T any](r *kvReader, key, want string) []T {
	v, ok := r.lookup(key, false)
	if !ok {
		return nil
	}
	return arrayOf[T](r, key, want, v)
}

func arrayOf[T any](r *kvReader, key, want string, v gguf.Value) []T {
	arr, ok := v.Value.(gguf.ArrayValue)
	if !ok {
		r.typeError(key, want, v)
		return nil
	}
	out := make([]T, len(arr.Values))
	for i, item := range arr.Values {
		t, ok := item.(T)
		if !ok {
			r.err = &TypeError{Key: key, Want: want, Got: arr.ElemType}
			return nil
		}
		out[i] = t
	}
	return out
}
