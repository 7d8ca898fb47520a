package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"slices"
)

// Tensor is a tensor to be written by Encode.
type Tensor struct {
	Name string
	Dims []uint64
	Type TensorType
	Data []byte
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Encode writes a version 3 container with keys in sorted order. Values must
// be Go scalars matching a ValueType or slices of them.
func Encode(w io.Writer, kv map[string]any, tensors []Tensor) error {
	cw := &countingWriter{w: w}

	if _, err := io.WriteString(cw, magicGGUF); err != nil {
		return err
	}
	for _, v := range []any{uint32(3), uint64(len(tensors)), uint64(len(kv))} {
		if err := binary.Write(cw, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	for _, key := range slices.Sorted(maps.Keys(kv)) {
		if err := writeString(cw, key); err != nil {
			return err
		}
		if err := writeValue(cw, kv[key]); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}

	alignment := uint64(DefaultAlignment)
	if v, ok := asUint64(kv["general.alignment"]); ok && v > 0 {
		alignment = v
	}

	var offset uint64
	for _, t := range tensors {
		if err := writeString(cw, t.Name); err != nil {
			return err
		}
		if err := binary.Write(cw, binary.LittleEndian, uint32(len(t.Dims))); err != nil {
			return err
		}
		if err := binary.Write(cw, binary.LittleEndian, t.Dims); err != nil {
			return err
		}
		if err := binary.Write(cw, binary.LittleEndian, uint32(t.Type)); err != nil {
			return err
		}
		if err := binary.Write(cw, binary.LittleEndian, offset); err != nil {
			return err
		}
		offset = align(offset+uint64(len(t.Data)), alignment)
	}

	for _, t := range tensors {
		if err := writePadding(cw, alignment); err != nil {
			return err
		}
		if _, err := cw.Write(t.Data); err != nil {
			return err
		}
	}
	return nil
}

func writePadding(cw *countingWriter, alignment uint64) error {
	pad := align(uint64(cw.n), alignment) - uint64(cw.n)
	if pad == 0 {
		return nil
	}
	_, err := cw.Write(make([]byte, pad))
	return err
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeValue(w io.Writer, v any) error {
	vt, ok := valueTypeOf(v)
	if !ok {
		return fmt.Errorf("unsupported value %T", v)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(vt)); err != nil {
		return err
	}
	switch t := v.(type) {
	case string:
		return writeString(w, t)
	case []string:
		return writeArray(w, TypeString, t)
	case []uint8:
		return writeArray(w, TypeUint8, t)
	case []int8:
		return writeArray(w, TypeInt8, t)
	case []uint16:
		return writeArray(w, TypeUint16, t)
	case []int16:
		return writeArray(w, TypeInt16, t)
	case []uint32:
		return writeArray(w, TypeUint32, t)
	case []int32:
		return writeArray(w, TypeInt32, t)
	case []uint64:
		return writeArray(w, TypeUint64, t)
	case []int64:
		return writeArray(w, TypeInt64, t)
	case []float32:
		return writeArray(w, TypeFloat32, t)
	case []float64:
		return writeArray(w, TypeFloat64, t)
	case []bool:
		return writeArray(w, TypeBool, t)
	default:
		return binary.Write(w, binary.LittleEndian, v)
	}
}

func writeArray[S ~[]E, E any](w io.Writer, elem ValueType, s S) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(elem)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	if elem == TypeString {
		for _, e := range any(s).([]string) {
			if err := writeString(w, e); err != nil {
				return err
			}
		}
		return nil
	}
	return binary.Write(w, binary.LittleEndian, s)
}

func valueTypeOf(v any) (ValueType, bool) {
	switch v.(type) {
	case uint8:
		return TypeUint8, true
	case int8:
		return TypeInt8, true
	case uint16:
		return TypeUint16, true
	case int16:
		return TypeInt16, true
	case uint32:
		return TypeUint32, true
	case int32:
		return TypeInt32, true
	case uint64:
		return TypeUint64, true
	case int64:
		return TypeInt64, true
	case float32:
		return TypeFloat32, true
	case float64:
		return TypeFloat64, true
	case bool:
		return TypeBool, true
	case string:
		return TypeString, true
	case []string, []uint8, []int8, []uint16, []int16, []uint32, []int32,
		[]uint64, []int64, []float32, []float64, []bool:
		return TypeArray, true
	default:
		return 0, false
	}
}
