// Package gguf decodes the GGUF container: a typed key/value metadata section
// followed by a tensor directory and aligned tensor data.
package gguf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	magicGGUF = "GGUF"

	// DefaultAlignment applies when general.alignment is absent.
	DefaultAlignment = 32
)

var (
	ErrBadMagic           = errors.New("gguf: invalid magic")
	ErrUnsupportedVersion = errors.New("gguf: unsupported version")
	ErrTruncated          = errors.New("gguf: truncated file")
)

type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

func (t ValueType) String() string {
	switch t {
	case TypeUint8:
		return "u8"
	case TypeInt8:
		return "i8"
	case TypeUint16:
		return "u16"
	case TypeInt16:
		return "i16"
	case TypeUint32:
		return "u32"
	case TypeInt32:
		return "i32"
	case TypeUint64:
		return "u64"
	case TypeInt64:
		return "i64"
	case TypeFloat32:
		return "f32"
	case TypeFloat64:
		return "f64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeArray:
		return "array"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

type ArrayValue struct {
	ElemType ValueType
	Values   []any
}

// Value is a decoded metadata value. Value holds the Go type matching Type:
// uint8..uint64, int8..int64, float32, float64, bool, string or ArrayValue.
type Value struct {
	Type  ValueType
	Value any
}

type Header struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   TensorType
	Offset uint64
}

type File struct {
	Path       string
	Header     Header
	KV         map[string]Value
	Tensors    []TensorInfo
	Alignment  uint64
	DataOffset uint64

	// Data is the whole file when opened with Open, nil after Decode.
	Data  []byte
	unmap func() error
}

// Decode reads the header, metadata and tensor directory from r. The returned
// reader is positioned at the first byte of tensor data.
func Decode(rd io.Reader) (*File, io.Reader, error) {
	return decode(newReader(rd, 0))
}

func decode(r *reader) (*File, io.Reader, error) {
	magic, err := r.take(4)
	if err != nil {
		return nil, nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != magicGGUF {
		return nil, nil, fmt.Errorf("%w: %q", ErrBadMagic, string(magic))
	}

	version, err := read[uint32](r)
	if err != nil {
		return nil, nil, fmt.Errorf("read version: %w", err)
	}
	if version < 2 || version > 3 {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	tensorCount, err := read[uint64](r)
	if err != nil {
		return nil, nil, fmt.Errorf("read tensor count: %w", err)
	}
	kvCount, err := read[uint64](r)
	if err != nil {
		return nil, nil, fmt.Errorf("read kv count: %w", err)
	}

	kv := make(map[string]Value, min(kvCount, maxPrealloc))
	for i := range kvCount {
		key, err := r.readString()
		if err != nil {
			return nil, nil, fmt.Errorf("read key %d: %w", i, err)
		}
		vtype, err := read[ValueType](r)
		if err != nil {
			return nil, nil, fmt.Errorf("read value type for %s: %w", key, err)
		}
		val, err := readValue(r, vtype)
		if err != nil {
			return nil, nil, fmt.Errorf("read value for %s: %w", key, err)
		}
		kv[key] = Value{Type: vtype, Value: val}
	}

	tensors := make([]TensorInfo, 0, min(tensorCount, maxPrealloc))
	for i := range tensorCount {
		name, err := r.readString()
		if err != nil {
			return nil, nil, fmt.Errorf("read tensor name %d: %w", i, err)
		}
		nDim, err := read[uint32](r)
		if err != nil {
			return nil, nil, fmt.Errorf("read tensor dims %s: %w", name, err)
		}
		if nDim > maxDims {
			return nil, nil, fmt.Errorf("tensor %s: too many dimensions (%d)", name, nDim)
		}
		dims := make([]uint64, nDim)
		for d := range nDim {
			if dims[d], err = read[uint64](r); err != nil {
				return nil, nil, fmt.Errorf("read tensor dim %s[%d]: %w", name, d, err)
			}
		}
		ttype, err := read[TensorType](r)
		if err != nil {
			return nil, nil, fmt.Errorf("read tensor type %s: %w", name, err)
		}
		offset, err := read[uint64](r)
		if err != nil {
			return nil, nil, fmt.Errorf("read tensor offset %s: %w", name, err)
		}
		tensors = append(tensors, TensorInfo{
			Name:   name,
			Dims:   dims,
			Type:   ttype,
			Offset: offset,
		})
	}

	alignment := uint64(DefaultAlignment)
	if v, ok := kv["general.alignment"]; ok {
		if u, ok := asUint64(v.Value); ok && u > 0 {
			alignment = u
		}
	}

	dataOffset := align(uint64(r.off), alignment)
	if pad := int64(dataOffset) - r.off; pad > 0 && tensorCount > 0 {
		if err := r.skip(pad); err != nil {
			return nil, nil, fmt.Errorf("skip padding: %w", err)
		}
	}

	return &File{
		Header:     Header{Version: version, TensorCount: tensorCount, KVCount: kvCount},
		KV:         kv,
		Tensors:    tensors,
		Alignment:  alignment,
		DataOffset: dataOffset,
	}, r.r, nil
}

// Open maps the file at path into memory and decodes it.
func Open(path string) (*File, error) {
	data, unmap, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	f, _, err := decode(newReader(bytes.NewReader(data), int64(len(data))))
	if err != nil {
		_ = unmap()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	f.Data = data
	f.unmap = unmap
	return f, nil
}

func (f *File) Close() error {
	if f.unmap == nil {
		return nil
	}
	err := f.unmap()
	f.unmap = nil
	f.Data = nil
	return err
}

func readValue(r *reader, vtype ValueType) (any, error) {
	switch vtype {
	case TypeUint8:
		return boxed(read[uint8](r))
	case TypeInt8:
		return boxed(read[int8](r))
	case TypeUint16:
		return boxed(read[uint16](r))
	case TypeInt16:
		return boxed(read[int16](r))
	case TypeUint32:
		return boxed(read[uint32](r))
	case TypeInt32:
		return boxed(read[int32](r))
	case TypeUint64:
		return boxed(read[uint64](r))
	case TypeInt64:
		return boxed(read[int64](r))
	case TypeFloat32:
		return boxed(read[float32](r))
	case TypeFloat64:
		return boxed(read[float64](r))
	case TypeBool:
		v, err := read[uint8](r)
		if err != nil {
			return false, err
		}
		return v != 0, nil
	case TypeString:
		return boxed(r.readString())
	case TypeArray:
		elemType, err := read[ValueType](r)
		if err != nil {
			return nil, err
		}
		count, err := read[uint64](r)
		if err != nil {
			return nil, err
		}
		values := make([]any, 0, min(count, maxPrealloc))
		for range count {
			v, err := readValue(r, elemType)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return ArrayValue{ElemType: elemType, Values: values}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %d", uint32(vtype))
	}
}

func align(offset, alignment uint64) uint64 {
	if alignment == 0 {
		return offset
	}
	rem := offset % alignment
	if rem == 0 {
		return offset
	}
	return offset + (alignment - rem)
}

func asUint64(v any) (uint64, bool) {
	switch t := v.(type) {
	case uint8:
		return uint64(t), true
	case uint16:
		return uint64(t), true
	case uint32:
		return uint64(t), true
	case uint64:
		return t, true
	case int8:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case int16:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case int32:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case int64:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	default:
		return 0, false
	}
}
