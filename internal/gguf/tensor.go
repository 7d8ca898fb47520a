package gguf

import "fmt"

type TensorType uint32

const (
	GGMLTypeF32  TensorType = 0
	GGMLTypeF16  TensorType = 1
	GGMLTypeQ4_0 TensorType = 2
	GGMLTypeQ4_1 TensorType = 3
	GGMLTypeQ5_0 TensorType = 6
	GGMLTypeQ5_1 TensorType = 7
	GGMLTypeQ8_0 TensorType = 8
	GGMLTypeQ8_1 TensorType = 9
	GGMLTypeQ2_K TensorType = 10
	GGMLTypeQ3_K TensorType = 11
	GGMLTypeQ4_K TensorType = 12
	GGMLTypeQ5_K TensorType = 13
	GGMLTypeQ6_K TensorType = 14
	GGMLTypeQ8_K TensorType = 15
	GGMLTypeI8   TensorType = 24
	GGMLTypeI16  TensorType = 25
	GGMLTypeI32  TensorType = 26
	GGMLTypeI64  TensorType = 27
	GGMLTypeF64  TensorType = 28
	GGMLTypeBF16 TensorType = 30
)

// typeTraits holds the block size (elements) and bytes per block.
var typeTraits = map[TensorType]struct {
	name       string
	blockSize  uint64
	blockBytes uint64
}{
	GGMLTypeF32:  {"F32", 1, 4},
	GGMLTypeF16:  {"F16", 1, 2},
	GGMLTypeQ4_0: {"Q4_0", 32, 18},
	GGMLTypeQ4_1: {"Q4_1", 32, 20},
	GGMLTypeQ5_0: {"Q5_0", 32, 22},
	GGMLTypeQ5_1: {"Q5_1", 32, 24},
	GGMLTypeQ8_0: {"Q8_0", 32, 34},
	GGMLTypeQ8_1: {"Q8_1", 32, 36},
	GGMLTypeQ2_K: {"Q2_K", 256, 84},
	GGMLTypeQ3_K: {"Q3_K", 256, 110},
	GGMLTypeQ4_K: {"Q4_K", 256, 144},
	GGMLTypeQ5_K: {"Q5_K", 256, 176},
	GGMLTypeQ6_K: {"Q6_K", 256, 210},
	GGMLTypeQ8_K: {"Q8_K", 256, 292},
	GGMLTypeI8:   {"I8", 1, 1},
	GGMLTypeI16:  {"I16", 1, 2},
	GGMLTypeI32:  {"I32", 1, 4},
	GGMLTypeI64:  {"I64", 1, 8},
	GGMLTypeF64:  {"F64", 1, 8},
	GGMLTypeBF16: {"BF16", 1, 2},
}

func (t TensorType) String() string {
	if tr, ok := typeTraits[t]; ok {
		return tr.name
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// Elements returns the number of elements described by the dims.
func (ti TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range ti.Dims {
		n *= d
	}
	return n
}

// Size returns the byte size of the tensor data.
func (ti TensorInfo) Size() (uint64, error) {
	tr, ok := typeTraits[ti.Type]
	if !ok {
		return 0, fmt.Errorf("tensor %s: unknown type %s", ti.Name, ti.Type)
	}
	n := ti.Elements()
	if n%tr.blockSize != 0 {
		return 0, fmt.Errorf("tensor %s: %d elements not a multiple of block size %d", ti.Name, n, tr.blockSize)
	}
	return n / tr.blockSize * tr.blockBytes, nil
}

// TensorByName returns the tensor info for the given name.
func (f *File) TensorByName(name string) (TensorInfo, bool) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return TensorInfo{}, false
}

// TensorData returns the raw bytes of a tensor. The file must have been
// opened with Open; the slice aliases the mapping and is invalid after Close.
func (f *File) TensorData(name string) ([]byte, error) {
	info, ok := f.TensorByName(name)
	if !ok {
		return nil, fmt.Errorf("tensor not found: %s", name)
	}
	if f.Data == nil {
		return nil, fmt.Errorf("tensor %s: file is not mapped", name)
	}
	size, err := info.Size()
	if err != nil {
		return nil, err
	}
	start := f.DataOffset + info.Offset
	if start+size > uint64(len(f.Data)) {
		return nil, fmt.Errorf("tensor %s: %w", name, ErrTruncated)
	}
	return f.Data[start : start+size], nil
}
