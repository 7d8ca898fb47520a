// Package safetensors reads the header and tensor bytes of .safetensors
// weight shards.
package safetensors

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

// maxHeaderLen bounds the JSON header a shard may declare.
const maxHeaderLen = 100 << 20

var ErrInvalidHeader = errors.New("safetensors: invalid header")

// dtypeSizes maps dtype names to their element size in bytes.
var dtypeSizes = map[string]int{
	"BOOL": 1, "U8": 1, "I8": 1, "F8_E4M3": 1, "F8_E5M2": 1,
	"I16": 2, "U16": 2, "F16": 2, "BF16": 2,
	"I32": 4, "U32": 4, "F32": 4,
	"I64": 8, "U64": 8, "F64": 8,
}

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// Bytes is the length of the tensor's data region.
func (t TensorInfo) Bytes() int64 { return t.End - t.Start }

type File struct {
	Path      string
	Size      int64
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open parses the header of the shard at path. Tensor data is read lazily.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	headerLen, err := readU64(f)
	if err != nil {
		return nil, fmt.Errorf("%w: read header length: %v", ErrInvalidHeader, err)
	}
	if headerLen > maxHeaderLen || int64(headerLen) > st.Size()-8 {
		return nil, fmt.Errorf("%w: header length %d exceeds file", ErrInvalidHeader, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	var meta map[string]string
	if msg, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(msg, &meta); err != nil {
			return nil, fmt.Errorf("%w: __metadata__: %v", ErrInvalidHeader, err)
		}
		delete(raw, "__metadata__")
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrInvalidHeader, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: tensor %s: invalid data_offsets", ErrInvalidHeader, name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{
		Path:      path,
		Size:      st.Size(),
		DataStart: int64(8 + headerLen),
		Tensors:   tensors,
		Metadata:  meta,
	}, nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names ordered by data offset.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		if c := cmp.Compare(f.Tensors[a].Start, f.Tensors[b].Start); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return names
}

// Validate checks that every tensor's region lies inside the data section,
// matches its dtype and shape, and does not overlap another tensor.
func (f *File) Validate() error {
	dataLen := f.Size - f.DataStart
	var prevEnd int64
	prevName := ""
	for _, name := range f.Names() {
		t := f.Tensors[name]
		if t.Start < 0 || t.End < t.Start {
			return fmt.Errorf("%w: tensor %s: invalid offsets [%d, %d)", ErrInvalidHeader, name, t.Start, t.End)
		}
		if t.End > dataLen {
			return fmt.Errorf("%w: tensor %s: ends at %d past data section of %d bytes", ErrInvalidHeader, name, t.End, dataLen)
		}
		if prevName != "" && t.Start < prevEnd {
			return fmt.Errorf("%w: tensor %s overlaps %s", ErrInvalidHeader, name, prevName)
		}
		size, ok := dtypeSizes[t.DType]
		if !ok {
			return fmt.Errorf("%w: tensor %s: unknown dtype %s", ErrInvalidHeader, name, t.DType)
		}
		n, err := numElements(t.Shape)
		if err != nil {
			return fmt.Errorf("%w: tensor %s: %v", ErrInvalidHeader, name, err)
		}
		if int64(n)*int64(size) != t.Bytes() {
			return fmt.Errorf("%w: tensor %s: %d bytes for %d elements of %s", ErrInvalidHeader, name, t.Bytes(), n, t.DType)
		}
		prevEnd, prevName = t.End, name
	}
	return nil
}

func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	if t.End < t.Start {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid offsets", name)
	}
	buf := make([]byte, t.Bytes())

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadTensorF32 reads a floating point tensor and widens it to float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	width := map[string]int{"F32": 4, "BF16": 2, "F16": 2}[info.DType]
	if width == 0 {
		return nil, TensorInfo{}, fmt.Errorf("unsupported dtype %s", info.DType)
	}
	if len(raw) != n*width {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid %s data size", name, info.DType)
	}

	out := make([]float32, n)
	for i := range out {
		switch info.DType {
		case "F32":
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		case "BF16":
			out[i] = bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		case "F16":
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	}
	return out, info, nil
}

// numElements returns the product of shape. A scalar has one element.
func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d > 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}
