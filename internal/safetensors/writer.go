package safetensors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Tensor is an in-memory tensor to be written by Write.
type Tensor struct {
	Name  string
	DType string
	Shape []int
	Data  []byte
}

// Write serializes tensors in order, packed back to back. The header keeps
// the tensor order and is space padded to a multiple of eight bytes.
func Write(w io.Writer, tensors []Tensor, meta map[string]string) error {
	header := orderedmap.New[string, any]()
	if len(meta) > 0 {
		header.Set("__metadata__", meta)
	}
	var off int64
	for _, t := range tensors {
		end := off + int64(len(t.Data))
		header.Set(t.Name, tensorHeader{
			DType:       t.DType,
			Shape:       t.Shape,
			DataOffsets: []int64{off, end},
		})
		off = end
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if pad := len(hdr) % 8; pad != 0 {
		hdr = append(hdr, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	for _, t := range tensors {
		if _, err := w.Write(t.Data); err != nil {
			return fmt.Errorf("write tensor %s: %w", t.Name, err)
		}
	}
	return nil
}
