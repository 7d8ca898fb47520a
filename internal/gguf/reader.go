package gguf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Limits applied while decoding untrusted headers.
const (
	maxPrealloc  = 1 << 16
	maxDims      = 8
	maxStringLen = 1 << 30
)

// scalar is any fixed-width GGUF value.
type scalar interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~uint64 | ~int64 | ~float32 | ~float64
}

// reader counts consumed bytes so the tensor data section can be aligned.
// When size is known, a read past it fails before allocating.
type reader struct {
	r    *bufio.Reader
	off  int64
	size int64
}

func newReader(rd io.Reader, size int64) *reader {
	return &reader{r: bufio.NewReader(rd), size: size}
}

func (r *reader) fits(n int64) bool {
	return r.size <= 0 || r.off+n <= r.size
}

func (r *reader) take(n int) ([]byte, error) {
	if !r.fits(int64(n)) {
		return nil, ErrTruncated
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, truncated(err)
	}
	r.off += int64(n)
	return b, nil
}

func (r *reader) skip(n int64) error {
	if !r.fits(n) {
		return ErrTruncated
	}
	got, err := r.r.Discard(int(n))
	r.off += int64(got)
	return truncated(err)
}

// read decodes one little-endian value of type T.
func read[T scalar](r *reader) (T, error) {
	var v T
	b, err := r.take(binary.Size(v))
	if err != nil {
		return v, err
	}
	_, err = binary.Decode(b, binary.LittleEndian, &v)
	return v, err
}

// readString reads a u64 length-prefixed string.
func (r *reader) readString() (string, error) {
	n, err := read[uint64](r)
	if err != nil {
		return "", err
	}
	if n > maxStringLen || !r.fits(int64(n)) {
		return "", fmt.Errorf("%w: string of %d bytes", ErrTruncated, n)
	}
	b, err := r.take(int(n))
	return string(b), err
}

func boxed[T any](v T, err error) (any, error) { return v, err }

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}
