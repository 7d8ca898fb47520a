package callm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MistApproach/callm/internal/backend"
)

type DeviceKind int

const (
	CPU DeviceKind = iota
	CUDA
	Metal
)

func (k DeviceKind) String() string {
	switch k {
	case CPU:
		return backend.CPU
	case CUDA:
		return backend.CUDA
	case Metal:
		return backend.Metal
	default:
		return fmt.Sprintf("DeviceKind(%d)", int(k))
	}
}

// DType is the floating point type an engine should keep weights in.
type DType string

const (
	F32  DType = "f32"
	BF16 DType = "bf16"
)

// Device selects the compute device handed to engines. It is a value type
// and never changes after construction.
type Device struct {
	kind    DeviceKind
	ordinal int
	dtype   DType
}

// NewDevice returns the configuration for the given device.
// CUDA devices compute in bf16, everything else in f32.
func NewDevice(kind DeviceKind, ordinal int) Device {
	dtype := F32
	if kind == CUDA {
		dtype = BF16
	}
	return Device{kind: kind, ordinal: ordinal, dtype: dtype}
}

// AutodetectDevice prefers CUDA, then Metal, then the CPU.
func AutodetectDevice() Device {
	switch {
	case backend.Has(backend.CUDA):
		return NewDevice(CUDA, 0)
	case backend.Has(backend.Metal):
		return NewDevice(Metal, 0)
	default:
		return NewDevice(CPU, 0)
	}
}

// ParseDevice accepts "auto", "cpu", "cuda", "metal" with an optional
// ":N" ordinal suffix, e.g. "cuda:1".
func ParseDevice(s string) (Device, error) {
	name, idx, hasIdx := strings.Cut(s, ":")
	name, err := backend.Normalize(name)
	if err != nil {
		return Device{}, err
	}
	ordinal := 0
	if hasIdx {
		ordinal, err = strconv.Atoi(idx)
		if err != nil || ordinal < 0 {
			return Device{}, fmt.Errorf("invalid device ordinal %q", idx)
		}
	}
	switch name {
	case backend.Auto:
		if hasIdx {
			return Device{}, fmt.Errorf("auto device does not take an ordinal")
		}
		return AutodetectDevice(), nil
	case backend.CPU:
		return NewDevice(CPU, ordinal), nil
	case backend.CUDA:
		return NewDevice(CUDA, ordinal), nil
	default:
		return NewDevice(Metal, ordinal), nil
	}
}

func (d Device) Kind() DeviceKind { return d.kind }
func (d Device) Ordinal() int     { return d.ordinal }
func (d Device) DType() DType     { return d.dtype }

func (d Device) String() string {
	if d.kind == CPU {
		return d.kind.String()
	}
	return fmt.Sprintf("%s:%d", d.kind, d.ordinal)
}
