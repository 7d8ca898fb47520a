// Package engine is the boundary between model loading and the numeric
// forward pass. Compute backends register a Factory per architecture.
package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MistApproach/callm/internal/metadata"
	"github.com/MistApproach/callm/pkg/callm"
)

// Format identifies the on-disk weight layout.
type Format string

const (
	FormatGGUF        Format = "gguf"
	FormatSafetensors Format = "safetensors"
)

// Model is a loaded network instance. Forward returns the logits of the
// last position; positions are absolute within the running sequence.
type Model interface {
	Load(ctx context.Context) error
	Forward(ids []int, pos int) ([]float32, error)
	ClearCache() error
}

// Spec is everything a factory needs to instantiate a model.
type Spec struct {
	Arch        string
	Format      Format
	Files       []string
	Device      callm.Device
	Hyperparams *metadata.Hyperparams
	VocabSize   int
}

type Factory func(spec Spec) (Model, error)

// Registry maps architecture names to factories. The zero value is not
// usable; use NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	fallback  Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Default is the registry loaders consult unless given another one.
var Default = NewRegistry()

func (r *Registry) Register(arch string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[arch] = f
}

// SetFallback installs a factory used for every architecture without a
// dedicated registration.
func (r *Registry) SetFallback(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = f
}

func (r *Registry) Lookup(arch string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.factories[arch]; ok {
		return f, true
	}
	return r.fallback, r.fallback != nil
}

// Architectures lists the explicitly registered names, sorted.
func (r *Registry) Architectures() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// New instantiates a model for spec.Arch. A missing factory is reported as
// an unsupported model; factory failures are engine errors.
func (r *Registry) New(spec Spec) (Model, error) {
	f, ok := r.Lookup(spec.Arch)
	if !ok {
		return nil, callm.UnsupportedModel(spec.Arch)
	}
	m, err := f(spec)
	if err != nil {
		return nil, callm.Engine(fmt.Errorf("instantiate %s: %w", spec.Arch, err))
	}
	return m, nil
}

func Register(arch string, f Factory) { Default.Register(arch, f) }

func SetFallback(f Factory) { Default.SetFallback(f) }

func New(spec Spec) (Model, error) { return Default.New(spec) }
