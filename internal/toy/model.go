// Package toy is a tiny deterministic language model. It stands in for a
// compute backend in tests and in dry runs of the loading pipeline.
package toy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/MistApproach/callm/pkg/engine"
)

const defaultHidden = 16

// Call records the arguments of one Forward invocation.
type Call struct {
	Tokens int
	Pos    int
}

// Model is a single-layer embedding/projection network. Its weights are
// derived from a seed, so equal seeds give equal logits.
type Model struct {
	Vocab  int
	Hidden int

	emb  []float32 // [Vocab x Hidden]
	proj []float32 // [Vocab x Hidden]
	bias []float32 // [Vocab]

	loaded bool
	cache  []int
	calls  []Call
	h      []float32
}

// New constructs a model with the given vocabulary and hidden size.
func New(vocab, hidden int, seed uint64) *Model {
	m := &Model{
		Vocab:  vocab,
		Hidden: hidden,
		emb:    make([]float32, vocab*hidden),
		proj:   make([]float32, vocab*hidden),
		bias:   make([]float32, vocab),
		h:      make([]float32, hidden),
	}
	fillRand(m.emb, seed+11)
	fillRand(m.proj, seed+23)
	return m
}

func fillRand(dst []float32, seed uint64) {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range dst {
		dst[i] = r.Float32()*2 - 1
	}
}

// Factory returns an engine factory producing toy models sized from the
// spec. The hidden size follows the embedding length when it is small.
func Factory(seed uint64) engine.Factory {
	return func(spec engine.Spec) (engine.Model, error) {
		if spec.VocabSize <= 0 {
			return nil, fmt.Errorf("toy: vocabulary size must be positive, got %d", spec.VocabSize)
		}
		hidden := defaultHidden
		if hp := spec.Hyperparams; hp != nil && hp.EmbeddingLength > 0 && hp.EmbeddingLength < defaultHidden {
			hidden = int(hp.EmbeddingLength)
		}
		return New(spec.VocabSize, hidden, seed), nil
	}
}

func (m *Model) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.loaded = true
	return nil
}

// SetBias adds a constant to the logit of id on every step.
func (m *Model) SetBias(id int, v float32) { m.bias[id] = v }

// Calls returns the Forward invocations since the last ClearCache.
func (m *Model) Calls() []Call { return append([]Call(nil), m.calls...) }

// Forward appends ids to the cache at pos and returns the logits of the
// last token. pos must equal the number of cached tokens.
func (m *Model) Forward(ids []int, pos int) ([]float32, error) {
	if !m.loaded {
		return nil, errors.New("toy: model not loaded")
	}
	if len(ids) == 0 {
		return nil, errors.New("toy: empty input")
	}
	if pos != len(m.cache) {
		return nil, fmt.Errorf("toy: position %d does not match cache length %d", pos, len(m.cache))
	}
	for _, id := range ids {
		if id < 0 || id >= m.Vocab {
			return nil, fmt.Errorf("toy: token %d outside vocabulary of %d", id, m.Vocab)
		}
	}
	m.cache = append(m.cache, ids...)
	m.calls = append(m.calls, Call{Tokens: len(ids), Pos: pos})

	last := ids[len(ids)-1]
	copy(m.h, m.emb[last*m.Hidden:(last+1)*m.Hidden])
	rmsNorm(m.h)

	logits := make([]float32, m.Vocab)
	for j := range logits {
		row := m.proj[j*m.Hidden : (j+1)*m.Hidden]
		var sum float32
		for i, v := range m.h {
			sum += v * row[i]
		}
		logits[j] = sum + m.bias[j]
	}
	return logits, nil
}

func (m *Model) ClearCache() error {
	m.cache = m.cache[:0]
	m.calls = m.calls[:0]
	return nil
}

func rmsNorm(x []float32) {
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	scale := float32(1 / math.Sqrt(ss/float64(len(x))+1e-6))
	for i := range x {
		x[i] *= scale
	}
}
