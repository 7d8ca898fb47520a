// Package logits turns a model's output distribution into the next token.
package logits

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

var ErrEmptyLogits = errors.New("logits: empty distribution")

// Kind names a sampling policy.
type Kind int

const (
	ArgMax Kind = iota
	All
	TopK
	TopP
	TopKThenTopP
)

func (k Kind) String() string {
	switch k {
	case ArgMax:
		return "argmax"
	case All:
		return "all"
	case TopK:
		return "top-k"
	case TopP:
		return "top-p"
	case TopKThenTopP:
		return "top-k+top-p"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sampling is a policy together with its parameters. K and P are only
// meaningful for the kinds that use them.
type Sampling struct {
	Kind        Kind
	K           int
	P           float64
	Temperature float64
}

// Select maps generation parameters to a policy. A temperature of zero or
// less always means arg-max.
func Select(temperature float64, topK *int, topP *float64) Sampling {
	if temperature <= 0 {
		return Sampling{Kind: ArgMax}
	}
	s := Sampling{Kind: All, Temperature: temperature}
	switch {
	case topK != nil && topP != nil:
		s.Kind, s.K, s.P = TopKThenTopP, *topK, *topP
	case topK != nil:
		s.Kind, s.K = TopK, *topK
	case topP != nil:
		s.Kind, s.P = TopP, *topP
	}
	return s
}

// Sampler draws token ids according to a Sampling. Equal seeds and equal
// inputs give equal draws. A Sampler is not safe for concurrent use.
type Sampler struct {
	rng  *rand.Rand
	cfg  Sampling
	idx  []int
	prob []float64
}

func NewSampler(seed uint64, cfg Sampling) *Sampler {
	return &Sampler{
		rng: rand.New(rand.NewPCG(seed, seed)),
		cfg: cfg,
	}
}

func (s *Sampler) Sampling() Sampling { return s.cfg }

// Sample picks an index from the logits of the last position.
//
// Non arg-max policies scale the logits by the inverse temperature and take
// a softmax. Top-k keeps the k most likely tokens. Top-p keeps the most
// likely tokens until their cumulative probability reaches p, including the
// token that crosses it; p outside (0, 1) keeps everything. The draw is
// proportional to the kept probabilities.
func (s *Sampler) Sample(logits []float32) (int, error) {
	if len(logits) == 0 {
		return 0, ErrEmptyLogits
	}
	if s.cfg.Kind == ArgMax {
		return argmax(logits), nil
	}

	prob := s.softmax(logits)
	idx := s.candidates(len(logits))

	switch s.cfg.Kind {
	case TopK:
		idx = s.topK(idx, prob)
	case TopP:
		idx = s.topP(s.sorted(idx, prob), prob)
	case TopKThenTopP:
		idx = s.topP(s.topK(idx, prob), prob)
	}
	return s.multinomial(idx, prob)
}

func (s *Sampler) softmax(logits []float32) []float64 {
	if cap(s.prob) < len(logits) {
		s.prob = make([]float64, len(logits))
	}
	prob := s.prob[:len(logits)]

	invTemp := 1 / s.cfg.Temperature
	maxv := math.Inf(-1)
	for i, l := range logits {
		prob[i] = float64(l) * invTemp
		if prob[i] > maxv {
			maxv = prob[i]
		}
	}
	var sum float64
	for i := range prob {
		prob[i] = math.Exp(prob[i] - maxv)
		sum += prob[i]
	}
	if sum > 0 {
		for i := range prob {
			prob[i] /= sum
		}
	}
	return prob
}

func (s *Sampler) candidates(n int) []int {
	if cap(s.idx) < n {
		s.idx = make([]int, n)
	}
	idx := s.idx[:n]
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// sorted orders idx by descending probability; ties keep the lower id first.
func (s *Sampler) sorted(idx []int, prob []float64) []int {
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(prob[b], prob[a])
	})
	return idx
}

// topK keeps the K most likely candidates in descending order. Small K uses
// insertion into a bounded prefix; otherwise the whole set is sorted.
func (s *Sampler) topK(idx []int, prob []float64) []int {
	k := s.cfg.K
	if k <= 0 || k >= len(idx) {
		return s.sorted(idx, prob)
	}
	if k > 64 {
		return s.sorted(idx, prob)[:k]
	}

	n := 0
	for _, id := range idx {
		v := prob[id]
		pos := n
		for pos > 0 && prob[idx[pos-1]] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		if n < k {
			n++
		}
		copy(idx[pos+1:n], idx[pos:n-1])
		idx[pos] = id
	}
	return idx[:n]
}

// topP expects idx in descending probability order.
func (s *Sampler) topP(idx []int, prob []float64) []int {
	p := s.cfg.P
	if p <= 0 || p >= 1 {
		return idx
	}
	var c float64
	for i, id := range idx {
		c += prob[id]
		if c >= p {
			return idx[:i+1]
		}
	}
	return idx
}

func (s *Sampler) multinomial(idx []int, prob []float64) (int, error) {
	var total float64
	for _, id := range idx {
		total += prob[id]
	}
	if !(total > 0) || math.IsInf(total, 0) {
		return 0, fmt.Errorf("logits: cannot sample from distribution with total weight %v", total)
	}

	r := s.rng.Float64() * total
	var c float64
	for _, id := range idx {
		c += prob[id]
		if r < c {
			return id, nil
		}
	}
	return idx[len(idx)-1], nil
}

// argmax returns the index of the first maximum.
func argmax(x []float32) int {
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}
