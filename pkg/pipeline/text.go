// Package pipeline drives text generation: it loads a model through a
// loader, renders prompts, and runs the sampling decode loop.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/MistApproach/callm/internal/logger"
	"github.com/MistApproach/callm/internal/logits"
	"github.com/MistApproach/callm/pkg/callm"
	"github.com/MistApproach/callm/pkg/engine"
	"github.com/MistApproach/callm/pkg/loader"
	"github.com/MistApproach/callm/pkg/template"
)

// MaxSteps bounds the number of tokens one generation call can produce.
const MaxSteps = 1000

const defaultTemperature = 0.7

var errNotLoaded = callm.Generic("Cannot run inference, model not loaded")

// StopReason tells why the decode loop ended.
type StopReason string

const (
	StopEOS       StopReason = "eos"
	StopMaxTokens StopReason = "max_tokens"
)

type Stats struct {
	TokensGenerated int
	Duration        time.Duration
	TPS             float64
}

// Result is the outcome of one generation call.
type Result struct {
	Text            string
	PromptTokens    int
	GeneratedTokens int
	Stop            StopReason
	Stats           Stats
}

// Text is a text generation pipeline over one loader. Calls are serialized:
// at most one generation runs per pipeline at a time.
type Text struct {
	mu     sync.Mutex
	loader loader.Loader
	model  engine.Model
	log    logger.Logger

	device      callm.Device
	seed        *uint64
	temperature float64
	topK        *int
	topP        *float64
}

type Option func(*Text)

func WithLogger(l logger.Logger) Option {
	return func(p *Text) { p.log = l }
}

// New returns an unloaded pipeline over l with the autodetected device and
// a temperature of 0.7.
func New(l loader.Loader, opts ...Option) *Text {
	p := &Text{
		loader:      l,
		log:         logger.Discard(),
		device:      callm.AutodetectDevice(),
		temperature: defaultTemperature,
	}
	for _, fn := range opts {
		fn(p)
	}
	return p
}

// FromPath autodetects the loader for path.
func FromPath(path string, opts ...Option) (*Text, error) {
	l, err := loader.Autodetect(path)
	if err != nil {
		return nil, err
	}
	return New(l, opts...), nil
}

// Load pushes the device into the loader, instantiates the model and runs
// its own load step.
func (p *Text) Load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	p.loader.SetDevice(p.device)
	m, err := p.loader.Load(ctx)
	if err != nil {
		return err
	}
	if err := m.Load(ctx); err != nil {
		return callm.Engine(err)
	}
	p.model = m
	p.log.Info("model loaded", "device", p.device.String(), "elapsed", time.Since(start))
	return nil
}

func (p *Text) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model != nil
}

func (p *Text) Loader() loader.Loader { return p.loader }

// Run generates a continuation of prompt and returns only the new text.
func (p *Text) Run(ctx context.Context, prompt string) (string, error) {
	res, err := p.RunDetailed(ctx, prompt)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (p *Text) RunDetailed(ctx context.Context, prompt string) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil, errNotLoaded
	}
	return p.generate(ctx, prompt)
}

// RunChat renders msgs with the model's chat template and generates the
// reply.
func (p *Text) RunChat(ctx context.Context, msgs []template.Message) (string, error) {
	res, err := p.RunChatDetailed(ctx, msgs)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (p *Text) RunChatDetailed(ctx context.Context, msgs []template.Message) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil, errNotLoaded
	}
	tpl, err := p.loader.Template()
	if err != nil {
		return nil, err
	}
	prompt, err := tpl.Apply(msgs)
	if err != nil {
		return nil, err
	}
	return p.generate(ctx, prompt)
}

func (p *Text) SetDevice(d callm.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.device = d
}

func (p *Text) Device() callm.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device
}

// SetSeed sets the sampler seed; nil means the fixed default seed 0.
func (p *Text) SetSeed(seed *uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seed = clone(seed)
}

func (p *Text) Seed() *uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return clone(p.seed)
}

func (p *Text) SetTemperature(t float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.temperature = t
}

func (p *Text) Temperature() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.temperature
}

func (p *Text) SetTopK(k *int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topK = clone(k)
}

func (p *Text) TopK() *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return clone(p.topK)
}

func (p *Text) SetTopP(v *float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topP = clone(v)
}

func (p *Text) TopP() *float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return clone(p.topP)
}

// Sampling reports the policy the next generation call will use.
func (p *Text) Sampling() logits.Sampling {
	p.mu.Lock()
	defer p.mu.Unlock()
	return logits.Select(p.temperature, p.topK, p.topP)
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
