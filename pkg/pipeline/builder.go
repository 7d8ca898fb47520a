package pipeline

import (
	"context"

	"github.com/MistApproach/callm/internal/logger"
	"github.com/MistApproach/callm/pkg/callm"
	"github.com/MistApproach/callm/pkg/loader"
)

// Builder assembles a Text pipeline. A loader set with WithLoader wins over
// a location.
type Builder struct {
	location    string
	loader      loader.Loader
	loaderOpts  []loader.Option
	device      *callm.Device
	temperature float64
	seed        *uint64
	topK        *int
	topP        *float64
	autoload    bool
	log         logger.Logger
}

// NewBuilder starts with a temperature of 0.7 and autoload enabled.
func NewBuilder() *Builder {
	return &Builder{temperature: defaultTemperature, autoload: true}
}

func (b *Builder) WithLocation(path string) *Builder {
	b.location = path
	return b
}

func (b *Builder) WithLoader(l loader.Loader) *Builder {
	b.loader = l
	return b
}

// WithLoaderOptions applies to the loader autodetected from the location.
func (b *Builder) WithLoaderOptions(opts ...loader.Option) *Builder {
	b.loaderOpts = append(b.loaderOpts, opts...)
	return b
}

func (b *Builder) WithDevice(d callm.Device) *Builder {
	b.device = &d
	return b
}

func (b *Builder) WithTemperature(t float64) *Builder {
	b.temperature = t
	return b
}

func (b *Builder) WithSeed(seed uint64) *Builder {
	b.seed = &seed
	return b
}

func (b *Builder) WithTopK(k int) *Builder {
	b.topK = &k
	return b
}

func (b *Builder) WithTopP(v float64) *Builder {
	b.topP = &v
	return b
}

func (b *Builder) WithLogger(l logger.Logger) *Builder {
	b.log = l
	return b
}

// Autoload controls whether Build also loads the model.
func (b *Builder) Autoload(v bool) *Builder {
	b.autoload = v
	return b
}

func (b *Builder) Build(ctx context.Context) (*Text, error) {
	l := b.loader
	if l == nil {
		if b.location == "" {
			return nil, callm.Generic("No location or loader specified. Use WithLocation or WithLoader")
		}
		var err error
		l, err = loader.Autodetect(b.location, b.loaderOpts...)
		if err != nil {
			return nil, err
		}
	}

	var opts []Option
	if b.log != nil {
		opts = append(opts, WithLogger(b.log))
	}
	p := New(l, opts...)
	p.temperature = b.temperature
	p.seed = clone(b.seed)
	p.topK = clone(b.topK)
	p.topP = clone(b.topP)
	if b.device != nil {
		p.device = *b.device
	}

	if b.autoload {
		if err := p.Load(ctx); err != nil {
			return nil, err
		}
	}
	return p, nil
}
