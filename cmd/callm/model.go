package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/MistApproach/callm/internal/backend"
	"github.com/MistApproach/callm/internal/logger"
	"github.com/MistApproach/callm/internal/toy"
	"github.com/MistApproach/callm/pkg/callm"
	"github.com/MistApproach/callm/pkg/engine"
	"github.com/MistApproach/callm/pkg/loader"
	"github.com/MistApproach/callm/pkg/pipeline"
)

func (s *settings) registry() (*engine.Registry, error) {
	switch s.engine {
	case "":
		return engine.Default, nil
	case engineToy:
		r := engine.NewRegistry()
		r.SetFallback(toy.Factory(0))
		return r, nil
	default:
		return nil, fmt.Errorf("unknown engine %q (available: %s)", s.engine, engineToy)
	}
}

func (s *settings) parseDevice() (callm.Device, error) {
	if s.device == "" || s.device == "auto" {
		return callm.AutodetectDevice(), nil
	}
	return callm.ParseDevice(s.device)
}

func (s *settings) loaderOptions(log logger.Logger) ([]loader.Option, error) {
	reg, err := s.registry()
	if err != nil {
		return nil, err
	}
	return []loader.Option{loader.WithRegistry(reg), loader.WithLogger(log)}, nil
}

// openPipeline builds and loads a pipeline from the resolved settings.
func (s *settings) openPipeline(ctx context.Context, log logger.Logger) (*pipeline.Text, error) {
	if s.model == "" {
		return nil, errors.New("no model given; use --model or set model in the config file")
	}
	dev, err := s.parseDevice()
	if err != nil {
		return nil, err
	}
	log.Debug("selected device", "device", dev.String(), "available", backend.Available())
	opts, err := s.loaderOptions(log)
	if err != nil {
		return nil, err
	}

	b := pipeline.NewBuilder().
		WithLocation(s.model).
		WithLoaderOptions(opts...).
		WithDevice(dev).
		WithTemperature(s.temperature).
		WithLogger(log)
	if s.seed != nil {
		b.WithSeed(*s.seed)
	}
	if s.topK != nil {
		b.WithTopK(*s.topK)
	}
	if s.topP != nil {
		b.WithTopP(*s.topP)
	}

	p, err := b.Build(ctx)
	if errors.Is(err, callm.ErrUnsupportedModel) && s.engine == "" {
		log.Warn("no compute engine is registered for this model; use --engine toy for a dry run")
	}
	return p, err
}
