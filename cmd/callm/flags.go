package main

import (
	"github.com/urfave/cli/v3"
)

const engineToy = "toy"

// settings are the model and sampling options shared by the commands that
// build a pipeline.
type settings struct {
	model       string
	device      string
	engine      string
	temperature float64
	topK        *int
	topP        *float64
	seed        *uint64

	// flag destinations for the optional values
	topKFlag int64
	topPFlag float64
	seedFlag uint64
}

func (s *settings) modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a .gguf file, a .safetensors shard or a model directory",
			Destination: &s.model,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "compute device (auto, cpu, cuda[:N], metal)",
			Value:       "auto",
			Destination: &s.device,
		},
		&cli.StringFlag{
			Name:        "engine",
			Usage:       "compute engine for every architecture (toy for a dry run)",
			Destination: &s.engine,
		},
	}
}

func (s *settings) samplingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (0 = arg-max)",
			Value:       0.7,
			Destination: &s.temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k", "topk"},
			Usage:       "keep only the k most likely tokens",
			Destination: &s.topKFlag,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p", "topp"},
			Usage:       "nucleus sampling threshold",
			Destination: &s.topPFlag,
		},
		&cli.Uint64Flag{
			Name:        "seed",
			Usage:       "sampler seed (default 0)",
			Destination: &s.seedFlag,
		},
	}
}

// resolve turns explicitly set optional flags into values, then applies the
// config file beneath them.
func (s *settings) resolve(c *cli.Command, cfg Config) {
	if c.IsSet("top-k") {
		k := int(s.topKFlag)
		s.topK = &k
	}
	if c.IsSet("top-p") {
		p := s.topPFlag
		s.topP = &p
	}
	if c.IsSet("seed") {
		seed := s.seedFlag
		s.seed = &seed
	}
	cfg.apply(c, s)
}
