package main

import (
	"context"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/MistApproach/callm/internal/logger"
	"github.com/MistApproach/callm/internal/server"
)

func (a *app) serveCmd() *cli.Command {
	var (
		s           settings
		addr        string
		readTimeout time.Duration
	)
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve generation over HTTP",
		Flags: append(append(s.modelFlags(), s.samplingFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			s.resolve(cmd, a.cfg)
			if a.cfg.Serve.Address != "" && !cmd.IsSet("addr") {
				addr = a.cfg.Serve.Address
			}

			p, err := s.openPipeline(ctx, log)
			if err != nil {
				return err
			}
			return server.New(p, server.WithLogger(log)).Start(ctx, addr, readTimeout)
		},
	}
}
