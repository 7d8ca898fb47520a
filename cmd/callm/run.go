package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/MistApproach/callm/internal/logger"
	"github.com/MistApproach/callm/pkg/pipeline"
)

func (a *app) runCmd() *cli.Command {
	var (
		s      settings
		prompt string
	)
	return &cli.Command{
		Name:      "run",
		Usage:     "Generate a continuation of a raw prompt",
		ArgsUsage: "[PROMPT...]",
		Flags: append(append(s.modelFlags(), s.samplingFlags()...),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text (default: the positional arguments)",
				Destination: &prompt,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			s.resolve(cmd, a.cfg)
			if prompt == "" {
				prompt = strings.Join(cmd.Args().Slice(), " ")
			}
			if prompt == "" {
				return errors.New("no prompt given")
			}

			p, err := s.openPipeline(ctx, log)
			if err != nil {
				return err
			}
			res, err := p.RunDetailed(ctx, prompt)
			if err != nil {
				return err
			}
			logResult(log, res)
			_, err = fmt.Fprintln(a.out, res.Text)
			return err
		},
	}
}

func logResult(log logger.Logger, res *pipeline.Result) {
	log.Info("generation complete",
		"prompt_tokens", res.PromptTokens,
		"generated_tokens", res.GeneratedTokens,
		"stop", string(res.Stop),
		"elapsed", res.Stats.Duration,
		"tps", res.Stats.TPS,
	)
}
