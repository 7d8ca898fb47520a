package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/MistApproach/callm/internal/logger"
	"github.com/MistApproach/callm/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app carries state shared by the commands of one invocation.
type app struct {
	out io.Writer
	log io.Writer

	configPath string
	logLevel   string
	logFormat  string
	cfg        Config
}

func newApp(out, logOut io.Writer) *cli.Command {
	a := &app{out: out, log: logOut}
	return &cli.Command{
		Name:    "callm",
		Usage:   "Load local language models and generate text",
		Version: version.String(),
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "path to config.yaml",
				Value:       defaultConfigPath(),
				Destination: &a.configPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Value:       "info",
				Destination: &a.logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log format (pretty, json, text)",
				Value:       logger.FormatPretty,
				Destination: &a.logFormat,
			},
		},
		Before: a.before,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			a.runCmd(),
			a.chatCmd(),
			a.inspectCmd(),
			a.serveCmd(),
			versionCmd(),
		},
	}
}

// before loads the config file and installs the logger in the context.
func (a *app) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(a.configPath)
	if err != nil {
		return ctx, err
	}
	a.cfg = cfg
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		a.logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		a.logFormat = cfg.LogFormat
	}

	log, err := logger.Setup(a.log, a.logFormat, a.logLevel)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}
