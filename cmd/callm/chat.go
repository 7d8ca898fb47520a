package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/MistApproach/callm/internal/logger"
	"github.com/MistApproach/callm/pkg/template"
)

func (a *app) chatCmd() *cli.Command {
	var (
		s            settings
		system       string
		users        []string
		messagesFile string
	)
	return &cli.Command{
		Name:  "chat",
		Usage: "Render messages with the model's chat template and generate a reply",
		Flags: append(append(s.modelFlags(), s.samplingFlags()...),
			&cli.StringFlag{
				Name:        "system",
				Aliases:     []string{"sys"},
				Usage:       "system prompt",
				Destination: &system,
			},
			&cli.StringSliceFlag{
				Name:        "user",
				Aliases:     []string{"u"},
				Usage:       "user message (repeatable)",
				Destination: &users,
			},
			&cli.StringFlag{
				Name:        "messages",
				Usage:       "JSON file with a message array or {\"messages\": [...]}",
				Destination: &messagesFile,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			s.resolve(cmd, a.cfg)

			msgs, err := chatMessages(messagesFile, system, users)
			if err != nil {
				return err
			}
			p, err := s.openPipeline(ctx, log)
			if err != nil {
				return err
			}
			res, err := p.RunChatDetailed(ctx, msgs)
			if err != nil {
				return err
			}
			logResult(log, res)
			_, err = fmt.Fprintln(a.out, res.Text)
			return err
		},
	}
}

// chatMessages reads the message file when given, otherwise builds the
// conversation from the system and user flags.
func chatMessages(file, system string, users []string) ([]template.Message, error) {
	if file != "" {
		if system != "" || len(users) > 0 {
			return nil, errors.New("--messages cannot be combined with --system or --user")
		}
		return template.LoadMessagesFile(file)
	}
	var msgs []template.Message
	if system != "" {
		msgs = append(msgs, template.Message{Role: template.RoleSystem, Content: system})
	}
	for _, u := range users {
		msgs = append(msgs, template.Message{Role: template.RoleUser, Content: u})
	}
	if len(msgs) == 0 {
		return nil, errors.New("no messages given; use --user or --messages")
	}
	return msgs, nil
}
