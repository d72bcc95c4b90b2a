// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/eddi-project/eddi/cmd/eddi/cli"
	"github.com/eddi-project/eddi/lib/operator"
	"github.com/eddi-project/eddi/lib/store"
	"github.com/eddi-project/eddi/lib/transport"
)

func fortressCommand(level *slog.LevelVar) *cli.Command {
	return &cli.Command{
		Name:    "fortress",
		Summary: "Create, stop and list fortresses",
		Subcommands: []*cli.Command{
			fortressCreateCommand(level),
			fortressStopCommand(level),
			fortressListCommand(level),
		},
	}
}

type fortressCreateParams struct {
	commonParams
	Name        string        `flag:"name" desc:"fortress name (required)"`
	TTL         time.Duration `flag:"ttl" desc:"message lifetime (default from configuration)"`
	MaxMessages int           `flag:"max-messages" desc:"queue capacity (default from configuration)"`
	HideSender  bool          `flag:"hide-sender" desc:"do not reveal sender namespaces to recipients"`
	Transport   string        `flag:"transport" desc:"local, overlay or hybrid (default from configuration)"`
}

func fortressCreateCommand(level *slog.LevelVar) *cli.Command {
	var params fortressCreateParams
	return &cli.Command{
		Name:    "create",
		Summary: "Create a fortress and serve it until interrupted",
		Description: `Create a fortress and serve it in the foreground.

The fortress accepts sessions from clients holding a token it issued
and broadcasts their messages. It runs until interrupted or until
'eddi fortress stop' is run from another terminal.`,
		Usage: "eddi fortress create --name NAME [flags]",
		Examples: []cli.Example{
			{Description: "Serve a fortress on the local machine only", Command: "eddi fortress create --name home --transport local"},
			{Description: "Keep messages for an hour", Command: "eddi fortress create --name home --ttl 1h"},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if err := requireArgs(args, 0, "eddi fortress create --name NAME"); err != nil {
				return err
			}
			if params.Name == "" {
				return cli.Validation("--name is required")
			}
			op, err := params.open(ctx, level, logger)
			if err != nil {
				return err
			}
			defer op.Close()

			options := operator.FortressOptions{
				Name:        params.Name,
				MessageTTL:  params.TTL,
				MaxMessages: params.MaxMessages,
				Mode:        transport.Mode(params.Transport),
			}
			if params.HideSender {
				includeSender := false
				options.IncludeSender = &includeSender
			}
			server, err := op.CreateFortress(ctx, options)
			if err != nil {
				return err
			}

			address := server.Address()
			fmt.Fprintf(cli.Stdout, "fortress %s running\n", params.Name)
			if address.Local != "" {
				fmt.Fprintf(cli.Stdout, "  local:   %s\n", address.Local)
			}
			if address.Overlay != "" {
				fmt.Fprintf(cli.Stdout, "  overlay: %s\n", address.Overlay)
			}
			if overlayErr := server.OverlayErr(); overlayErr != nil {
				logger.Warn("overlay unavailable, serving locally only", "error", overlayErr)
			}
			if localErr := server.LocalErr(); localErr != nil {
				logger.Warn("local socket unavailable, serving over the overlay only", "error", localErr)
			}

			serveMetrics(ctx, op.Settings(), logger)
			return server.Run(ctx)
		},
	}
}

type fortressStopParams struct {
	commonParams
}

func fortressStopCommand(level *slog.LevelVar) *cli.Command {
	var params fortressStopParams
	return &cli.Command{
		Name:    "stop",
		Summary: "Stop a running fortress",
		Description: `Ask the process serving a fortress to shut down. Its sessions are
closed on its next poll. A fortress whose process is gone is marked
stopped immediately.`,
		Usage:  "eddi fortress stop NAME",
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if err := requireArgs(args, 1, "eddi fortress stop NAME"); err != nil {
				return err
			}
			op, err := params.open(ctx, level, logger)
			if err != nil {
				return err
			}
			defer op.Close()

			record, err := op.StopFortress(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cli.Stdout, "fortress %s %s\n", record.Name, record.State)
			return nil
		},
	}
}

type fortressListParams struct {
	commonParams
	cli.JSONOutput
}

func fortressListCommand(level *slog.LevelVar) *cli.Command {
	var params fortressListParams
	return &cli.Command{
		Name:    "list",
		Summary: "List known fortresses",
		Usage:   "eddi fortress list [--json]",
		Params:  func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if err := requireArgs(args, 0, "eddi fortress list"); err != nil {
				return err
			}
			op, err := params.open(ctx, level, logger)
			if err != nil {
				return err
			}
			defer op.Close()

			fortresses, err := op.ListFortresses(ctx)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(fortresses); done {
				return err
			}
			if len(fortresses) == 0 {
				fmt.Fprintln(cli.Stdout, "no fortresses")
				return nil
			}
			writer := tabwriter.NewWriter(cli.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(writer, "NAME\tSTATE\tTRANSPORT\tTTL\tCREATED")
			for _, fortress := range fortresses {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
					fortress.Name, displayState(fortress), fortress.TransportMode,
					fortress.MessageTTL, fortress.CreatedAt.Local().Format(time.DateTime))
			}
			return writer.Flush()
		},
	}
}

// displayState shows a running fortress whose process stopped
// heartbeating as stale.
func displayState(status operator.FortressStatus) string {
	if status.State == store.FortressRunning && !status.Live {
		return "stale"
	}
	return string(status.State)
}
