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
)

type clientsListParams struct {
	commonParams
	cli.JSONOutput
	Fortress string `flag:"fortress" desc:"fortress whose clients to list (required)"`
}

func clientsCommand(level *slog.LevelVar) *cli.Command {
	var params clientsListParams
	return &cli.Command{
		Name:    "clients",
		Summary: "Inspect a fortress's clients",
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Summary: "List connected sessions and issued tokens",
				Usage:   "eddi clients list --fortress NAME [--json]",
				Params:  func() any { return &params },
				Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
					if err := requireArgs(args, 0, "eddi clients list --fortress NAME"); err != nil {
						return err
					}
					if params.Fortress == "" {
						return cli.Validation("--fortress is required")
					}
					op, err := params.open(ctx, level, logger)
					if err != nil {
						return err
					}
					defer op.Close()

					clients, err := op.ListClients(ctx, params.Fortress)
					if err != nil {
						return err
					}
					if done, err := params.EmitJSON(clients); done {
						return err
					}

					writer := tabwriter.NewWriter(cli.Stdout, 2, 0, 3, ' ', 0)
					fmt.Fprintf(writer, "Sessions (%d):\n", len(clients.Sessions))
					for _, session := range clients.Sessions {
						fmt.Fprintf(writer, "  %s\t%s\t%s\t%s\n",
							session.TokenPrefix, session.Alias, session.Transport,
							session.ConnectedAt.Local().Format(time.DateTime))
					}
					fmt.Fprintf(writer, "Tokens (%d):\n", len(clients.Tokens))
					for _, token := range clients.Tokens {
						state := "active"
						if token.Revoked() {
							state = "revoked"
						}
						fmt.Fprintf(writer, "  %s\t%s\t%s\t%s\n",
							token.Prefix, token.Namespace, state,
							token.IssuedAt.Local().Format(time.DateTime))
					}
					return writer.Flush()
				},
			},
		},
	}
}

type revokeParams struct {
	commonParams
	cli.JSONOutput
	Fortress string `flag:"fortress" desc:"fortress that issued the token (required)"`
}

func revokeCommand(level *slog.LevelVar) *cli.Command {
	var params revokeParams
	return &cli.Command{
		Name:    "revoke",
		Summary: "Revoke a client's access token",
		Description: `Revoke tokens by full token, the prefix shown by 'eddi clients list'
or the introduction code they were issued for. Sessions using a revoked
token are closed by the fortress.`,
		Usage: "eddi revoke --fortress NAME TOKEN|PREFIX|CODE",
		Examples: []cli.Example{
			{Description: "Revoke by the prefix shown in the client list", Command: "eddi revoke --fortress home 3f9a01c2"},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if err := requireArgs(args, 1, "eddi revoke --fortress NAME TOKEN|PREFIX|CODE"); err != nil {
				return err
			}
			if params.Fortress == "" {
				return cli.Validation("--fortress is required")
			}
			op, err := params.open(ctx, level, logger)
			if err != nil {
				return err
			}
			defer op.Close()

			revoked, err := op.RevokeClient(ctx, params.Fortress, args[0])
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(revoked); done {
				return err
			}
			fmt.Fprintf(cli.Stdout, "revoked %s\n", plural(len(revoked), "token"))
			return nil
		},
	}
}

type statusParams struct {
	commonParams
	cli.JSONOutput
}

func statusCommand(level *slog.LevelVar) *cli.Command {
	var params statusParams
	return &cli.Command{
		Name:    "status",
		Summary: "Show fortress status",
		Usage:   "eddi status [NAME] [--json]",
		Params:  func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 1 {
				return cli.Validation("expected at most one fortress name\n\nUsage: eddi status [NAME]")
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			op, err := params.open(ctx, level, logger)
			if err != nil {
				return err
			}
			defer op.Close()

			statuses, err := op.Status(ctx, name)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(statuses); done {
				return err
			}
			if len(statuses) == 0 {
				fmt.Fprintln(cli.Stdout, "no fortresses")
				return nil
			}
			for _, status := range statuses {
				fmt.Fprintf(cli.Stdout, "%s: %s (%s)\n", status.Name, displayState(status), status.TransportMode)
				if status.LocalAddress != "" {
					fmt.Fprintf(cli.Stdout, "  local:    %s\n", status.LocalAddress)
				}
				if status.OverlayAddress != "" {
					fmt.Fprintf(cli.Stdout, "  overlay:  %s\n", status.OverlayAddress)
				}
				fmt.Fprintf(cli.Stdout, "  ttl:      %s\n", status.MessageTTL)
				fmt.Fprintf(cli.Stdout, "  sessions: %d\n", len(status.Sessions))
				fmt.Fprintf(cli.Stdout, "  tokens:   %d active, %d revoked\n", status.ActiveTokens, status.RevokedTokens)
				fmt.Fprintf(cli.Stdout, "  brokers:  %d listening\n", len(status.Brokers))
			}
			return nil
		},
	}
}
