// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/eddi-project/eddi/cmd/eddi/cli"
	"github.com/eddi-project/eddi/lib/operator"
	"github.com/eddi-project/eddi/lib/protocol"
)

type connectParams struct {
	commonParams
	cli.JSONOutput
	Namespace string `flag:"namespace" desc:"namespace given by the fortress owner (required)"`
	Code      string `flag:"code" desc:"introduction code given by the fortress owner (required)"`
	Window    int    `flag:"window" default:"-1" desc:"minutes of clock skew to search in each direction (default from configuration)"`
	Alias     string `flag:"alias" desc:"name to save the connection under (default: the fortress name)"`
}

func connectCommand(level *slog.LevelVar) *cli.Command {
	var params connectParams
	return &cli.Command{
		Name:    "connect",
		Summary: "Discover a broker and connect to its fortress",
		Description: `Find the broker for a namespace and code, complete the handshake and
save the resulting connection. Later send, receive and listen commands
use the saved connection.`,
		Usage: "eddi connect --namespace NS --code CODE [flags]",
		Examples: []cli.Example{
			{Description: "Connect with a code read over the phone", Command: "eddi connect --namespace family --code h7k-9m3"},
			{Description: "Tolerate up to ten minutes of clock skew", Command: "eddi connect --namespace family --code h7k-9m3 --window 10"},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if err := requireArgs(args, 0, "eddi connect --namespace NS --code CODE"); err != nil {
				return err
			}
			if params.Namespace == "" || params.Code == "" {
				return cli.Validation("--namespace and --code are required")
			}
			op, err := params.open(ctx, level, logger)
			if err != nil {
				return err
			}
			defer op.Close()

			record, err := op.Connect(ctx, operator.ConnectOptions{
				Namespace: params.Namespace,
				Code:      params.Code,
				Window:    params.Window,
				Alias:     params.Alias,
			})
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(record); done {
				return err
			}
			fmt.Fprintf(cli.Stdout, "connected to %s as %s\n", record.FortressName, record.Alias)
			return nil
		},
	}
}

type sendParams struct {
	commonParams
	Alias string `flag:"alias" desc:"saved connection (default: the most recent)"`
}

func sendCommand(level *slog.LevelVar) *cli.Command {
	var params sendParams
	return &cli.Command{
		Name:    "send",
		Summary: "Broadcast a message to the fortress",
		Usage:   "eddi send [--alias A] MESSAGE...",
		Params:  func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) == 0 {
				return cli.Validation("a message is required\n\nUsage: eddi send [--alias A] MESSAGE")
			}
			op, err := params.open(ctx, level, logger)
			if err != nil {
				return err
			}
			defer op.Close()

			id, err := op.Send(ctx, params.Alias, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cli.Stdout, "sent %s\n", id)
			return nil
		},
	}
}

type receiveParams struct {
	commonParams
	cli.JSONOutput
	Alias string `flag:"alias" desc:"saved connection (default: the most recent)"`
	Since string `flag:"since" desc:"only messages after this RFC 3339 time or this long ago (e.g. 10m)"`
}

func receiveCommand(level *slog.LevelVar) *cli.Command {
	var params receiveParams
	return &cli.Command{
		Name:    "receive",
		Summary: "Print queued messages",
		Usage:   "eddi receive [--alias A] [--since TIME|DURATION] [--json]",
		Params:  func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if err := requireArgs(args, 0, "eddi receive"); err != nil {
				return err
			}
			since, err := parseSince(params.Since, time.Now())
			if err != nil {
				return err
			}
			op, err := params.open(ctx, level, logger)
			if err != nil {
				return err
			}
			defer op.Close()

			messages, err := op.Receive(ctx, params.Alias, since)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(messages); done {
				return err
			}
			if len(messages) == 0 {
				fmt.Fprintln(cli.Stdout, "no messages")
				return nil
			}
			for _, message := range messages {
				printMessage(message)
			}
			return nil
		},
	}
}

type listenParams struct {
	commonParams
	cli.JSONOutput
	Alias string `flag:"alias" desc:"saved connection (default: the most recent)"`
}

func listenCommand(level *slog.LevelVar) *cli.Command {
	var params listenParams
	return &cli.Command{
		Name:    "listen",
		Summary: "Stream messages until interrupted",
		Description: `Print messages as they arrive. With --json each message is one line
of JSON. Ends when interrupted or when the fortress closes the session,
for example after the token is revoked.`,
		Usage:  "eddi listen [--alias A] [--json]",
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if err := requireArgs(args, 0, "eddi listen"); err != nil {
				return err
			}
			op, err := params.open(ctx, level, logger)
			if err != nil {
				return err
			}
			defer op.Close()

			for message, err := range op.Listen(ctx, params.Alias) {
				if err != nil {
					return err
				}
				if params.OutputJSON {
					if err := cli.WriteJSONLine(message); err != nil {
						return err
					}
					continue
				}
				printMessage(message)
			}
			return nil
		},
	}
}

type connectionsListParams struct {
	commonParams
	cli.JSONOutput
}

func connectionsCommand(level *slog.LevelVar) *cli.Command {
	var params connectionsListParams
	return &cli.Command{
		Name:    "connections",
		Summary: "Manage saved connections",
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Summary: "List saved connections",
				Usage:   "eddi connections list [--json]",
				Params:  func() any { return &params },
				Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
					if err := requireArgs(args, 0, "eddi connections list"); err != nil {
						return err
					}
					op, err := params.open(ctx, level, logger)
					if err != nil {
						return err
					}
					defer op.Close()

					connections, err := op.ListConnections(ctx)
					if err != nil {
						return err
					}
					if done, err := params.EmitJSON(connections); done {
						return err
					}
					if len(connections) == 0 {
						fmt.Fprintln(cli.Stdout, "no saved connections")
						return nil
					}
					writer := tabwriter.NewWriter(cli.Stdout, 2, 0, 3, ' ', 0)
					fmt.Fprintln(writer, "ALIAS\tFORTRESS\tNAMESPACE\tCONNECTED")
					for _, connection := range connections {
						fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
							connection.Alias, connection.FortressName, connection.Namespace,
							connection.CreatedAt.Local().Format(time.DateTime))
					}
					return writer.Flush()
				},
			},
		},
	}
}

type disconnectParams struct {
	commonParams
}

func disconnectCommand(level *slog.LevelVar) *cli.Command {
	var params disconnectParams
	return &cli.Command{
		Name:    "disconnect",
		Summary: "Forget a saved connection",
		Description: `Delete a saved connection. The token remains valid at the fortress
until its owner revokes it.`,
		Usage:  "eddi disconnect ALIAS",
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if err := requireArgs(args, 1, "eddi disconnect ALIAS"); err != nil {
				return err
			}
			op, err := params.open(ctx, level, logger)
			if err != nil {
				return err
			}
			defer op.Close()

			if err := op.Disconnect(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cli.Stdout, "disconnected %s\n", args[0])
			return nil
		},
	}
}

// parseSince accepts an RFC 3339 timestamp or a duration counted back
// from now. Empty means every queued message.
func parseSince(value string, now time.Time) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil || duration < 0 {
		return time.Time{}, cli.Validation("--since %q is neither an RFC 3339 time nor a positive duration", value)
	}
	return now.Add(-duration), nil
}

func printMessage(message protocol.Message) {
	sender := message.SenderNamespace
	if message.SenderAlias != "" {
		sender += "/" + message.SenderAlias
	}
	if sender == "" {
		sender = "anonymous"
	}
	fmt.Fprintf(cli.Stdout, "[%s] %s: %s\n",
		message.Created().Local().Format(time.TimeOnly), sender, message.Content)
}
