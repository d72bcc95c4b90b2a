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
	"github.com/eddi-project/eddi/lib/transport"
)

func brokerCommand(level *slog.LevelVar) *cli.Command {
	return &cli.Command{
		Name:    "broker",
		Summary: "Open, list and stop introduction brokers",
		Subcommands: []*cli.Command{
			brokerCreateCommand(level),
			brokerListCommand(level),
			brokerStopCommand(level),
		},
	}
}

type brokerCreateParams struct {
	commonParams
	Fortress  string        `flag:"fortress" desc:"fortress the broker introduces clients to (required)"`
	Namespace string        `flag:"namespace" desc:"namespace shared with the client (required)"`
	Code      string        `flag:"code" desc:"introduction code (default: generated)"`
	Timeout   time.Duration `flag:"timeout" desc:"how long the broker listens (default from configuration)"`
	MultiUse  bool          `flag:"multi-use" desc:"keep accepting handshakes until the timeout"`
	Transport string        `flag:"transport" desc:"local, overlay or hybrid (default from configuration)"`
}

func brokerCreateCommand(level *slog.LevelVar) *cli.Command {
	var params brokerCreateParams
	return &cli.Command{
		Name:    "create",
		Summary: "Open a broker and wait for a client",
		Description: `Open a broker for a running fortress and print its introduction code.

Share the namespace and code with the client out of band. The broker
listens until one client completes the handshake (or until the timeout
with --multi-use), then exits.`,
		Usage: "eddi broker create --fortress NAME --namespace NS [flags]",
		Examples: []cli.Example{
			{Description: "Invite one client", Command: "eddi broker create --fortress home --namespace family"},
			{Description: "Invite several clients within ten minutes", Command: "eddi broker create --fortress home --namespace team --timeout 10m --multi-use"},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if err := requireArgs(args, 0, "eddi broker create --fortress NAME --namespace NS"); err != nil {
				return err
			}
			if params.Fortress == "" || params.Namespace == "" {
				return cli.Validation("--fortress and --namespace are required")
			}
			op, err := params.open(ctx, level, logger)
			if err != nil {
				return err
			}
			defer op.Close()

			options := operator.BrokerOptions{
				Fortress:  params.Fortress,
				Namespace: params.Namespace,
				Code:      params.Code,
				Timeout:   params.Timeout,
				Mode:      transport.Mode(params.Transport),
			}
			if params.MultiUse {
				options.MultiUse = &params.MultiUse
			}
			broker, err := op.CreateBroker(ctx, options)
			if err != nil {
				return err
			}

			fmt.Fprintf(cli.Stdout, "code: %s\n", broker.Code())
			fmt.Fprintf(cli.Stdout, "namespace: %s\n", params.Namespace)
			fmt.Fprintf(cli.Stdout, "expires: %s\n", broker.ExpiresAt().Local().Format(time.DateTime))

			serveMetrics(ctx, op.Settings(), logger)
			if err := broker.Run(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cli.Stdout, "broker ended: %s (%s)\n", broker.EndReason(), plural(broker.Handshakes(), "handshake"))
			return nil
		},
	}
}

type brokerListParams struct {
	commonParams
	cli.JSONOutput
	All bool `flag:"all" desc:"include completed and expired brokers"`
}

func brokerListCommand(level *slog.LevelVar) *cli.Command {
	var params brokerListParams
	return &cli.Command{
		Name:    "list",
		Summary: "List brokers",
		Usage:   "eddi broker list [--all] [--json]",
		Params:  func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if err := requireArgs(args, 0, "eddi broker list"); err != nil {
				return err
			}
			op, err := params.open(ctx, level, logger)
			if err != nil {
				return err
			}
			defer op.Close()

			brokers, err := op.ListBrokers(ctx, params.All)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(brokers); done {
				return err
			}
			if len(brokers) == 0 {
				fmt.Fprintln(cli.Stdout, "no brokers")
				return nil
			}
			writer := tabwriter.NewWriter(cli.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(writer, "ID\tFORTRESS\tNAMESPACE\tSTATE\tHANDSHAKES\tEXPIRES")
			for _, broker := range brokers {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%s\n",
					broker.DerivedID, broker.FortressName, broker.Namespace, broker.State,
					broker.Handshakes, broker.ExpiresAt.Local().Format(time.DateTime))
			}
			return writer.Flush()
		},
	}
}

type brokerStopParams struct {
	commonParams
}

func brokerStopCommand(level *slog.LevelVar) *cli.Command {
	var params brokerStopParams
	return &cli.Command{
		Name:    "stop",
		Summary: "Stop a listening broker",
		Usage:   "eddi broker stop ID",
		Params:  func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if err := requireArgs(args, 1, "eddi broker stop ID"); err != nil {
				return err
			}
			op, err := params.open(ctx, level, logger)
			if err != nil {
				return err
			}
			defer op.Close()

			if err := op.StopBroker(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cli.Stdout, "broker %s stopping\n", args[0])
			return nil
		},
	}
}
