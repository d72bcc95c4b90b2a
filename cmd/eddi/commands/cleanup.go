// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eddi-project/eddi/cmd/eddi/cli"
)

type cleanupParams struct {
	commonParams
	cli.JSONOutput
	Force bool `flag:"force" desc:"also forget stopped fortresses and their tokens"`
}

func cleanupCommand(level *slog.LevelVar) *cli.Command {
	var params cleanupParams
	return &cli.Command{
		Name:    "cleanup",
		Summary: "Remove state left by exited processes",
		Description: `Expire dead brokers, mark fortresses without a live process as
stopped, drop their sessions and remove sockets nobody listens on.
With --force, stopped fortresses are deleted along with their tokens.`,
		Usage:  "eddi cleanup [--force] [--json]",
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if err := requireArgs(args, 0, "eddi cleanup"); err != nil {
				return err
			}
			op, err := params.open(ctx, level, logger)
			if err != nil {
				return err
			}
			defer op.Close()

			report, err := op.Cleanup(ctx, params.Force)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(report); done {
				return err
			}
			fmt.Fprintf(cli.Stdout, "expired %s\n", plural(report.ExpiredBrokers, "broker"))
			fmt.Fprintf(cli.Stdout, "stopped %s\n", plural(report.StaleFortresses, "stale fortress"))
			fmt.Fprintf(cli.Stdout, "removed %s\n", plural(report.OrphanedSessions, "orphaned session"))
			fmt.Fprintf(cli.Stdout, "removed %s\n", plural(len(report.RemovedSockets), "socket"))
			for _, name := range report.DeletedFortresses {
				fmt.Fprintf(cli.Stdout, "deleted fortress %s\n", name)
			}
			return nil
		},
	}
}
