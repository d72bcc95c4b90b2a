// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/eddi-project/eddi/cmd/eddi/cli"
	"github.com/eddi-project/eddi/cmd/eddi/commands"
	"github.com/eddi-project/eddi/lib/process"
)

func main() {
	err := run()

	// ExitError means the command already printed its own output.
	var exitError *cli.ExitError
	var toolError *cli.ToolError
	switch {
	case err == nil:
	case errors.As(err, &exitError):
		err = exitError
	case errors.As(err, &toolError):
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if hint := cli.Hint(err); hint != "" {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		err = toolError
	default:
		process.Fatal(err)
	}
	process.Exit(err)
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := new(slog.LevelVar)
	logger := cli.NewCommandLogger(level)
	return commands.Root(level).Execute(ctx, os.Args[1:], logger)
}
