// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/eddi-project/eddi/cmd/eddi/cli"
	"github.com/eddi-project/eddi/lib/config"
	"github.com/eddi-project/eddi/lib/instrument"
	"github.com/eddi-project/eddi/lib/operator"
	"github.com/eddi-project/eddi/lib/protocol"
	"github.com/eddi-project/eddi/lib/store"
)

// Root returns the eddi command tree. level is raised or lowered once a
// command has loaded its configuration.
func Root(level *slog.LevelVar) *cli.Command {
	root := &cli.Command{
		Name:    "eddi",
		Summary: "Ephemeral introduction-based messaging",
		Description: `eddi connects clients to a fortress through short-lived brokers.

A fortress owner opens a broker with a short code and shares the code
out of band. A client that knows the namespace and code discovers the
broker, receives an access token and talks to the fortress directly.
Messages are broadcast to every session and expire after a TTL.`,
		Subcommands: []*cli.Command{
			fortressCommand(level),
			brokerCommand(level),
			connectCommand(level),
			sendCommand(level),
			receiveCommand(level),
			listenCommand(level),
			clientsCommand(level),
			revokeCommand(level),
			statusCommand(level),
			connectionsCommand(level),
			disconnectCommand(level),
			cleanupCommand(level),
			serveCommand(level),
			versionCommand(),
		},
	}
	categorizeAll(root)
	return root
}

// commonParams are the flags every operator-backed command accepts.
type commonParams struct {
	ConfigPath string `flag:"config" desc:"configuration file (default $EDDI_CONFIG, else built-in defaults)"`
	LogLevel   string `flag:"log-level" desc:"debug, info, warn or error (default from configuration)"`
}

// loadSettings reads and validates the configuration and applies the
// log level.
func (p *commonParams) loadSettings(level *slog.LevelVar) (*config.Config, error) {
	var settings *config.Config
	var err error
	if p.ConfigPath != "" {
		settings, err = config.LoadFile(p.ConfigPath)
	} else {
		settings, err = config.Load()
	}
	if err != nil {
		return nil, cli.Validation("%w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, cli.Validation("invalid configuration: %w", err)
	}

	name := settings.Log.Level
	if p.LogLevel != "" {
		name = p.LogLevel
	}
	parsed, err := cli.ParseLevel(name)
	if err != nil {
		return nil, cli.Validation("%w", err)
	}
	level.Set(parsed)
	return settings, nil
}

// open loads the configuration and opens an operator over its state
// directory. The caller closes the operator.
func (p *commonParams) open(ctx context.Context, level *slog.LevelVar, logger *slog.Logger) (*operator.Operator, error) {
	settings, err := p.loadSettings(level)
	if err != nil {
		return nil, err
	}
	return operator.Open(ctx, settings, logger)
}

// serveMetrics runs the metrics endpoint in the background when one is
// configured. Failures are logged; the command keeps running.
func serveMetrics(ctx context.Context, settings *config.Config, logger *slog.Logger) {
	if settings.Metrics.Address == "" {
		return
	}
	go func() {
		if err := instrument.Serve(ctx, settings.Metrics.Address, logger); err != nil {
			logger.Warn("metrics endpoint failed", "error", err)
		}
	}()
}

// categorizeAll wraps every Run in the tree so that returned errors
// carry a cli.ErrorCategory.
func categorizeAll(command *cli.Command) {
	if run := command.Run; run != nil {
		command.Run = func(ctx context.Context, args []string, logger *slog.Logger) error {
			return categorize(run(ctx, args, logger))
		}
	}
	for _, sub := range command.Subcommands {
		categorizeAll(sub)
	}
}

// categorize maps operation errors onto CLI error categories. Errors
// that are already categorized pass through.
func categorize(err error) error {
	if err == nil {
		return nil
	}
	var toolError *cli.ToolError
	var exitError *cli.ExitError
	switch {
	case errors.As(err, &toolError), errors.As(err, &exitError):
		return err
	case errors.Is(err, protocol.ErrBrokerNotFound):
		return cli.NotFound("%w", err).WithHint("check the namespace and code, or widen --window if clocks differ")
	case errors.Is(err, store.ErrNotFound):
		return cli.NotFound("%w", err)
	case errors.Is(err, protocol.ErrHandshakeRejected):
		return cli.Forbidden("%w", err)
	case errors.Is(err, protocol.ErrTokenRejected):
		return cli.Forbidden("%w", err).WithHint("the token was revoked or is unknown; ask the fortress owner for a new code")
	case errors.Is(err, protocol.ErrFortressUnavailable):
		return cli.Transient("%w", err).WithHint("check that the fortress is running with 'eddi status'")
	case errors.Is(err, protocol.ErrTransportUnavailable):
		return cli.Transient("%w", err)
	case errors.Is(err, protocol.ErrStateStoreConflict):
		return cli.Conflict("%w", err)
	case errors.Is(err, protocol.ErrInvalidRequest):
		return cli.Validation("%w", err)
	case errors.Is(err, context.Canceled):
		return nil
	}
	return cli.Internal("%w", err)
}

// requireArgs validates the positional argument count.
func requireArgs(args []string, want int, usage string) error {
	if len(args) != want {
		return cli.Validation("expected %d argument(s), got %d\n\nUsage: %s", want, len(args), usage)
	}
	return nil
}

func plural(count int, word string) string {
	if count == 1 {
		return fmt.Sprintf("%d %s", count, word)
	}
	if strings.HasSuffix(word, "s") {
		return fmt.Sprintf("%d %ses", count, word)
	}
	return fmt.Sprintf("%d %ss", count, word)
}
