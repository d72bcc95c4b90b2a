// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/eddi-project/eddi/cmd/eddi/cli"
	"github.com/eddi-project/eddi/lib/supervisor"
)

type serveParams struct {
	commonParams
	AppDir       string        `flag:"app-dir" desc:"working directory of the application (required)"`
	Command      string        `flag:"command" desc:"command that serves the app on {socket} (default: gunicorn app:app)"`
	Socket       string        `flag:"socket" default:"app" desc:"name of the application socket and its overlay key"`
	ReadyTimeout time.Duration `flag:"ready-timeout" default:"30s" desc:"how long to wait for the application socket"`
}

func serveCommand(level *slog.LevelVar) *cli.Command {
	var params serveParams
	return &cli.Command{
		Name:    "serve",
		Summary: "Publish a local web application as an onion service",
		Description: `Start a web application bound to a Unix socket and publish it through
the overlay. Each inbound overlay connection is proxied to the socket.
The onion address is kept across restarts in the state directory.

The command may reference the socket path as {socket}; the path is
also exported as EDDI_APP_SOCKET.`,
		Usage: "eddi serve --app-dir DIR [--command CMD] [--socket NAME]",
		Examples: []cli.Example{
			{Description: "Serve a Flask app with gunicorn", Command: "eddi serve --app-dir ./site"},
			{Description: "Serve with a custom command", Command: `eddi serve --app-dir ./site --command "uvicorn --uds {socket} main:app"`},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if err := requireArgs(args, 0, "eddi serve --app-dir DIR"); err != nil {
				return err
			}
			if params.AppDir == "" {
				return cli.Validation("--app-dir is required")
			}
			name := strings.TrimSpace(params.Socket)
			if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
				return cli.Validation("--socket must be a plain name, got %q", params.Socket)
			}
			op, err := params.open(ctx, level, logger)
			if err != nil {
				return err
			}
			defer op.Close()

			if op.Overlay() == nil {
				return cli.Validation("serve needs the overlay; transport.mode is local")
			}
			appsDir := filepath.Join(op.Settings().Paths.State, "apps")
			server, err := supervisor.Start(ctx, supervisor.Config{
				AppDir:       params.AppDir,
				Command:      strings.Fields(params.Command),
				SocketPath:   filepath.Join(appsDir, name+".sock"),
				KeyPath:      filepath.Join(appsDir, name+".key"),
				ReadyTimeout: params.ReadyTimeout,
				Overlay:      op.Overlay(),
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cli.Stdout, "serving %s at %s\n", params.AppDir, server.Address())
			serveMetrics(ctx, op.Settings(), logger)
			return server.Serve(ctx)
		},
	}
}
