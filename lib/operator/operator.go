// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package operator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eddi-project/eddi/lib/client"
	"github.com/eddi-project/eddi/lib/clock"
	"github.com/eddi-project/eddi/lib/config"
	"github.com/eddi-project/eddi/lib/store"
	"github.com/eddi-project/eddi/lib/transport"
)

// Options holds the parameters for New.
type Options struct {
	// Settings supplies the defaults for every operation. Nil uses
	// config.Default().
	Settings *config.Config
	Store    *store.Store
	// Overlay reaches onion services. Nil restricts everything to
	// local sockets.
	Overlay transport.Overlay
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Operator carries out eddi operations against one state directory.
type Operator struct {
	settings *config.Config
	store    *store.Store
	overlay  transport.Overlay
	clock    clock.Clock
	logger   *slog.Logger
	client   *client.Client
	mode     transport.Mode

	ownsStore bool
}

// New returns an operator over an already open store.
func New(options Options) (*Operator, error) {
	if options.Store == nil {
		return nil, fmt.Errorf("operator: a store is required")
	}
	if options.Settings == nil {
		options.Settings = config.Default()
	}
	if options.Clock == nil {
		options.Clock = options.Store.Clock()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	mode, err := transport.ParseMode(options.Settings.Transport.Mode)
	if err != nil {
		return nil, err
	}
	if mode == transport.ModeLocal {
		options.Overlay = nil
	}
	return &Operator{
		settings: options.Settings,
		store:    options.Store,
		overlay:  options.Overlay,
		clock:    options.Clock,
		logger:   options.Logger,
		mode:     mode,
		client: client.New(client.Config{
			StateDir:    options.Settings.Paths.State,
			Overlay:     options.Overlay,
			DialTimeout: options.Settings.Discovery.DialTimeout,
			Clock:       options.Clock,
			Logger:      options.Logger,
		}),
	}, nil
}

// Open creates the state directory, opens the state store in it and
// connects the Tor overlay unless the transport mode is local. Close
// releases the store.
func Open(ctx context.Context, settings *config.Config, logger *slog.Logger) (*Operator, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := settings.EnsurePaths(); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, store.Config{Path: settings.DatabasePath(), Logger: logger})
	if err != nil {
		return nil, err
	}

	var overlay transport.Overlay
	if settings.Transport.Mode != string(transport.ModeLocal) {
		overlay = transport.NewTorOverlay(transport.TorConfig{
			ControlAddress:  settings.Transport.Tor.ControlAddress,
			ControlPassword: settings.Transport.Tor.ControlPassword,
			SocksAddress:    settings.Transport.Tor.SocksAddress,
			VirtualPort:     settings.Transport.Tor.VirtualPort,
			DialTimeout:     settings.Discovery.DialTimeout,
			Logger:          logger,
		})
	}

	operator, err := New(Options{Settings: settings, Store: st, Overlay: overlay, Logger: logger})
	if err != nil {
		st.Close()
		return nil, err
	}
	operator.ownsStore = true
	return operator, nil
}

// Close releases the store if Open created it.
func (o *Operator) Close() error {
	if o.ownsStore {
		return o.store.Close()
	}
	return nil
}

// Settings returns the configuration the operator applies.
func (o *Operator) Settings() *config.Config { return o.settings }

// Store returns the state store.
func (o *Operator) Store() *store.Store { return o.store }

// resolveMode returns requested, or the configured mode when empty.
func (o *Operator) resolveMode(requested transport.Mode) (transport.Mode, error) {
	if requested == "" {
		return o.mode, nil
	}
	return transport.ParseMode(string(requested))
}

// Overlay returns the overlay provider, nil in local mode.
func (o *Operator) Overlay() transport.Overlay { return o.overlay }
