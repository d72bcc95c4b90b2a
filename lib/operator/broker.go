// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package operator

import (
	"context"
	"time"

	"github.com/eddi-project/eddi/lib/broker"
	"github.com/eddi-project/eddi/lib/store"
	"github.com/eddi-project/eddi/lib/transport"
)

// BrokerOptions describes a broker to create. Zero fields take the
// configured defaults.
type BrokerOptions struct {
	Fortress  string
	Namespace string
	// Code is the short code to accept. Empty generates one; read it
	// back with Broker.Code.
	Code    string
	Timeout time.Duration
	// MultiUse overrides broker.multi_use when set.
	MultiUse *bool
	Mode     transport.Mode
}

// CreateBroker starts a broker for an existing running fortress. The
// caller serves it with Run, which returns once the broker completes
// its handshake (single-use), times out or is stopped.
func (o *Operator) CreateBroker(ctx context.Context, options BrokerOptions) (*broker.Broker, error) {
	mode, err := o.resolveMode(options.Mode)
	if err != nil {
		return nil, err
	}
	if options.Timeout <= 0 {
		options.Timeout = o.settings.Broker.Timeout
	}
	multiUse := o.settings.Broker.MultiUse
	if options.MultiUse != nil {
		multiUse = *options.MultiUse
	}
	return broker.Start(ctx, broker.Config{
		Fortress:     options.Fortress,
		Namespace:    options.Namespace,
		Code:         options.Code,
		Timeout:      options.Timeout,
		MultiUse:     multiUse,
		PollInterval: o.settings.Store.PollInterval,
		StaleAfter:   o.settings.Store.StaleAfter,
		Mode:         mode,
		StateDir:     o.settings.Paths.State,
		Overlay:      o.overlay,
		Store:        o.store,
		Clock:        o.clock,
		Logger:       o.logger,
	})
}

// ListBrokers returns registered brokers, only the active ones unless
// all is set.
func (o *Operator) ListBrokers(ctx context.Context, all bool) ([]store.BrokerRecord, error) {
	return o.store.ListBrokers(ctx, all)
}

// StopBroker asks the broker with derivedID to expire now. The broker
// process notices on its next poll.
func (o *Operator) StopBroker(ctx context.Context, derivedID string) error {
	if err := o.store.RequestBrokerStop(ctx, derivedID); err != nil {
		return err
	}
	o.logger.Info("broker stop requested", "broker", derivedID)
	return nil
}
