// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package operator

import (
	"context"
	"fmt"
	"time"

	"github.com/eddi-project/eddi/lib/fortress"
	"github.com/eddi-project/eddi/lib/protocol"
	"github.com/eddi-project/eddi/lib/store"
	"github.com/eddi-project/eddi/lib/transport"
)

// FortressOptions describes a fortress to create. Zero fields take the
// configured defaults.
type FortressOptions struct {
	Name        string
	MessageTTL  time.Duration
	MaxMessages int
	// IncludeSender overrides fortress.include_sender when set.
	IncludeSender *bool
	Mode          transport.Mode
}

// CreateFortress claims name and brings the fortress's listeners up.
// The caller serves it with Run, which returns when ctx is cancelled or
// StopFortress is called from any process.
func (o *Operator) CreateFortress(ctx context.Context, options FortressOptions) (*fortress.Server, error) {
	mode, err := o.resolveMode(options.Mode)
	if err != nil {
		return nil, err
	}
	defaults := o.settings.Fortress
	if options.MessageTTL <= 0 {
		options.MessageTTL = defaults.MessageTTL
	}
	if options.MaxMessages < 0 {
		return nil, fmt.Errorf("%w: max messages must be positive, got %d", protocol.ErrInvalidRequest, options.MaxMessages)
	}
	if options.MaxMessages == 0 {
		options.MaxMessages = defaults.MaxMessages
	}
	includeSender := defaults.IncludeSender
	if options.IncludeSender != nil {
		includeSender = *options.IncludeSender
	}

	return fortress.Start(ctx, fortress.Config{
		Name:            options.Name,
		MessageTTL:      options.MessageTTL,
		MaxMessages:     options.MaxMessages,
		IncludeSender:   includeSender,
		CleanupInterval: defaults.CleanupInterval,
		PollInterval:    o.settings.Store.PollInterval,
		StaleAfter:      o.settings.Store.StaleAfter,
		Mode:            mode,
		StateDir:        o.settings.Paths.State,
		Overlay:         o.overlay,
		Store:           o.store,
		Clock:           o.clock,
		Logger:          o.logger,
	})
}

// StopFortress asks the process serving name to stop. A fortress whose
// process is gone is marked stopped immediately. The returned record
// shows the state after the request.
func (o *Operator) StopFortress(ctx context.Context, name string) (store.FortressRecord, error) {
	record, err := o.store.RequestFortressStop(ctx, name, o.settings.Store.StaleAfter)
	if err != nil {
		return store.FortressRecord{}, err
	}
	o.logger.Info("fortress stop requested", "fortress", name, "state", record.State)
	return record, nil
}

// FortressStatus is a fortress record with its liveness and, from
// Status, its clients and brokers.
type FortressStatus struct {
	store.FortressRecord
	Live          bool                  `json:"live"`
	Sessions      []store.SessionRecord `json:"sessions,omitempty"`
	ActiveTokens  int                   `json:"active_tokens"`
	RevokedTokens int                   `json:"revoked_tokens"`
	Brokers       []store.BrokerRecord  `json:"brokers,omitempty"`
}

// ListFortresses returns every known fortress with its liveness.
func (o *Operator) ListFortresses(ctx context.Context) ([]FortressStatus, error) {
	records, err := o.store.ListFortresses(ctx)
	if err != nil {
		return nil, err
	}
	now := o.clock.Now()
	statuses := make([]FortressStatus, 0, len(records))
	for _, record := range records {
		statuses = append(statuses, FortressStatus{
			FortressRecord: record,
			Live:           record.Live(now, o.settings.Store.StaleAfter),
		})
	}
	return statuses, nil
}

// Status reports fortress name in detail, or every fortress when name
// is empty.
func (o *Operator) Status(ctx context.Context, name string) ([]FortressStatus, error) {
	var records []store.FortressRecord
	if name == "" {
		var err error
		if records, err = o.store.ListFortresses(ctx); err != nil {
			return nil, err
		}
	} else {
		record, err := o.store.GetFortress(ctx, name)
		if err != nil {
			return nil, err
		}
		records = []store.FortressRecord{record}
	}

	brokers, err := o.store.ListBrokers(ctx, false)
	if err != nil {
		return nil, err
	}

	now := o.clock.Now()
	statuses := make([]FortressStatus, 0, len(records))
	for _, record := range records {
		status := FortressStatus{
			FortressRecord: record,
			Live:           record.Live(now, o.settings.Store.StaleAfter),
		}
		if status.Sessions, err = o.store.ListSessions(ctx, record.ID); err != nil {
			return nil, err
		}
		tokens, err := o.store.ListTokens(ctx, record.Name)
		if err != nil {
			return nil, err
		}
		for _, token := range tokens {
			if token.Revoked() {
				status.RevokedTokens++
			} else {
				status.ActiveTokens++
			}
		}
		for _, broker := range brokers {
			if broker.FortressName == record.Name {
				status.Brokers = append(status.Brokers, broker)
			}
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Clients lists who can and who does talk to a fortress.
type Clients struct {
	Fortress string                `json:"fortress"`
	Sessions []store.SessionRecord `json:"sessions"`
	Tokens   []store.TokenRecord   `json:"tokens"`
}

// ListClients returns the connected sessions and issued tokens of
// fortress name.
func (o *Operator) ListClients(ctx context.Context, name string) (Clients, error) {
	record, err := o.store.GetFortress(ctx, name)
	if err != nil {
		return Clients{}, err
	}
	sessions, err := o.store.ListSessions(ctx, record.ID)
	if err != nil {
		return Clients{}, err
	}
	tokens, err := fortress.NewRegistry(o.store, name, o.settings.Store.StaleAfter).Tokens(ctx)
	if err != nil {
		return Clients{}, err
	}
	return Clients{Fortress: name, Sessions: sessions, Tokens: tokens}, nil
}

// RevokeClient revokes the tokens of fortress name matching selector:
// a full token, its display prefix or the code it was issued for. The
// fortress closes any session using them on its next poll.
func (o *Operator) RevokeClient(ctx context.Context, name, selector string) ([]store.TokenRecord, error) {
	if selector == "" {
		return nil, fmt.Errorf("%w: a token, token prefix or code is required", protocol.ErrInvalidRequest)
	}
	revoked, err := fortress.NewRegistry(o.store, name, o.settings.Store.StaleAfter).Revoke(ctx, selector)
	if err != nil {
		return nil, err
	}
	o.logger.Info("tokens revoked", "fortress", name, "count", len(revoked))
	return revoked, nil
}
