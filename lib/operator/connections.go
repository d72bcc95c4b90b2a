// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package operator

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/eddi-project/eddi/lib/client"
	"github.com/eddi-project/eddi/lib/discovery"
	"github.com/eddi-project/eddi/lib/protocol"
	"github.com/eddi-project/eddi/lib/store"
)

// DiscoverAndHandshake finds the broker listening for namespace and
// code within window minutes of now and trades the code for an
// introduction to its fortress. A negative window uses
// discovery.window from the configuration.
func (o *Operator) DiscoverAndHandshake(ctx context.Context, namespace, code string, window int) (client.Introduction, error) {
	if window < 0 {
		window = o.settings.Discovery.Window
	}
	return o.client.DiscoverAndHandshake(ctx, namespace, code, window)
}

// ConnectOptions describes a connect: handshake, verify, save.
type ConnectOptions struct {
	Namespace string
	Code      string
	// Window is the discovery window; negative uses the configured
	// one.
	Window int
	// Alias names the saved connection. Empty uses the fortress name.
	Alias string
}

// Connect performs the handshake, opens a session on the introduced
// fortress to prove the token works, and saves the connection under
// its alias for Send, Receive and Listen.
func (o *Operator) Connect(ctx context.Context, options ConnectOptions) (store.ConnectionRecord, error) {
	introduction, err := o.DiscoverAndHandshake(ctx, options.Namespace, options.Code, options.Window)
	if err != nil {
		return store.ConnectionRecord{}, err
	}
	alias := options.Alias
	if alias == "" {
		alias = introduction.Fortress.Name
	}

	session, err := o.OpenSession(ctx, introduction.Fortress, introduction.Token, alias)
	if err != nil {
		return store.ConnectionRecord{}, err
	}
	session.Close()

	record := store.ConnectionRecord{
		Alias:          alias,
		FortressName:   introduction.Fortress.Name,
		LocalAddress:   introduction.Fortress.Local,
		OverlayAddress: introduction.Fortress.Overlay,
		Token:          introduction.Token,
		Namespace:      discovery.NormalizeNamespace(options.Namespace),
		CreatedAt:      o.clock.Now(),
	}
	if err := o.SaveConnection(ctx, record); err != nil {
		return store.ConnectionRecord{}, err
	}
	o.logger.Info("connected",
		"alias", alias,
		"fortress", record.FortressName,
		"transport", session.Transport(),
		"offset", introduction.Offset,
	)
	return record, nil
}

// SaveConnection stores an introduction for later sessions.
func (o *Operator) SaveConnection(ctx context.Context, record store.ConnectionRecord) error {
	if record.Alias == "" || record.Token == "" {
		return fmt.Errorf("%w: a saved connection needs an alias and a token", protocol.ErrInvalidRequest)
	}
	return o.store.SaveConnection(ctx, record)
}

// OpenSession connects to the fortress at address with token.
func (o *Operator) OpenSession(ctx context.Context, address protocol.FortressAddress, token, alias string) (*client.Session, error) {
	return o.client.Connect(ctx, address, token, alias)
}

// Session opens a session from the connection saved under alias, or
// the most recent connection when alias is empty.
func (o *Operator) Session(ctx context.Context, alias string) (*client.Session, store.ConnectionRecord, error) {
	record, err := o.store.GetConnection(ctx, alias)
	if err != nil {
		return nil, store.ConnectionRecord{}, err
	}
	session, err := o.OpenSession(ctx, record.Address(), record.Token, record.Alias)
	if err != nil {
		return nil, record, fmt.Errorf("connection %q: %w", record.Alias, err)
	}
	return session, record, nil
}

// Send delivers content through the connection saved under alias and
// returns the message id.
func (o *Operator) Send(ctx context.Context, alias, content string) (string, error) {
	session, _, err := o.Session(ctx, alias)
	if err != nil {
		return "", err
	}
	defer session.Close()
	return session.Send(ctx, content)
}

// Receive returns the live messages created after since through the
// connection saved under alias. A zero since returns all of them.
func (o *Operator) Receive(ctx context.Context, alias string, since time.Time) ([]protocol.Message, error) {
	session, _, err := o.Session(ctx, alias)
	if err != nil {
		return nil, err
	}
	defer session.Close()
	return session.Receive(ctx, since)
}

// Listen streams messages arriving after the call through the
// connection saved under alias until ctx is cancelled or the fortress
// ends the session. A failure to open the session is yielded as the
// only element.
func (o *Operator) Listen(ctx context.Context, alias string) iter.Seq2[protocol.Message, error] {
	return func(yield func(protocol.Message, error) bool) {
		session, _, err := o.Session(ctx, alias)
		if err != nil {
			yield(protocol.Message{}, err)
			return
		}
		defer session.Close()
		for message, err := range session.Listen(ctx) {
			if !yield(message, err) {
				return
			}
		}
	}
}

// ListConnections returns the saved connections, newest first.
func (o *Operator) ListConnections(ctx context.Context) ([]store.ConnectionRecord, error) {
	return o.store.ListConnections(ctx)
}

// Disconnect forgets the connection saved under alias. The token stays
// valid at the fortress until revoked there.
func (o *Operator) Disconnect(ctx context.Context, alias string) error {
	return o.store.DeleteConnection(ctx, alias)
}
