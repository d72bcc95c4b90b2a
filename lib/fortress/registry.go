// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package fortress

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/eddi-project/eddi/lib/protocol"
	"github.com/eddi-project/eddi/lib/store"
)

// TokenSize is the number of random bytes in an access token.
const TokenSize = 32

// MintToken returns a fresh access token: TokenSize random bytes,
// base64url without padding.
func MintToken() (string, error) {
	buffer := make([]byte, TokenSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// Registry is the token registry of one fortress. It is a view over the
// state store, so tokens minted by a broker process and revocations made
// by an operator process are visible to the fortress process on its
// next Validate.
type Registry struct {
	store      *store.Store
	name       string
	staleAfter time.Duration
}

// NewRegistry returns the registry of the fortress named name.
// staleAfter is how old a fortress heartbeat may be before the fortress
// is considered gone.
func NewRegistry(st *store.Store, name string, staleAfter time.Duration) *Registry {
	return &Registry{store: st, name: name, staleAfter: staleAfter}
}

// Name is the fortress the registry belongs to.
func (r *Registry) Name() string { return r.name }

// Register mints a token for a client from namespace, introduced with
// the handshake code, and records it. Fails with
// protocol.ErrFortressUnavailable unless the fortress is running.
func (r *Registry) Register(ctx context.Context, namespace, code string) (string, store.TokenRecord, error) {
	token, err := MintToken()
	if err != nil {
		return "", store.TokenRecord{}, err
	}
	record, err := r.store.InsertToken(ctx, r.name, token, namespace, code, r.staleAfter)
	if err != nil {
		return "", store.TokenRecord{}, err
	}
	return token, record, nil
}

// Validate checks token against the registry. An unknown, revoked or
// foreign token fails with protocol.ErrTokenRejected; a valid token for
// a fortress that is not running fails with
// protocol.ErrFortressUnavailable.
func (r *Registry) Validate(ctx context.Context, token string) (store.TokenGrant, error) {
	if token == "" {
		return store.TokenGrant{}, fmt.Errorf("%w: no token presented", protocol.ErrTokenRejected)
	}
	grant, err := r.store.LookupToken(ctx, store.HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return store.TokenGrant{}, fmt.Errorf("%w: unknown token", protocol.ErrTokenRejected)
	}
	if err != nil {
		return store.TokenGrant{}, err
	}
	if grant.Fortress.Name != r.name {
		return store.TokenGrant{}, fmt.Errorf("%w: token belongs to another fortress", protocol.ErrTokenRejected)
	}
	if grant.Token.Revoked() {
		return store.TokenGrant{}, fmt.Errorf("%w: token revoked", protocol.ErrTokenRejected)
	}
	now := r.store.Clock().Now()
	if grant.Fortress.State != store.FortressRunning || !grant.Fortress.Live(now, r.staleAfter) {
		return store.TokenGrant{}, fmt.Errorf("%w: fortress %q is %s",
			protocol.ErrFortressUnavailable, r.name, grant.Fortress.State)
	}
	return grant, nil
}

// Revoke revokes every token matching selector: a full token, its
// display prefix, or the handshake code it was minted for. Revocation
// is permanent and idempotent.
func (r *Registry) Revoke(ctx context.Context, selector string) ([]store.TokenRecord, error) {
	return r.store.RevokeTokens(ctx, r.name, selector)
}

// Tokens lists the fortress's tokens, revoked ones included.
func (r *Registry) Tokens(ctx context.Context) ([]store.TokenRecord, error) {
	return r.store.ListTokens(ctx, r.name)
}
