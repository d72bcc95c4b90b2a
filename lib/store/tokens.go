// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/eddi-project/eddi/lib/discovery"
	"github.com/eddi-project/eddi/lib/protocol"
)

// TokenPrefixLength is how many leading characters of a token are kept
// for display and for revocation by prefix.
const TokenPrefixLength = 8

// HashToken returns the at-rest form of a token.
func HashToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenRecord is a persisted access token (without its value).
type TokenRecord struct {
	Hash         string    `json:"-"`
	Prefix       string    `json:"prefix"`
	FortressID   string    `json:"fortress_id"`
	FortressName string    `json:"fortress"`
	Namespace    string    `json:"namespace"`
	Code         string    `json:"code,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	RevokedAt    time.Time `json:"revoked_at,omitzero"`
}

// Revoked reports whether the token has been revoked.
func (r TokenRecord) Revoked() bool { return !r.RevokedAt.IsZero() }

// TokenGrant is a token together with the fortress it authorizes.
type TokenGrant struct {
	Token    TokenRecord
	Fortress FortressRecord
}

const tokenColumns = `t.hash, t.prefix, t.fortress_id, f.name, t.namespace, t.code, t.issued_at, t.revoked_at`

func scanToken(stmt *sqlite.Stmt) TokenRecord {
	record := TokenRecord{
		Hash:         stmt.ColumnText(0),
		Prefix:       stmt.ColumnText(1),
		FortressID:   stmt.ColumnText(2),
		FortressName: stmt.ColumnText(3),
		Namespace:    stmt.ColumnText(4),
		Code:         stmt.ColumnText(5),
		IssuedAt:     fromNanos(stmt.ColumnInt64(6)),
	}
	if !stmt.ColumnIsNull(7) {
		record.RevokedAt = fromNanos(stmt.ColumnInt64(7))
	}
	return record
}

// InsertToken registers token for the fortress named fortressName. The
// fortress must be Running with a fresh heartbeat, otherwise the call
// fails with protocol.ErrFortressUnavailable. code is the normalized
// handshake code the token was minted for, kept so an operator can
// revoke by the code they shared.
func (s *Store) InsertToken(ctx context.Context, fortressName, token, namespace, code string, staleAfter time.Duration) (TokenRecord, error) {
	if len(token) < TokenPrefixLength {
		return TokenRecord{}, fmt.Errorf("store: token too short")
	}
	var record TokenRecord
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		fortress, err := queryFortress(conn, "name = ?", fortressName)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: fortress %q does not exist", protocol.ErrFortressUnavailable, fortressName)
		}
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if fortress.State != FortressRunning || !fortress.Live(now, staleAfter) {
			return fmt.Errorf("%w: fortress %q is %s", protocol.ErrFortressUnavailable, fortressName, fortress.State)
		}

		record = TokenRecord{
			Hash:         HashToken(token),
			Prefix:       token[:TokenPrefixLength],
			FortressID:   fortress.ID,
			FortressName: fortress.Name,
			Namespace:    namespace,
			Code:         discovery.NormalizeCode(code),
			IssuedAt:     now.UTC(),
		}
		return sqlitex.Execute(conn, `INSERT INTO tokens
			(hash, prefix, fortress_id, namespace, code, issued_at) VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				record.Hash, record.Prefix, record.FortressID, record.Namespace, record.Code, now.UnixNano(),
			}})
	})
	if err != nil {
		return TokenRecord{}, fmt.Errorf("store: registering token for %q: %w", fortressName, err)
	}
	return record, nil
}

// LookupToken returns the token with the given hash and its fortress,
// or ErrNotFound.
func (s *Store) LookupToken(ctx context.Context, hash string) (TokenGrant, error) {
	var grant TokenGrant
	found := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT "+tokenColumns+", "+prefixed("f.", fortressColumns)+`
			FROM tokens t JOIN fortresses f ON f.id = t.fortress_id WHERE t.hash = ?`,
			&sqlitex.ExecOptions{
				Args: []any{hash},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					grant.Token = scanToken(stmt)
					grant.Fortress = scanFortressAt(stmt, 8)
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return TokenGrant{}, fmt.Errorf("store: looking up token: %w", err)
	}
	if !found {
		return TokenGrant{}, ErrNotFound
	}
	return grant, nil
}

// RevokeTokens revokes the tokens of fortress fortressName that match
// selector: the full token value, a display prefix, or the handshake
// code. Already revoked tokens still count as matches, which makes the
// call idempotent. Returns the matched tokens; ErrNotFound when nothing
// matches.
func (s *Store) RevokeTokens(ctx context.Context, fortressName, selector string) ([]TokenRecord, error) {
	if selector == "" {
		return nil, fmt.Errorf("store: empty revocation selector")
	}
	var matched []TokenRecord
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		fortress, err := queryFortress(conn, "name = ?", fortressName)
		if err != nil {
			return err
		}
		err = sqlitex.Execute(conn, "SELECT "+tokenColumns+` FROM tokens t
			JOIN fortresses f ON f.id = t.fortress_id
			WHERE t.fortress_id = ? AND (t.hash = ? OR t.prefix = ? OR (t.code != '' AND t.code = ?))
			ORDER BY t.issued_at`,
			&sqlitex.ExecOptions{
				Args: []any{fortress.ID, HashToken(selector), selector, discovery.NormalizeCode(selector)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					matched = append(matched, scanToken(stmt))
					return nil
				},
			})
		if err != nil {
			return err
		}
		if len(matched) == 0 {
			return ErrNotFound
		}

		now := s.clock.Now()
		for index := range matched {
			if matched[index].Revoked() {
				continue
			}
			if err := sqlitex.Execute(conn,
				"UPDATE tokens SET revoked_at = ? WHERE hash = ? AND revoked_at IS NULL",
				&sqlitex.ExecOptions{Args: []any{now.UnixNano(), matched[index].Hash}}); err != nil {
				return err
			}
			matched[index].RevokedAt = now.UTC()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: revoking %q on %q: %w", selector, fortressName, err)
	}
	return matched, nil
}

// ListTokens returns every token of the fortress, oldest first.
func (s *Store) ListTokens(ctx context.Context, fortressName string) ([]TokenRecord, error) {
	var records []TokenRecord
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT "+tokenColumns+` FROM tokens t
			JOIN fortresses f ON f.id = t.fortress_id WHERE f.name = ? ORDER BY t.issued_at`,
			&sqlitex.ExecOptions{
				Args: []any{fortressName},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					records = append(records, scanToken(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing tokens of %q: %w", fortressName, err)
	}
	return records, nil
}
