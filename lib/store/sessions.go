// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SessionRecord is a client session currently connected to a fortress.
// Presentation state for status and client listings.
type SessionRecord struct {
	ID          string    `json:"id"`
	FortressID  string    `json:"fortress_id"`
	Alias       string    `json:"alias,omitempty"`
	TokenHash   string    `json:"-"`
	TokenPrefix string    `json:"token_prefix"`
	Transport   string    `json:"transport"`
	ConnectedAt time.Time `json:"connected_at"`
}

// AddSession records a newly authenticated session.
func (s *Store) AddSession(ctx context.Context, session SessionRecord) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT INTO sessions
			(id, fortress_id, alias, token_hash, token_prefix, transport, connected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				session.ID, session.FortressID, session.Alias, session.TokenHash,
				session.TokenPrefix, session.Transport, session.ConnectedAt.UnixNano(),
			},
		})
	})
	if err != nil {
		return fmt.Errorf("store: adding session: %w", err)
	}
	return nil
}

// RemoveSession deletes a session record.
func (s *Store) RemoveSession(ctx context.Context, id string) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM sessions WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{id}})
	})
	if err != nil {
		return fmt.Errorf("store: removing session: %w", err)
	}
	return nil
}

// ClearSessions deletes every session of a fortress. Called when a
// fortress process starts and stops.
func (s *Store) ClearSessions(ctx context.Context, fortressID string) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM sessions WHERE fortress_id = ?",
			&sqlitex.ExecOptions{Args: []any{fortressID}})
	})
	if err != nil {
		return fmt.Errorf("store: clearing sessions: %w", err)
	}
	return nil
}

// ListSessions returns the sessions of a fortress, oldest first.
func (s *Store) ListSessions(ctx context.Context, fortressID string) ([]SessionRecord, error) {
	var records []SessionRecord
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT id, fortress_id, alias, token_hash, token_prefix,
				transport, connected_at
			FROM sessions WHERE fortress_id = ? ORDER BY connected_at`,
			&sqlitex.ExecOptions{
				Args: []any{fortressID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					records = append(records, SessionRecord{
						ID:          stmt.ColumnText(0),
						FortressID:  stmt.ColumnText(1),
						Alias:       stmt.ColumnText(2),
						TokenHash:   stmt.ColumnText(3),
						TokenPrefix: stmt.ColumnText(4),
						Transport:   stmt.ColumnText(5),
						ConnectedAt: fromNanos(stmt.ColumnInt64(6)),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing sessions: %w", err)
	}
	return records, nil
}
