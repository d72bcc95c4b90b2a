// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/eddi-project/eddi/lib/protocol"
)

// ConnectionRecord is a client-side saved introduction: what a later
// send, receive or listen needs to reopen a fortress session without a
// new handshake. The token is sealed with the store's identity at rest
// and returned in the clear.
type ConnectionRecord struct {
	Alias          string    `json:"alias"`
	FortressName   string    `json:"fortress"`
	LocalAddress   string    `json:"local_address,omitempty"`
	OverlayAddress string    `json:"overlay_address,omitempty"`
	Token          string    `json:"-"`
	Namespace      string    `json:"namespace"`
	CreatedAt      time.Time `json:"created_at"`
}

// Address returns the fortress address of the connection.
func (r ConnectionRecord) Address() protocol.FortressAddress {
	return protocol.FortressAddress{Name: r.FortressName, Local: r.LocalAddress, Overlay: r.OverlayAddress}
}

const connectionColumns = `alias, fortress_name, local_address, overlay_address, token, namespace, created_at`

func (s *Store) scanConnection(stmt *sqlite.Stmt) (ConnectionRecord, error) {
	record := ConnectionRecord{
		Alias:          stmt.ColumnText(0),
		FortressName:   stmt.ColumnText(1),
		LocalAddress:   stmt.ColumnText(2),
		OverlayAddress: stmt.ColumnText(3),
		Namespace:      stmt.ColumnText(5),
		CreatedAt:      fromNanos(stmt.ColumnInt64(6)),
	}
	token, err := s.identity.OpenString(stmt.ColumnText(4))
	if err != nil {
		return ConnectionRecord{}, fmt.Errorf("token of %q: %w", record.Alias, err)
	}
	record.Token = token
	return record, nil
}

// SaveConnection inserts or replaces the connection under its alias.
func (s *Store) SaveConnection(ctx context.Context, record ConnectionRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.clock.Now()
	}
	sealedToken, err := s.identity.SealString(record.Token)
	if err != nil {
		return fmt.Errorf("store: saving connection %q: %w", record.Alias, err)
	}
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT OR REPLACE INTO connections (`+connectionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				record.Alias, record.FortressName, record.LocalAddress, record.OverlayAddress,
				sealedToken, record.Namespace, record.CreatedAt.UnixNano(),
			},
		})
	})
	if err != nil {
		return fmt.Errorf("store: saving connection %q: %w", record.Alias, err)
	}
	return nil
}

// GetConnection returns the connection saved under alias. An empty
// alias selects the most recently saved connection.
func (s *Store) GetConnection(ctx context.Context, alias string) (ConnectionRecord, error) {
	query := "SELECT " + connectionColumns + " FROM connections WHERE alias = ?"
	args := []any{alias}
	if alias == "" {
		query = "SELECT " + connectionColumns + " FROM connections ORDER BY created_at DESC LIMIT 1"
		args = nil
	}

	var record ConnectionRecord
	found := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				record, err = s.scanConnection(stmt)
				found = true
				return err
			},
		})
	})
	if err != nil {
		return ConnectionRecord{}, fmt.Errorf("store: connection %q: %w", alias, err)
	}
	if !found {
		return ConnectionRecord{}, fmt.Errorf("store: connection %q: %w", alias, ErrNotFound)
	}
	return record, nil
}

// ListConnections returns saved connections, newest first.
func (s *Store) ListConnections(ctx context.Context) ([]ConnectionRecord, error) {
	var records []ConnectionRecord
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT "+connectionColumns+" FROM connections ORDER BY created_at DESC",
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					record, err := s.scanConnection(stmt)
					if err != nil {
						return err
					}
					records = append(records, record)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing connections: %w", err)
	}
	return records, nil
}

// DeleteConnection forgets a saved connection. Returns ErrNotFound if
// alias is unknown.
func (s *Store) DeleteConnection(ctx context.Context, alias string) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "DELETE FROM connections WHERE alias = ?",
			&sqlitex.ExecOptions{Args: []any{alias}}); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: deleting connection %q: %w", alias, err)
	}
	return nil
}
