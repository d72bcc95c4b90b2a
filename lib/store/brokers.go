// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/eddi-project/eddi/lib/protocol"
)

// BrokerState is the lifecycle state of a broker.
type BrokerState string

const (
	BrokerListening         BrokerState = "listening"
	BrokerHandshakeComplete BrokerState = "handshake_complete"
	BrokerExpired           BrokerState = "expired"
)

// BrokerRecord is a broker's registration. It deliberately carries no
// short code.
type BrokerRecord struct {
	DerivedID      string      `json:"derived_id"`
	FortressName   string      `json:"fortress"`
	Namespace      string      `json:"namespace"`
	State          BrokerState `json:"state"`
	TransportMode  string      `json:"transport_mode"`
	LocalAddress   string      `json:"local_address,omitempty"`
	OverlayAddress string      `json:"overlay_address,omitempty"`
	MultiUse       bool        `json:"multi_use"`
	Handshakes     int         `json:"handshakes"`
	PID            int         `json:"pid"`
	CreatedAt      time.Time   `json:"created_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

// Active reports whether the broker is still accepting handshakes.
func (r BrokerRecord) Active(now time.Time) bool {
	return r.State == BrokerListening && now.Before(r.ExpiresAt)
}

const brokerColumns = `derived_id, fortress_name, namespace, state, transport_mode, local_address,
	overlay_address, multi_use, handshakes, pid, created_at, expires_at`

func scanBroker(stmt *sqlite.Stmt) BrokerRecord {
	return BrokerRecord{
		DerivedID:      stmt.ColumnText(0),
		FortressName:   stmt.ColumnText(1),
		Namespace:      stmt.ColumnText(2),
		State:          BrokerState(stmt.ColumnText(3)),
		TransportMode:  stmt.ColumnText(4),
		LocalAddress:   stmt.ColumnText(5),
		OverlayAddress: stmt.ColumnText(6),
		MultiUse:       stmt.ColumnInt64(7) != 0,
		Handshakes:     stmt.ColumnInt(8),
		PID:            stmt.ColumnInt(9),
		CreatedAt:      fromNanos(stmt.ColumnInt64(10)),
		ExpiresAt:      fromNanos(stmt.ColumnInt64(11)),
	}
}

func queryBroker(conn *sqlite.Conn, derivedID string) (BrokerRecord, error) {
	var record BrokerRecord
	found := false
	err := sqlitex.Execute(conn, "SELECT "+brokerColumns+" FROM brokers WHERE derived_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{derivedID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record = scanBroker(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return BrokerRecord{}, err
	}
	if !found {
		return BrokerRecord{}, ErrNotFound
	}
	return record, nil
}

// RegisterBroker persists a broker registration. A still-active broker
// under the same derived id (same namespace, code and minute) is a
// conflict; an inactive one is replaced.
func (s *Store) RegisterBroker(ctx context.Context, record BrokerRecord) error {
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		existing, err := queryBroker(conn, record.DerivedID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case existing.Active(s.clock.Now()):
			return fmt.Errorf("%w: a broker with this code is already listening", protocol.ErrStateStoreConflict)
		}
		return sqlitex.Execute(conn, `INSERT OR REPLACE INTO brokers (`+brokerColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				record.DerivedID, record.FortressName, record.Namespace, string(record.State),
				record.TransportMode, record.LocalAddress, record.OverlayAddress,
				boolInt(record.MultiUse), int64(record.Handshakes), int64(record.PID),
				record.CreatedAt.UnixNano(), record.ExpiresAt.UnixNano(),
			},
		})
	})
	if err != nil {
		return fmt.Errorf("store: registering broker: %w", err)
	}
	return nil
}

// UpdateBroker records a broker's state and handshake count.
func (s *Store) UpdateBroker(ctx context.Context, derivedID string, state BrokerState, handshakes int) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "UPDATE brokers SET state = ?, handshakes = ? WHERE derived_id = ?",
			&sqlitex.ExecOptions{Args: []any{string(state), int64(handshakes), derivedID}})
	})
	if err != nil {
		return fmt.Errorf("store: updating broker: %w", err)
	}
	return nil
}

// GetBroker returns the broker registered under derivedID, or
// ErrNotFound.
func (s *Store) GetBroker(ctx context.Context, derivedID string) (BrokerRecord, error) {
	var record BrokerRecord
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		record, err = queryBroker(conn, derivedID)
		return err
	})
	if err != nil {
		return BrokerRecord{}, fmt.Errorf("store: broker %s: %w", derivedID, err)
	}
	return record, nil
}

// RequestBrokerStop pulls a broker's expiry forward to now. The broker
// process notices on its next poll and expires.
func (s *Store) RequestBrokerStop(ctx context.Context, derivedID string) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "UPDATE brokers SET expires_at = ? WHERE derived_id = ?",
			&sqlitex.ExecOptions{Args: []any{s.nowNanos(), derivedID}}); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: stopping broker %s: %w", derivedID, err)
	}
	return nil
}

// RemoveBroker deletes a broker registration. Removing an absent one is
// not an error.
func (s *Store) RemoveBroker(ctx context.Context, derivedID string) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM brokers WHERE derived_id = ?",
			&sqlitex.ExecOptions{Args: []any{derivedID}})
	})
	if err != nil {
		return fmt.Errorf("store: removing broker %s: %w", derivedID, err)
	}
	return nil
}

// ListBrokers returns registrations ordered by expiry. Unless
// includeInactive is set only active brokers are returned.
func (s *Store) ListBrokers(ctx context.Context, includeInactive bool) ([]BrokerRecord, error) {
	now := s.clock.Now()
	var records []BrokerRecord
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT "+brokerColumns+" FROM brokers ORDER BY expires_at",
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					record := scanBroker(stmt)
					if includeInactive || record.Active(now) {
						records = append(records, record)
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing brokers: %w", err)
	}
	return records, nil
}
