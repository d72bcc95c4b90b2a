// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/eddi-project/eddi/lib/protocol"
)

// FortressState is the lifecycle state of a fortress.
type FortressState string

const (
	FortressStarting FortressState = "starting"
	FortressRunning  FortressState = "running"
	FortressStopping FortressState = "stopping"
	FortressStopped  FortressState = "stopped"
)

// FortressRecord is a persisted fortress registration.
type FortressRecord struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	State          FortressState `json:"state"`
	TransportMode  string        `json:"transport_mode"`
	LocalAddress   string        `json:"local_address,omitempty"`
	OverlayAddress string        `json:"overlay_address,omitempty"`
	// OverlayKey is the overlay key seed. It is sealed at rest and only
	// filled in on the record ClaimFortress returns; use
	// FortressOverlayKey to read it otherwise.
	OverlayKey     []byte        `json:"-"`
	MessageTTL     time.Duration `json:"message_ttl"`
	PID            int           `json:"pid"`
	CreatedAt      time.Time     `json:"created_at"`
	HeartbeatAt    time.Time     `json:"heartbeat_at"`
}

// Live reports whether a process is currently serving this fortress:
// its state is not Stopped and its heartbeat is fresher than staleAfter.
func (r FortressRecord) Live(now time.Time, staleAfter time.Duration) bool {
	if r.State == FortressStopped {
		return false
	}
	return now.Sub(r.HeartbeatAt) < staleAfter
}

// Address returns the client-facing address of the fortress.
func (r FortressRecord) Address() protocol.FortressAddress {
	return protocol.FortressAddress{Name: r.Name, Local: r.LocalAddress, Overlay: r.OverlayAddress}
}

const fortressColumns = `id, name, state, transport_mode, local_address, overlay_address,
	overlay_key, message_ttl_ns, pid, created_at, heartbeat_at`

func scanFortress(stmt *sqlite.Stmt) FortressRecord {
	return scanFortressAt(stmt, 0)
}

// scanFortressAt reads fortressColumns starting at column base, for
// joins that select other columns first. The sealed overlay key is
// skipped.
func scanFortressAt(stmt *sqlite.Stmt, base int) FortressRecord {
	record := FortressRecord{
		ID:             stmt.ColumnText(base + 0),
		Name:           stmt.ColumnText(base + 1),
		State:          FortressState(stmt.ColumnText(base + 2)),
		TransportMode:  stmt.ColumnText(base + 3),
		LocalAddress:   stmt.ColumnText(base + 4),
		OverlayAddress: stmt.ColumnText(base + 5),
		MessageTTL:     time.Duration(stmt.ColumnInt64(base + 7)),
		PID:            stmt.ColumnInt(base + 8),
		CreatedAt:      fromNanos(stmt.ColumnInt64(base + 9)),
		HeartbeatAt:    fromNanos(stmt.ColumnInt64(base + 10)),
	}
	return record
}

// sealKey seals a non-empty overlay key for the overlay_key column.
func (s *Store) sealKey(key []byte) (any, error) {
	if len(key) == 0 {
		return nil, nil
	}
	return s.identity.Seal(key)
}

// openKey reads and opens the overlay key of fortress id. Returns nil
// when none is stored.
func (s *Store) openKey(conn *sqlite.Conn, id string) ([]byte, error) {
	var sealedKey []byte
	err := sqlitex.Execute(conn, "SELECT overlay_key FROM fortresses WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if !stmt.ColumnIsNull(0) {
				sealedKey = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, sealedKey)
			}
			return nil
		},
	})
	if err != nil || sealedKey == nil {
		return nil, err
	}
	key, err := s.identity.Open(sealedKey)
	if err != nil {
		return nil, fmt.Errorf("overlay key: %w", err)
	}
	return key, nil
}

// FortressOverlayKey returns the overlay key seed of fortress id, or
// nil if it has none yet.
func (s *Store) FortressOverlayKey(ctx context.Context, id string) ([]byte, error) {
	var key []byte
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		key, err = s.openKey(conn, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: fortress %s: %w", id, err)
	}
	return key, nil
}

// prefixed qualifies each column of a comma-separated list.
func prefixed(qualifier, columns string) string {
	fields := strings.Split(columns, ",")
	for index, field := range fields {
		fields[index] = qualifier + strings.TrimSpace(field)
	}
	return strings.Join(fields, ", ")
}

func queryFortress(conn *sqlite.Conn, where string, args ...any) (FortressRecord, error) {
	var record FortressRecord
	found := false
	err := sqlitex.Execute(conn, "SELECT "+fortressColumns+" FROM fortresses WHERE "+where,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record = scanFortress(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return FortressRecord{}, err
	}
	if !found {
		return FortressRecord{}, ErrNotFound
	}
	return record, nil
}

// ClaimFortress registers a fortress named claim.Name in state Starting.
//
// If a live fortress already holds the name the claim fails with
// protocol.ErrStateStoreConflict. A stopped or stale record with the
// same name is reclaimed in place: its id, creation time and overlay
// key survive, so tokens issued before a restart stay valid and the
// onion address does not change. The returned record is what was
// persisted.
func (s *Store) ClaimFortress(ctx context.Context, claim FortressRecord, staleAfter time.Duration) (FortressRecord, error) {
	var result FortressRecord
	sealedKey, err := s.sealKey(claim.OverlayKey)
	if err != nil {
		return FortressRecord{}, fmt.Errorf("store: claiming fortress %q: %w", claim.Name, err)
	}
	err = s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		now := s.clock.Now()
		existing, err := queryFortress(conn, "name = ?", claim.Name)
		switch {
		case errors.Is(err, ErrNotFound):
			result = claim
			result.ID = uuid.NewString()
			result.State = FortressStarting
			result.CreatedAt = now.UTC()
			result.HeartbeatAt = now.UTC()
			return sqlitex.Execute(conn, `INSERT INTO fortresses (`+fortressColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
				Args: []any{
					result.ID, result.Name, string(result.State), result.TransportMode,
					result.LocalAddress, result.OverlayAddress, sealedKey,
					int64(result.MessageTTL), int64(result.PID), now.UnixNano(), now.UnixNano(),
				},
			})
		case err != nil:
			return err
		}

		if existing.Live(now, staleAfter) {
			return fmt.Errorf("%w: fortress %q is already %s (pid %d)",
				protocol.ErrStateStoreConflict, claim.Name, existing.State, existing.PID)
		}

		result = claim
		result.ID = existing.ID
		result.State = FortressStarting
		result.CreatedAt = existing.CreatedAt
		result.HeartbeatAt = now.UTC()
		err = sqlitex.Execute(conn, `UPDATE fortresses SET state = ?, transport_mode = ?,
				local_address = ?, overlay_address = ?, overlay_key = COALESCE(?, overlay_key),
				message_ttl_ns = ?, pid = ?, heartbeat_at = ?
			WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{
				string(result.State), result.TransportMode, result.LocalAddress,
				result.OverlayAddress, sealedKey, int64(result.MessageTTL),
				int64(result.PID), now.UnixNano(), result.ID,
			},
		})
		if err != nil {
			return err
		}
		result.OverlayKey, err = s.openKey(conn, result.ID)
		return err
	})
	if err != nil {
		return FortressRecord{}, fmt.Errorf("store: claiming fortress %q: %w", claim.Name, err)
	}
	s.logger.Debug("fortress claimed", "name", result.Name, "id", result.ID)
	return result, nil
}

// UpdateFortressAddresses records where the fortress listens and the
// overlay key it published with.
func (s *Store) UpdateFortressAddresses(ctx context.Context, id, local, overlay string, overlayKey []byte) error {
	sealedKey, err := s.sealKey(overlayKey)
	if err != nil {
		return fmt.Errorf("store: updating fortress addresses: %w", err)
	}
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE fortresses
			SET local_address = ?, overlay_address = ?, overlay_key = COALESCE(?, overlay_key)
			WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{local, overlay, sealedKey, id},
		})
	})
	if err != nil {
		return fmt.Errorf("store: updating fortress addresses: %w", err)
	}
	return nil
}

// TransitionFortress moves fortress id to state to if its current state
// is one of from (any state when from is empty). Reports whether the
// transition happened.
func (s *Store) TransitionFortress(ctx context.Context, id string, to FortressState, from ...FortressState) (bool, error) {
	changed := false
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		existing, err := queryFortress(conn, "id = ?", id)
		if err != nil {
			return err
		}
		if len(from) > 0 && !slices.Contains(from, existing.State) {
			return nil
		}
		if err := sqlitex.Execute(conn, "UPDATE fortresses SET state = ?, heartbeat_at = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{string(to), s.nowNanos(), id}}); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store: fortress %s -> %s: %w", id, to, err)
	}
	return changed, nil
}

// Heartbeat refreshes the fortress's liveness timestamp and returns the
// current record, through which the serving process notices a stop
// requested by another process.
func (s *Store) Heartbeat(ctx context.Context, id string) (FortressRecord, error) {
	var record FortressRecord
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "UPDATE fortresses SET heartbeat_at = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{s.nowNanos(), id}}); err != nil {
			return err
		}
		var err error
		record, err = queryFortress(conn, "id = ?", id)
		return err
	})
	if err != nil {
		return FortressRecord{}, fmt.Errorf("store: heartbeat for fortress %s: %w", id, err)
	}
	return record, nil
}

// RequestFortressStop asks the process serving fortress name to stop by
// moving it to Stopping. A fortress whose process is gone (stale
// heartbeat) is marked Stopped directly. Stopping an already stopped
// fortress is a no-op. Returns the updated record.
func (s *Store) RequestFortressStop(ctx context.Context, name string, staleAfter time.Duration) (FortressRecord, error) {
	var record FortressRecord
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		var err error
		record, err = queryFortress(conn, "name = ?", name)
		if err != nil {
			return err
		}
		next := FortressStopping
		switch {
		case record.State == FortressStopped:
			return nil
		case !record.Live(s.clock.Now(), staleAfter):
			next = FortressStopped
		}
		record.State = next
		if err := sqlitex.Execute(conn, "UPDATE fortresses SET state = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{string(next), record.ID}}); err != nil {
			return err
		}
		if next == FortressStopped {
			return sqlitex.Execute(conn, "DELETE FROM sessions WHERE fortress_id = ?",
				&sqlitex.ExecOptions{Args: []any{record.ID}})
		}
		return nil
	})
	if err != nil {
		return FortressRecord{}, fmt.Errorf("store: stopping fortress %q: %w", name, err)
	}
	return record, nil
}

// GetFortress returns the fortress named name, or ErrNotFound.
func (s *Store) GetFortress(ctx context.Context, name string) (FortressRecord, error) {
	var record FortressRecord
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		record, err = queryFortress(conn, "name = ?", name)
		return err
	})
	if err != nil {
		return FortressRecord{}, fmt.Errorf("store: fortress %q: %w", name, err)
	}
	return record, nil
}

// ListFortresses returns every fortress ordered by name.
func (s *Store) ListFortresses(ctx context.Context) ([]FortressRecord, error) {
	var records []FortressRecord
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT "+fortressColumns+" FROM fortresses ORDER BY name",
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					records = append(records, scanFortress(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing fortresses: %w", err)
	}
	return records, nil
}

// DeleteFortress removes a fortress with its tokens and sessions.
func (s *Store) DeleteFortress(ctx context.Context, id string) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM fortresses WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{id}})
	})
	if err != nil {
		return fmt.Errorf("store: deleting fortress %s: %w", id, err)
	}
	return nil
}

