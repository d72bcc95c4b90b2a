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

// CleanupReport counts what Cleanup removed or repaired.
type CleanupReport struct {
	ExpiredBrokers     int      `json:"expired_brokers"`
	StaleFortresses    int      `json:"stale_fortresses"`
	OrphanedSessions   int      `json:"orphaned_sessions"`
	DeletedFortresses  []string `json:"deleted_fortresses,omitempty"`
	RevokedTokensPurge int      `json:"revoked_tokens_purged"`
}

// Cleanup removes state left behind by processes that exited without
// tidying up:
//
//   - broker registrations that are no longer active,
//   - fortresses whose heartbeat is stale are marked Stopped,
//   - sessions of fortresses that are not live.
//
// With force, stopped fortresses are deleted together with their
// tokens, and revoked tokens are purged. Without force tokens are kept
// so a restarted fortress still admits its clients.
func (s *Store) Cleanup(ctx context.Context, staleAfter time.Duration, force bool) (CleanupReport, error) {
	var report CleanupReport
	err := s.withImmediate(ctx, func(conn *sqlite.Conn) error {
		now := s.clock.Now()

		err := sqlitex.Execute(conn, "DELETE FROM brokers WHERE state != ? OR expires_at <= ?",
			&sqlitex.ExecOptions{Args: []any{string(BrokerListening), now.UnixNano()}})
		if err != nil {
			return err
		}
		report.ExpiredBrokers = conn.Changes()

		err = sqlitex.Execute(conn, "UPDATE fortresses SET state = ? WHERE state != ? AND heartbeat_at <= ?",
			&sqlitex.ExecOptions{Args: []any{
				string(FortressStopped), string(FortressStopped), now.Add(-staleAfter).UnixNano(),
			}})
		if err != nil {
			return err
		}
		report.StaleFortresses = conn.Changes()

		err = sqlitex.Execute(conn, `DELETE FROM sessions WHERE fortress_id IN
			(SELECT id FROM fortresses WHERE state = ?)`,
			&sqlitex.ExecOptions{Args: []any{string(FortressStopped)}})
		if err != nil {
			return err
		}
		report.OrphanedSessions = conn.Changes()

		if !force {
			return nil
		}

		err = sqlitex.Execute(conn, "SELECT name FROM fortresses WHERE state = ? ORDER BY name",
			&sqlitex.ExecOptions{
				Args: []any{string(FortressStopped)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					report.DeletedFortresses = append(report.DeletedFortresses, stmt.ColumnText(0))
					return nil
				},
			})
		if err != nil {
			return err
		}
		err = sqlitex.Execute(conn, "DELETE FROM fortresses WHERE state = ?",
			&sqlitex.ExecOptions{Args: []any{string(FortressStopped)}})
		if err != nil {
			return err
		}

		err = sqlitex.Execute(conn, "DELETE FROM tokens WHERE revoked_at IS NOT NULL", nil)
		if err != nil {
			return err
		}
		report.RevokedTokensPurge = conn.Changes()
		return nil
	})
	if err != nil {
		return CleanupReport{}, fmt.Errorf("store: cleanup: %w", err)
	}
	return report, nil
}
