// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package operator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eddi-project/eddi/lib/store"
	"github.com/eddi-project/eddi/lib/transport"
)

// CleanupReport is what Cleanup removed.
type CleanupReport struct {
	store.CleanupReport
	RemovedSockets []string `json:"removed_sockets,omitempty"`
}

// Cleanup tidies state left by processes that died: inactive broker
// registrations, stale fortresses, orphaned sessions and socket files
// nobody listens on. With force, stopped fortresses and their tokens
// are deleted as well.
func (o *Operator) Cleanup(ctx context.Context, force bool) (CleanupReport, error) {
	storeReport, err := o.store.Cleanup(ctx, o.settings.Store.StaleAfter, force)
	if err != nil {
		return CleanupReport{}, err
	}
	report := CleanupReport{CleanupReport: storeReport}

	brokers, err := o.store.ListBrokers(ctx, false)
	if err != nil {
		return report, err
	}
	activeBrokers := make(map[string]bool, len(brokers))
	for _, broker := range brokers {
		activeBrokers[broker.DerivedID] = true
	}

	fortresses, err := o.store.ListFortresses(ctx)
	if err != nil {
		return report, err
	}
	now := o.clock.Now()
	liveFortresses := make(map[string]bool, len(fortresses))
	for _, record := range fortresses {
		if record.Live(now, o.settings.Store.StaleAfter) {
			liveFortresses[record.ID] = true
		}
	}

	for _, sweep := range []struct {
		dir    string
		active map[string]bool
	}{
		{filepath.Join(o.settings.Paths.State, "brokers"), activeBrokers},
		{filepath.Join(o.settings.Paths.State, "fortresses"), liveFortresses},
	} {
		removed, err := removeDeadSockets(ctx, sweep.dir, sweep.active)
		report.RemovedSockets = append(report.RemovedSockets, removed...)
		if err != nil {
			return report, err
		}
	}

	o.logger.Info("cleanup complete",
		"expired_brokers", report.ExpiredBrokers,
		"stale_fortresses", report.StaleFortresses,
		"orphaned_sessions", report.OrphanedSessions,
		"deleted_fortresses", len(report.DeletedFortresses),
		"removed_sockets", len(report.RemovedSockets),
	)
	return report, nil
}

// removeDeadSockets deletes the sockets in dir whose owner is not in
// active and which refuse connections.
func removeDeadSockets(ctx context.Context, dir string, active map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, entry := range entries {
		id, isSocket := strings.CutSuffix(entry.Name(), ".sock")
		if !isSocket || active[id] {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if listening(ctx, path) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed = append(removed, path)
	}
	return removed, nil
}

func listening(ctx context.Context, path string) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	conn, err := transport.DialLocal(ctx, path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
