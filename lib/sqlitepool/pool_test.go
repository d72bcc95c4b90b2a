// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/eddi-project/eddi/lib/sqlitepool"
)

func openPool(t *testing.T, path string) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: 2,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn,
				"CREATE TABLE IF NOT EXISTS counters (name TEXT PRIMARY KEY, value INTEGER NOT NULL)", nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestOpenAppliesPragmas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	pool := openPool(t, path)

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	var journalMode string
	err = sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			journalMode = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("database mode = %o, want 600", mode)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// Two pools on one file stand in for two eddi processes. Immediate
// transactions must serialize their read-modify-write cycles.
func TestConcurrentPoolsSerializeWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	pools := []*sqlitepool.Pool{openPool(t, path), openPool(t, path)}

	const incrementsPerWorker = 25
	var wg sync.WaitGroup
	errs := make(chan error, len(pools)*2)
	for worker := range len(pools) * 2 {
		pool := pools[worker%len(pools)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range incrementsPerWorker {
				if err := increment(pool); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("increment: %v", err)
	}

	conn, err := pools[0].Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pools[0].Put(conn)
	var value int64
	err = sqlitex.Execute(conn, "SELECT value FROM counters WHERE name = 'hits'", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if want := int64(len(pools) * 2 * incrementsPerWorker); value != want {
		t.Fatalf("counter = %d, want %d", value, want)
	}
}

func increment(pool *sqlitepool.Pool) (err error) {
	conn, err := pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer endTransaction(&err)

	var current int64
	err = sqlitex.Execute(conn, "SELECT value FROM counters WHERE name = 'hits'", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			current = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return err
	}
	return sqlitex.Execute(conn,
		"INSERT INTO counters (name, value) VALUES ('hits', ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{Args: []any{current + 1}})
}
