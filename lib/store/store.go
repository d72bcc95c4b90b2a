// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/eddi-project/eddi/lib/clock"
	"github.com/eddi-project/eddi/lib/sealed"
	"github.com/eddi-project/eddi/lib/sqlitepool"
)

// ErrNotFound is returned when a named record does not exist.
var ErrNotFound = errors.New("not found")

// Config holds the parameters for Open.
type Config struct {
	// Path is the database file.
	Path string
	// Clock supplies timestamps. Defaults to clock.Real().
	Clock clock.Clock
	// Logger defaults to a discarding logger.
	Logger *slog.Logger
	// Identity seals secrets kept in the database. Defaults to the
	// identity file at IdentityPath(Path), created on first use.
	Identity *sealed.Identity
}

// IdentityPath returns the sealing identity file for the database at
// databasePath.
func IdentityPath(databasePath string) string {
	return databasePath + ".key"
}

// Store is the shared state database. Safe for concurrent use.
type Store struct {
	pool     *sqlitepool.Pool
	clock    clock.Clock
	logger   *slog.Logger
	identity *sealed.Identity
}

const schema = `
CREATE TABLE IF NOT EXISTS fortresses (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL UNIQUE,
	state           TEXT NOT NULL,
	transport_mode  TEXT NOT NULL,
	local_address   TEXT NOT NULL DEFAULT '',
	overlay_address TEXT NOT NULL DEFAULT '',
	overlay_key     BLOB,
	message_ttl_ns  INTEGER NOT NULL,
	pid             INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	heartbeat_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tokens (
	hash        TEXT PRIMARY KEY,
	prefix      TEXT NOT NULL,
	fortress_id TEXT NOT NULL REFERENCES fortresses(id) ON DELETE CASCADE,
	namespace   TEXT NOT NULL,
	code        TEXT NOT NULL DEFAULT '',
	issued_at   INTEGER NOT NULL,
	revoked_at  INTEGER
);
CREATE INDEX IF NOT EXISTS tokens_by_fortress ON tokens (fortress_id);

CREATE TABLE IF NOT EXISTS brokers (
	derived_id      TEXT PRIMARY KEY,
	fortress_name   TEXT NOT NULL,
	namespace       TEXT NOT NULL,
	state           TEXT NOT NULL,
	transport_mode  TEXT NOT NULL,
	local_address   TEXT NOT NULL DEFAULT '',
	overlay_address TEXT NOT NULL DEFAULT '',
	multi_use       INTEGER NOT NULL DEFAULT 0,
	handshakes      INTEGER NOT NULL DEFAULT 0,
	pid             INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	expires_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	fortress_id  TEXT NOT NULL REFERENCES fortresses(id) ON DELETE CASCADE,
	alias        TEXT NOT NULL DEFAULT '',
	token_hash   TEXT NOT NULL,
	token_prefix TEXT NOT NULL,
	transport    TEXT NOT NULL,
	connected_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_by_fortress ON sessions (fortress_id);

CREATE TABLE IF NOT EXISTS connections (
	alias           TEXT PRIMARY KEY,
	fortress_name   TEXT NOT NULL,
	local_address   TEXT NOT NULL DEFAULT '',
	overlay_address TEXT NOT NULL DEFAULT '',
	token           TEXT NOT NULL,
	namespace       TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);
`

// Open opens (creating if needed) the database at config.Path and
// applies the schema.
func Open(ctx context.Context, config Config) (*Store, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Identity == nil {
		identity, err := sealed.LoadOrCreate(IdentityPath(config.Path))
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		config.Identity = identity
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   config.Path,
		Logger: config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	store := &Store{pool: pool, clock: config.Clock, logger: config.Logger, identity: config.Identity}
	if err := store.applySchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) applySchema(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Clock returns the clock the store timestamps with.
func (s *Store) Clock() clock.Clock { return s.clock }

// withConn runs fn on a pooled connection.
func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// withImmediate runs fn inside a BEGIN IMMEDIATE transaction. The
// transaction commits iff fn returns nil.
func (s *Store) withImmediate(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer endTransaction(&err)
		return fn(conn)
	})
}

func (s *Store) nowNanos() int64 {
	return s.clock.Now().UnixNano()
}

func fromNanos(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

func boolInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}
