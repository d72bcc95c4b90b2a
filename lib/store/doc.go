// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the State Store: the durable, process-shared record
// of fortresses, access tokens, brokers, connected sessions and saved
// client connections. It is the only channel through which separately
// started fortress, broker and client processes observe each other.
//
// The store is a SQLite database under the eddi state directory,
// opened through lib/sqlitepool. Every process opens its own pool on
// the same file. Operations that read and then write (claiming a
// fortress name, minting a token against a running fortress, revoking)
// run inside BEGIN IMMEDIATE transactions, so a concurrent writer in
// another process either sees the complete result or waits for it.
// Readers never observe a half-written registration.
//
// Tokens are never stored in the clear. The tokens table holds the
// BLAKE3 hash of each token and an eight-character display prefix.
// Revocation sets revoked_at once and nothing clears it. The two
// secrets that must be recoverable, saved connection tokens and
// fortress overlay key seeds, are sealed with lib/sealed under an age
// identity file stored beside the database (see IdentityPath).
//
// Times are stored as Unix nanoseconds.
package store
