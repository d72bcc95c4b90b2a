// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts the few secrets eddi keeps on disk: saved
// connection tokens and fortress overlay key seeds. It wraps
// filippo.io/age with a single x25519 identity per state database.
//
// The identity lives in an age identity file beside the database,
// created with mode 0600 by whichever process needs it first. Every
// process sharing the database loads the same file, so a secret sealed
// by one process opens in another.
//
// Key exports:
//
//   - [LoadOrCreate] -- read the identity file, generating it if absent
//   - [Identity.Seal] / [Identity.Open] -- binary ciphertext for BLOB columns
//   - [Identity.SealString] / [Identity.OpenString] -- base64 for TEXT columns
package sealed
