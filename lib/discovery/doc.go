// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery computes where an ephemeral broker listens without
// the broker ever advertising an address.
//
// A broker's identifier is a pure function of the namespace, the short
// code and the minute it was created in:
//
//	id = hex(SHA-256(namespace || uint64_le(bucket) || code)[:16])
//	bucket = floor(unix_seconds / 60) * 60
//
// The namespace is trimmed and lower-cased and the code is upper-cased
// with separators removed before hashing, so "h7k-9m3" and "H7K9M3"
// name the same broker.
//
// A client does not know which minute the broker was created in, and
// its clock may disagree with the broker's. [Candidates] therefore
// produces 2w+1 identifiers covering w minutes either side of now, in
// nearest-to-now order: the current minute first, then one minute in
// the past, one in the future, two in the past, and so on. Past
// buckets are tried before their future twins because a broker is
// normally created before the code is shared. [Search] walks that
// order and stops at the first identifier that resolves.
//
// Identifiers map to transport addresses elsewhere: lib/transport
// turns one into a Unix socket path and into a deterministic onion
// service key.
package discovery
