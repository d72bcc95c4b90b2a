// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration shared by every eddi
// wire protocol: the broker handshake, the fortress session protocol,
// and its streamed listen events.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2) so that
// equal values produce equal bytes. The decoder is configured for
// untrusted peers: brokers and fortresses accept connections from
// anyone who can reach them, so nesting depth, array lengths and map
// sizes are bounded well below what a legitimate message needs.
//
// CBOR items are self-delimiting, so a stream of values on one
// connection needs no extra framing. NewEncoder and NewDecoder are the
// streaming entry points used by lib/protocol.
package codec
