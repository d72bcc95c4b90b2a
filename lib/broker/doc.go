// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the short-lived handshake listener that
// turns an out-of-band short code into a fortress access token.
//
// A broker is bound to one fortress and one namespace. It listens under
// an identifier derived from the namespace, the code and the current
// minute (see package discovery), so a client holding the code can find
// it without any directory. The code itself is never persisted.
//
// States move Listening → HandshakeComplete or Listening → Expired.
// A single-use broker (the default) completes after the first
// successful handshake and closes its listeners; a multi-use broker
// keeps issuing one token per handshake until its timeout. Every
// registration is removed from the state store when the broker ends.
package broker
