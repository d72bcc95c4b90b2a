// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines what travels over eddi connections and the
// error taxonomy shared by every role.
//
// # Broker handshake
//
// One exchange per connection. The client writes a [HandshakeRequest]
// carrying the namespace and short code; the broker answers with a
// [HandshakeResponse] carrying the fortress address and a freshly
// minted access token, or a generic rejection. A rejection never says
// which of namespace or code was wrong.
//
// # Fortress session
//
// A session starts with a [Hello] frame holding the access token and
// the client's alias. The fortress answers with a [Response]. After a
// successful hello the client sends [Request] frames (send, receive,
// ping) and reads one Response per request. A listen request turns the
// connection into a one-way stream of Response frames whose data is a
// [Message]; the stream ends with a failure Response when the fortress
// terminates the session (token revoked, fortress stopping).
//
// Frames are CBOR items written with lib/codec. CBOR is
// self-delimiting, so frames follow each other without length
// prefixes; [Stream] bounds the size of each decoded frame.
//
// # Errors
//
// Sentinel errors ([ErrBrokerNotFound], [ErrHandshakeRejected],
// [ErrTokenRejected], [ErrFortressUnavailable], [ErrStateStoreConflict],
// [ErrTransportUnavailable]) are matched with errors.Is. Failures that
// cross the wire carry a stable code; [RemoteError] maps a received code
// back onto its sentinel so callers match remote and local failures the
// same way.
package protocol
