// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"time"

	"github.com/eddi-project/eddi/lib/codec"
)

// HandshakeRequest is the single frame a client sends to a broker.
type HandshakeRequest struct {
	Namespace string `cbor:"namespace"`
	Code      string `cbor:"code"`
}

// HandshakeResponse is the broker's single reply.
type HandshakeResponse struct {
	OK        bool            `cbor:"ok"`
	Error     string          `cbor:"error,omitempty"`
	ErrorCode string          `cbor:"error_code,omitempty"`
	Fortress  FortressAddress `cbor:"fortress"`
	Token     string          `cbor:"token,omitempty"`
}

// FortressAddress tells a client where a fortress listens. At least
// one of Local and Overlay is set.
type FortressAddress struct {
	Name string `cbor:"name"       json:"name"`
	// Local is the fortress's Unix socket path.
	Local string `cbor:"local,omitempty"   json:"local,omitempty"`
	// Overlay is the fortress's onion address including the port.
	Overlay string `cbor:"overlay,omitempty" json:"overlay,omitempty"`
}

// IsZero reports whether the address names no transport at all.
func (a FortressAddress) IsZero() bool {
	return a.Local == "" && a.Overlay == ""
}

// Hello opens a fortress session.
type Hello struct {
	Token string `cbor:"token"`
	Alias string `cbor:"alias,omitempty"`
}

// Fortress session actions.
const (
	ActionSend    = "send"
	ActionReceive = "receive"
	ActionListen  = "listen"
	ActionPing    = "ping"
)

// Request is a frame sent on an established fortress session.
type Request struct {
	Action  string `cbor:"action"`
	Content string `cbor:"content,omitempty"`
	// Since is a Unix nanosecond timestamp; zero means "everything".
	Since int64 `cbor:"since,omitempty"`
	// After continues a paged receive from ReceiveResult.Next.
	After uint64 `cbor:"after,omitempty"`
}

// Response answers a Hello or Request, and carries listen events.
type Response struct {
	OK        bool             `cbor:"ok"`
	Error     string           `cbor:"error,omitempty"`
	ErrorCode string           `cbor:"error_code,omitempty"`
	Data      codec.RawMessage `cbor:"data,omitempty"`
}

// Err converts a failure response into a *RemoteError, or nil.
func (r *Response) Err() error {
	if r.OK {
		return nil
	}
	return &RemoteError{Code: r.ErrorCode, Message: r.Error}
}

// Message is a queued broadcast as seen by clients. Times are Unix
// nanoseconds.
type Message struct {
	ID              string `cbor:"id"               json:"id"`
	SenderNamespace string `cbor:"sender_namespace" json:"sender_namespace"`
	SenderAlias     string `cbor:"sender_alias,omitempty" json:"sender_alias,omitempty"`
	Content         string `cbor:"content"          json:"content"`
	CreatedAt       int64  `cbor:"created_at"       json:"created_at"`
	ExpiresAt       int64  `cbor:"expires_at"       json:"expires_at"`
}

// Created returns CreatedAt as a time.Time.
func (m Message) Created() time.Time { return time.Unix(0, m.CreatedAt) }

// Expires returns ExpiresAt as a time.Time.
func (m Message) Expires() time.Time { return time.Unix(0, m.ExpiresAt) }

// SendResult is the data of a successful send.
type SendResult struct {
	ID string `cbor:"id"`
}

// ReceiveResult is the data of a successful receive.
type ReceiveResult struct {
	Messages []Message `cbor:"messages"`
	// Next is the cursor for the following page when More is set.
	Next uint64 `cbor:"next,omitempty"`
	More bool   `cbor:"more,omitempty"`
}

// HelloResult is the data of a successful hello.
type HelloResult struct {
	SessionID string `cbor:"session_id"`
	Fortress  string `cbor:"fortress"`
	Namespace string `cbor:"namespace"`
}
