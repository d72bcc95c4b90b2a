// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrBrokerNotFound means no candidate identifier in the discovery
	// window resolved to a live broker. Retryable: widen the window or
	// check clock synchronization.
	ErrBrokerNotFound = errors.New("no broker found within the discovery window")

	// ErrHandshakeRejected covers a wrong namespace or code and a broker
	// that has already completed its handshake. Deliberately vague.
	ErrHandshakeRejected = errors.New("handshake rejected")

	// ErrTokenRejected means the token is unknown or revoked. Terminal
	// for that token.
	ErrTokenRejected = errors.New("access token rejected")

	// ErrFortressUnavailable means the target fortress is not Running.
	ErrFortressUnavailable = errors.New("fortress unavailable")

	// ErrStateStoreConflict means a registration collided with an
	// existing record, for example a live fortress with the same name.
	ErrStateStoreConflict = errors.New("state store conflict")

	// ErrTransportUnavailable is matched by every *TransportError.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrInvalidRequest marks malformed frames and bad parameters.
	ErrInvalidRequest = errors.New("invalid request")
)

// Wire codes for the sentinel errors.
const (
	CodeBrokerNotFound       = "broker_not_found"
	CodeHandshakeRejected    = "handshake_rejected"
	CodeTokenRejected        = "token_rejected"
	CodeFortressUnavailable  = "fortress_unavailable"
	CodeStateStoreConflict   = "state_store_conflict"
	CodeTransportUnavailable = "transport_unavailable"
	CodeInvalidRequest       = "invalid_request"
	CodeInternal             = "internal"
)

var sentinelCodes = []struct {
	err  error
	code string
}{
	{ErrBrokerNotFound, CodeBrokerNotFound},
	{ErrHandshakeRejected, CodeHandshakeRejected},
	{ErrTokenRejected, CodeTokenRejected},
	{ErrFortressUnavailable, CodeFortressUnavailable},
	{ErrStateStoreConflict, CodeStateStoreConflict},
	{ErrTransportUnavailable, CodeTransportUnavailable},
	{ErrInvalidRequest, CodeInvalidRequest},
}

// ErrorCode returns the wire code for err, or CodeInternal when err
// matches no sentinel.
func ErrorCode(err error) string {
	for _, entry := range sentinelCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}

// RemoteError is a failure reported by the peer. errors.Is matches it
// against the sentinel named by its code.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is reports whether target is the sentinel for e.Code.
func (e *RemoteError) Is(target error) bool {
	for _, entry := range sentinelCodes {
		if entry.err == target {
			return entry.code == e.Code
		}
	}
	return false
}

// TransportError reports that one transport failed to bind or connect.
// In hybrid mode the other transport may still be serving.
type TransportError struct {
	// Transport is "local" or "overlay".
	Transport string
	// Op is what failed: "listen", "publish", "dial".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport unavailable: %s: %v", e.Transport, e.Op, e.Err)
}

// Unwrap exposes both ErrTransportUnavailable and the cause.
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransportUnavailable, e.Err}
}
