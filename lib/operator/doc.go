// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package operator implements eddi's exposed operations on top of the
// state store: creating and stopping fortresses and brokers, the
// client's discover-handshake-connect flow with saved connections,
// revocation, status and cleanup.
//
// An [Operator] is cheap and holds no goroutines of its own. Fortresses
// and brokers it creates are returned to the caller, which runs them
// for as long as the process should serve. Operations that only read or
// change records (list, stop, revoke, status, cleanup) work from any
// process that shares the state directory.
package operator
