// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands assembles the eddi command tree. Each command opens
// an [operator.Operator] over the configured state directory, performs
// one operation and prints the result as text or, with --json, as JSON.
//
// Long-running commands (fortress create, broker create, serve) block
// until the context is cancelled or their role ends, and expose
// Prometheus metrics when metrics.address is configured.
package commands
