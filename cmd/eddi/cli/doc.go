// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for the eddi CLI.
//
// The central type is [Command], which represents a named subcommand
// with optional nested [Command.Subcommands], a parameter struct bound
// to pflag through struct tags, and a Run function. The tree is closed:
// every command is a value assembled in cmd/eddi/commands and
// dispatched by name through [Command.Execute], which handles flag
// parsing, subcommand routing and help output with examples.
//
// When a user types an unknown subcommand or flag, the framework
// computes Levenshtein edit distance against all known names and
// suggests the closest match (threshold: distance <= 3).
//
// Errors returned by commands are [ToolError] values carrying an
// [ErrorCategory], which selects the process exit status.
package cli
