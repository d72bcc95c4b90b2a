// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers for the eddi binary.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with status 1. Used by
// main before the structured logger exists.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// ExitCoder is implemented by errors that carry their own exit status.
type ExitCoder interface {
	ExitCode() int
}

// Exit terminates the process for err: nil exits 0, an ExitCoder exits
// with its code silently, anything else goes through Fatal.
func Exit(err error) {
	if err == nil {
		os.Exit(0)
	}
	if coder, ok := err.(ExitCoder); ok {
		os.Exit(coder.ExitCode())
	}
	Fatal(err)
}
