// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by eddi tests: bounded channel
// waits and short socket directories.
package testutil
