// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads eddi's configuration file.
//
// Configuration comes from a single file named by a --config flag (via
// [LoadFile]) or the EDDI_CONFIG environment variable (via [Load]).
// When neither names a file, [Load] returns [Default]. There is no
// search path and environment variables do not override individual
// values.
//
// Files are YAML. Files ending in .json or .jsonc are JSON with
// comments and trailing commas allowed; they are normalized to plain
// JSON before decoding, which YAML accepts unchanged.
//
// Path fields support ${HOME}, ${EDDI_STATE} and ${VAR:-default}
// expansion after loading. Durations are Go duration strings ("5m",
// "30s").
//
// This package depends on no other eddi packages.
package config
