// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries broker and fortress connections over two
// kinds of network: a local Unix socket for processes on the same host,
// and an anonymizing overlay for everything else.
//
// Every connection is tagged with the transport it arrived on ([Tag]).
// [Listen] brings up the listeners a [Mode] asks for and returns a
// [Hybrid] whose Serve fans connections from all of them into one
// handler. When the mode is [ModeHybrid] and the overlay cannot be
// published, the failure is logged and the local listener serves alone.
//
// The overlay is abstracted behind [Overlay]. [TorOverlay] publishes v3
// onion services through a Tor control port and dials through Tor's
// SOCKS5 port. [MemoryOverlay] is an in-process registry for tests that
// derives the same onion addresses without a Tor daemon.
//
// Overlay addresses are a pure function of a 32-byte seed
// ([OnionAddress]), so a broker's address can be computed by anyone who
// knows its derived id, and a fortress keeps its address across restarts
// by persisting its seed.
package transport
