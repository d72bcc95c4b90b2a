// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Mode selects which transports a broker or fortress listens on.
type Mode string

const (
	ModeLocal   Mode = "local"
	ModeOverlay Mode = "overlay"
	ModeHybrid  Mode = "hybrid"
)

// ParseMode parses a mode name. The empty string selects ModeHybrid.
func ParseMode(value string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(value))); mode {
	case "":
		return ModeHybrid, nil
	case ModeLocal, ModeOverlay, ModeHybrid:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown transport mode %q (want local, overlay or hybrid)", value)
	}
}

// UsesLocal reports whether the mode includes the local transport.
func (m Mode) UsesLocal() bool { return m == ModeLocal || m == ModeHybrid }

// UsesOverlay reports whether the mode includes the overlay transport.
func (m Mode) UsesOverlay() bool { return m == ModeOverlay || m == ModeHybrid }

// Tag identifies the transport a connection arrived on.
type Tag string

const (
	TagLocal   Tag = "local"
	TagOverlay Tag = "overlay"
)

func (t Tag) String() string { return string(t) }

// Handler serves one accepted connection. It owns conn and must close
// it. ctx is cancelled when the serving Hybrid shuts down.
type Handler func(ctx context.Context, conn net.Conn, tag Tag)

// Overlay publishes listeners on, and dials through, an anonymizing
// network. Addresses are "host:port" strings whose host is derived from
// the publishing seed.
type Overlay interface {
	// Publish makes a listener reachable at Address(seed) until the
	// returned listener is closed.
	Publish(ctx context.Context, seed []byte) (net.Listener, string, error)

	// Address returns the address Publish(seed) is reachable at,
	// without publishing anything.
	Address(seed []byte) (string, error)

	// Dial connects to a published address.
	Dial(ctx context.Context, address string) (net.Conn, error)
}
