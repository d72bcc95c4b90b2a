// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"

	"github.com/eddi-project/eddi/lib/protocol"
)

// Dialer connects to fortresses and brokers, preferring the local
// socket when one exists on this host.
type Dialer struct {
	// Overlay is used when no local socket is available. Nil disables
	// overlay dialing.
	Overlay Overlay
}

// Dial connects to whichever of local and overlay is reachable. local is
// a Unix socket path and overlay an overlay address; either may be
// empty. The local socket is tried first when its file exists. The
// returned error matches protocol.ErrTransportUnavailable.
func (d *Dialer) Dial(ctx context.Context, local, overlay string) (net.Conn, Tag, error) {
	var errs []error
	if LocalAvailable(local) {
		conn, err := DialLocal(ctx, local)
		if err == nil {
			return conn, TagLocal, nil
		}
		errs = append(errs, &protocol.TransportError{Transport: string(TagLocal), Op: "dial", Err: err})
	}
	if overlay != "" && d.Overlay != nil {
		conn, err := d.Overlay.Dial(ctx, overlay)
		if err == nil {
			return conn, TagOverlay, nil
		}
		errs = append(errs, &protocol.TransportError{Transport: string(TagOverlay), Op: "dial", Err: err})
	}
	if len(errs) == 0 {
		return nil, "", &protocol.TransportError{Transport: "any", Op: "dial", Err: errors.New("no reachable address")}
	}
	return nil, "", errors.Join(errs...)
}

// DialAddress dials a fortress address.
func (d *Dialer) DialAddress(ctx context.Context, address protocol.FortressAddress) (net.Conn, Tag, error) {
	return d.Dial(ctx, address.Local, address.Overlay)
}
