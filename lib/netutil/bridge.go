// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"io"
	"net"
)

// Bridge copies bytes in both directions between inbound and upstream
// until either side finishes, then closes both. It returns the total
// bytes moved each way and the first unexpected error.
func Bridge(inbound, upstream net.Conn) (sent, received int64, err error) {
	type result struct {
		inboundToUpstream bool
		bytes             int64
		err               error
	}
	done := make(chan result, 2)

	go func() {
		copied, copyErr := io.Copy(upstream, inbound)
		done <- result{inboundToUpstream: true, bytes: copied, err: copyErr}
	}()
	go func() {
		copied, copyErr := io.Copy(inbound, upstream)
		done <- result{bytes: copied, err: copyErr}
	}()

	first := <-done
	inbound.Close()
	upstream.Close()
	second := <-done

	for _, outcome := range []result{first, second} {
		if outcome.inboundToUpstream {
			sent = outcome.bytes
		} else {
			received = outcome.bytes
		}
	}
	if first.err != nil && !IsExpectedCloseError(first.err) {
		err = first.err
	}
	return sent, received, err
}
