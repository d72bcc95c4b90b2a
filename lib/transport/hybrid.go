// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/eddi-project/eddi/lib/protocol"
)

// Config describes the listeners Listen brings up.
type Config struct {
	Mode Mode
	// LocalPath is the Unix socket path. Required when Mode uses the
	// local transport.
	LocalPath string
	// Overlay publishes the overlay listener. Required when Mode uses
	// the overlay transport.
	Overlay Overlay
	// OverlaySeed is the 32-byte seed of the overlay address.
	OverlaySeed []byte
	Logger      *slog.Logger
}

// Hybrid is a set of tagged listeners served as one.
type Hybrid struct {
	listeners  []taggedListener
	local      string
	overlay    string
	localErr   error
	overlayErr error
	logger     *slog.Logger

	closeOnce sync.Once
	active    sync.WaitGroup
}

type taggedListener struct {
	tag      Tag
	listener net.Listener
}

// Listen binds the listeners config.Mode asks for. Any failure in a
// single-transport mode is returned as a *protocol.TransportError. In
// ModeHybrid a failure of either transport is logged and recorded (see
// LocalErr and OverlayErr) and the other serves alone; Listen fails only
// when neither comes up.
func Listen(ctx context.Context, config Config) (*Hybrid, error) {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if !config.Mode.UsesLocal() && !config.Mode.UsesOverlay() {
		return nil, fmt.Errorf("transport: unknown mode %q", config.Mode)
	}
	hybrid := &Hybrid{logger: config.Logger}

	if config.Mode.UsesLocal() {
		if config.LocalPath == "" {
			return nil, fmt.Errorf("transport: %s mode needs a local socket path", config.Mode)
		}
		listener, err := ListenLocal(config.LocalPath)
		if err != nil {
			err := &protocol.TransportError{Transport: string(TagLocal), Op: "listen", Err: err}
			if config.Mode != ModeHybrid {
				return nil, err
			}
			hybrid.localErr = err
			config.Logger.Warn("local socket unavailable, continuing on overlay transport only", "error", err)
		} else {
			hybrid.listeners = append(hybrid.listeners, taggedListener{tag: TagLocal, listener: listener})
			hybrid.local = config.LocalPath
		}
	}

	if config.Mode.UsesOverlay() {
		err := hybrid.publishOverlay(ctx, config)
		if err != nil {
			if config.Mode != ModeHybrid {
				hybrid.Close()
				return nil, err
			}
			hybrid.overlayErr = err
			if hybrid.localErr == nil {
				config.Logger.Warn("overlay unavailable, continuing on local transport only", "error", err)
			}
		}
	}

	if len(hybrid.listeners) == 0 {
		return nil, errors.Join(hybrid.localErr, hybrid.overlayErr)
	}
	return hybrid, nil
}

func (h *Hybrid) publishOverlay(ctx context.Context, config Config) error {
	if config.Overlay == nil {
		return &protocol.TransportError{Transport: string(TagOverlay), Op: "publish", Err: errors.New("no overlay configured")}
	}
	listener, address, err := config.Overlay.Publish(ctx, config.OverlaySeed)
	if err != nil {
		return &protocol.TransportError{Transport: string(TagOverlay), Op: "publish", Err: err}
	}
	h.listeners = append(h.listeners, taggedListener{tag: TagOverlay, listener: listener})
	h.overlay = address
	return nil
}

// LocalAddress is the Unix socket path, empty if not listening locally.
func (h *Hybrid) LocalAddress() string { return h.local }

// OverlayAddress is the published overlay address, empty if the
// overlay is not serving.
func (h *Hybrid) OverlayAddress() string { return h.overlay }

// LocalErr is why the local socket is not serving in hybrid mode, or nil.
func (h *Hybrid) LocalErr() error { return h.localErr }

// OverlayErr is why the overlay is not serving in hybrid mode, or nil.
func (h *Hybrid) OverlayErr() error { return h.overlayErr }

// Tags lists the transports that are serving.
func (h *Hybrid) Tags() []Tag {
	tags := make([]Tag, 0, len(h.listeners))
	for _, entry := range h.listeners {
		tags = append(tags, entry.tag)
	}
	return tags
}

// Serve accepts connections on every listener and runs handler for each
// in its own goroutine. It blocks until ctx is cancelled or Close is
// called, then closes the listeners and waits for running handlers to
// return.
func (h *Hybrid) Serve(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		h.Close()
	}()

	var loops sync.WaitGroup
	for _, entry := range h.listeners {
		loops.Add(1)
		go func() {
			defer loops.Done()
			h.acceptLoop(ctx, entry, handler)
		}()
	}
	loops.Wait()
	cancel()
	h.active.Wait()
	return nil
}

func (h *Hybrid) acceptLoop(ctx context.Context, entry taggedListener, handler Handler) {
	for {
		conn, err := entry.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.Error("accept failed", "transport", entry.tag, "error", err)
			continue
		}
		h.active.Add(1)
		go func() {
			defer h.active.Done()
			handler(ctx, conn, entry.tag)
		}()
	}
}

// Close closes every listener. Serve returns once running handlers
// finish.
func (h *Hybrid) Close() error {
	var errs []error
	h.closeOnce.Do(func() {
		for _, entry := range h.listeners {
			if err := entry.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
