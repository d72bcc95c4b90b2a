// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// MemoryOverlay is an in-process Overlay for tests. Published listeners
// are kept in a map keyed by the same onion address Tor would assign, so
// code that derives addresses from seeds behaves as it does over Tor.
type MemoryOverlay struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
	// failPublish, when set, is returned by every Publish.
	failPublish error
}

var _ Overlay = (*MemoryOverlay)(nil)

// NewMemoryOverlay returns an empty in-process overlay.
func NewMemoryOverlay() *MemoryOverlay {
	return &MemoryOverlay{listeners: make(map[string]*memoryListener)}
}

// FailPublish makes every later Publish return err, simulating an
// unreachable overlay. A nil err restores normal behavior.
func (m *MemoryOverlay) FailPublish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPublish = err
}

func (m *MemoryOverlay) Address(seed []byte) (string, error) {
	host, err := OnionAddress(seed)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(DefaultVirtualPort)), nil
}

func (m *MemoryOverlay) Publish(_ context.Context, seed []byte) (net.Listener, string, error) {
	address, err := m.Address(seed)
	if err != nil {
		return nil, "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPublish != nil {
		return nil, "", m.failPublish
	}
	if _, exists := m.listeners[address]; exists {
		return nil, "", fmt.Errorf("overlay address %s already published", address)
	}
	listener := &memoryListener{
		overlay: m,
		address: address,
		conns:   make(chan net.Conn),
		done:    make(chan struct{}),
	}
	m.listeners[address] = listener
	return listener, address, nil
}

func (m *MemoryOverlay) Dial(ctx context.Context, address string) (net.Conn, error) {
	m.mu.Lock()
	listener, exists := m.listeners[address]
	m.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("dialing %s: no such overlay service", address)
	}

	client, server := net.Pipe()
	select {
	case listener.conns <- server:
		return client, nil
	case <-listener.done:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("dialing %s: %w", address, net.ErrClosed)
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

// Published reports whether address currently has a listener.
func (m *MemoryOverlay) Published(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.listeners[address]
	return exists
}

type memoryListener struct {
	overlay   *MemoryOverlay
	address   string
	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (l *memoryListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *memoryListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.overlay.mu.Lock()
		if l.overlay.listeners[l.address] == l {
			delete(l.overlay.listeners, l.address)
		}
		l.overlay.mu.Unlock()
	})
	return nil
}

func (l *memoryListener) Addr() net.Addr { return memoryAddr(l.address) }

type memoryAddr string

func (a memoryAddr) Network() string { return "memory" }
func (a memoryAddr) String() string  { return string(a) }
