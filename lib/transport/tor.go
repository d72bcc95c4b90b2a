// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cretz/bine/control"
	"golang.org/x/net/proxy"
)

// DefaultVirtualPort is the onion-service port brokers and fortresses
// publish on when none is configured.
const DefaultVirtualPort = 7667

// TorConfig locates a running Tor daemon.
type TorConfig struct {
	// ControlAddress is the control port, "host:port".
	ControlAddress string
	// ControlPassword is used for HASHEDPASSWORD authentication. Empty
	// selects cookie or null authentication, whichever Tor offers.
	ControlPassword string
	// SocksAddress is Tor's SOCKS5 port, "host:port".
	SocksAddress string
	// VirtualPort is the onion-service port. Zero selects
	// DefaultVirtualPort.
	VirtualPort int
	// DialTimeout bounds control-port and SOCKS connection setup.
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// TorOverlay publishes onion services through the Tor control port and
// dials them through Tor's SOCKS5 proxy.
type TorOverlay struct {
	config TorConfig
	logger *slog.Logger
}

var _ Overlay = (*TorOverlay)(nil)

// NewTorOverlay returns an overlay backed by the Tor daemon in config.
// No connection is made until Publish or Dial.
func NewTorOverlay(config TorConfig) *TorOverlay {
	if config.VirtualPort == 0 {
		config.VirtualPort = DefaultVirtualPort
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &TorOverlay{config: config, logger: config.Logger}
}

// Address returns "<onion>:<virtual port>" for seed.
func (t *TorOverlay) Address(seed []byte) (string, error) {
	host, err := OnionAddress(seed)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(t.config.VirtualPort)), nil
}

// onionKey is an ED25519-V3 key for ADD_ONION.
type onionKey struct{ blob string }

func (k onionKey) Type() control.KeyType { return control.KeyTypeED25519V3 }
func (k onionKey) Blob() string          { return k.blob }

// Publish binds a loopback TCP listener and asks Tor to forward the
// onion service for seed to it. The control connection stays open for
// the listener's lifetime; closing the listener removes the service.
func (t *TorOverlay) Publish(ctx context.Context, seed []byte) (net.Listener, string, error) {
	address, err := t.Address(seed)
	if err != nil {
		return nil, "", err
	}

	var listenConfig net.ListenConfig
	local, err := listenConfig.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", fmt.Errorf("binding onion target: %w", err)
	}

	conn, err := t.controlConn(ctx)
	if err != nil {
		local.Close()
		return nil, "", err
	}

	expanded := expandedKey(seed)
	response, err := conn.AddOnion(&control.AddOnionRequest{
		Key:   onionKey{blob: base64.StdEncoding.EncodeToString(expanded[:])},
		Ports: []*control.KeyVal{control.NewKeyVal(strconv.Itoa(t.config.VirtualPort), local.Addr().String())},
	})
	if err != nil {
		conn.Close()
		local.Close()
		return nil, "", fmt.Errorf("ADD_ONION: %w", err)
	}

	host, _, _ := net.SplitHostPort(address)
	if want := strings.TrimSuffix(host, ".onion"); response.ServiceID != want {
		conn.DelOnion(response.ServiceID)
		conn.Close()
		local.Close()
		return nil, "", fmt.Errorf("tor published %s.onion, expected %s", response.ServiceID, host)
	}

	t.logger.Info("onion service published", "address", address, "target", local.Addr().String())
	return &onionListener{Listener: local, control: conn, serviceID: response.ServiceID}, address, nil
}

func (t *TorOverlay) controlConn(ctx context.Context) (*control.Conn, error) {
	dialer := net.Dialer{Timeout: t.config.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", t.config.ControlAddress)
	if err != nil {
		return nil, fmt.Errorf("connecting to tor control port %s: %w", t.config.ControlAddress, err)
	}
	conn := control.NewConn(textproto.NewConn(raw))
	if err := conn.Authenticate(t.config.ControlPassword); err != nil {
		conn.Close()
		return nil, fmt.Errorf("authenticating to tor control port: %w", err)
	}
	return conn, nil
}

// Dial connects to an onion address through Tor's SOCKS5 port.
func (t *TorOverlay) Dial(ctx context.Context, address string) (net.Conn, error) {
	socks, err := proxy.SOCKS5("tcp", t.config.SocksAddress, nil, &net.Dialer{Timeout: t.config.DialTimeout})
	if err != nil {
		return nil, fmt.Errorf("configuring tor socks proxy: %w", err)
	}
	contextDialer, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("tor socks dialer does not support contexts")
	}
	conn, err := contextDialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s through tor: %w", address, err)
	}
	return conn, nil
}

// onionListener removes its onion service when closed.
type onionListener struct {
	net.Listener
	control   *control.Conn
	serviceID string
	closeOnce sync.Once
	closeErr  error
}

func (l *onionListener) Close() error {
	l.closeOnce.Do(func() {
		l.control.DelOnion(l.serviceID)
		l.control.Close()
		l.closeErr = l.Listener.Close()
	})
	return l.closeErr
}
