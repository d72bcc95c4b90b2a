// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package client finds brokers, performs handshakes and holds fortress
// sessions.
//
// [Client.DiscoverAndHandshake] derives the candidate broker identifiers
// for a namespace and code, tries each in nearest-to-now order on the
// local socket directory and the overlay, and exchanges the code for a
// fortress address and access token. [Client.Connect] opens a
// [Session] on a fortress with that token.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/eddi-project/eddi/lib/clock"
	"github.com/eddi-project/eddi/lib/discovery"
	"github.com/eddi-project/eddi/lib/protocol"
	"github.com/eddi-project/eddi/lib/transport"
)

// responseTimeout bounds the wait for a handshake or request reply.
const responseTimeout = 30 * time.Second

// Config holds the parameters for New.
type Config struct {
	// StateDir is where local broker sockets live. Empty disables
	// local discovery.
	StateDir string
	// Overlay is used to reach brokers and fortresses that are not on
	// this host. Nil disables the overlay.
	Overlay transport.Overlay
	// DialTimeout bounds each connection attempt during discovery.
	DialTimeout time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Client discovers brokers and connects to fortresses.
type Client struct {
	config Config
	dialer *transport.Dialer
	logger *slog.Logger
}

// New returns a client.
func New(config Config) *Client {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		config: config,
		dialer: &transport.Dialer{Overlay: config.Overlay},
		logger: config.Logger,
	}
}

// Introduction is what a successful handshake yields.
type Introduction struct {
	Fortress protocol.FortressAddress `json:"fortress"`
	Token    string                   `json:"-"`
	// BrokerID is the identifier of the broker that answered.
	BrokerID discovery.ID `json:"broker_id"`
	// Offset is how many minutes the broker's bucket was from ours.
	Offset int `json:"offset"`
}

// brokerConn is a connection to a broker found during discovery.
type brokerConn struct {
	conn net.Conn
	tag  transport.Tag
}

// DiscoverAndHandshake searches the 2*window+1 candidate identifiers for
// a listening broker and performs the handshake with the first one
// found. Errors match protocol.ErrBrokerNotFound when no candidate
// answers, and protocol.ErrHandshakeRejected or
// protocol.ErrFortressUnavailable when the broker refuses.
func (c *Client) DiscoverAndHandshake(ctx context.Context, namespace, code string, window int) (Introduction, error) {
	if discovery.NormalizeNamespace(namespace) == "" {
		return Introduction{}, fmt.Errorf("%w: namespace is required", protocol.ErrInvalidRequest)
	}
	if err := discovery.ValidateCode(code); err != nil {
		return Introduction{}, fmt.Errorf("%w: %v", protocol.ErrInvalidRequest, err)
	}
	if window > discovery.MaxWindow {
		return Introduction{}, fmt.Errorf("%w: window %d exceeds %d", protocol.ErrInvalidRequest, window, discovery.MaxWindow)
	}

	candidates := discovery.Candidates(namespace, code, c.config.Clock.Now(), window)
	found, candidate, err := discovery.Search(ctx, candidates, c.lookupBroker)
	if err != nil {
		return Introduction{}, err
	}
	c.logger.Debug("broker found", "id", candidate.ID, "offset", candidate.Offset, "transport", found.tag)

	stream := protocol.NewStream(found.conn)
	defer stream.Close()
	if err := stream.Send(protocol.HandshakeRequest{Namespace: namespace, Code: code}); err != nil {
		return Introduction{}, &protocol.TransportError{Transport: string(found.tag), Op: "handshake", Err: err}
	}
	var response protocol.HandshakeResponse
	if err := stream.Receive(&response, responseTimeout); err != nil {
		return Introduction{}, &protocol.TransportError{Transport: string(found.tag), Op: "handshake", Err: err}
	}
	if !response.OK {
		return Introduction{}, &protocol.RemoteError{Code: response.ErrorCode, Message: response.Error}
	}
	if response.Token == "" || response.Fortress.IsZero() {
		return Introduction{}, fmt.Errorf("%w: broker returned an incomplete introduction", protocol.ErrHandshakeRejected)
	}
	return Introduction{
		Fortress: response.Fortress,
		Token:    response.Token,
		BrokerID: candidate.ID,
		Offset:   candidate.Offset,
	}, nil
}

// lookupBroker tries the local socket for the candidate, then its
// overlay address.
func (c *Client) lookupBroker(ctx context.Context, candidate discovery.Candidate) (brokerConn, bool, error) {
	var local, overlay string
	if c.config.StateDir != "" {
		local = transport.BrokerSocketPath(c.config.StateDir, string(candidate.ID))
	}
	if c.config.Overlay != nil {
		seed := discovery.OverlaySeed(candidate.ID)
		address, err := c.config.Overlay.Address(seed[:])
		if err != nil {
			return brokerConn{}, false, err
		}
		overlay = address
	}
	if !transport.LocalAvailable(local) && overlay == "" {
		return brokerConn{}, false, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()
	conn, tag, err := c.dialer.Dial(dialCtx, local, overlay)
	if err != nil {
		// An unpublished onion address is an ordinary miss.
		c.logger.Debug("candidate unreachable", "id", candidate.ID, "offset", candidate.Offset, "error", err)
		return brokerConn{}, false, nil
	}
	return brokerConn{conn: conn, tag: tag}, true, nil
}

// Connect opens a session on the fortress at address, preferring its
// local socket when present. alias labels the session in the fortress's
// client list. Fails with protocol.ErrTokenRejected or
// protocol.ErrFortressUnavailable when the fortress refuses, and with an
// error matching protocol.ErrTransportUnavailable when it is
// unreachable.
func (c *Client) Connect(ctx context.Context, address protocol.FortressAddress, token, alias string) (*Session, error) {
	conn, tag, err := c.dialer.DialAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	stream := protocol.NewStream(conn)
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	if err := stream.Send(protocol.Hello{Token: token, Alias: alias}); err != nil {
		stream.Close()
		return nil, &protocol.TransportError{Transport: string(tag), Op: "hello", Err: err}
	}
	var response protocol.Response
	if err := stream.Receive(&response, responseTimeout); err != nil {
		stream.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &protocol.TransportError{Transport: string(tag), Op: "hello", Err: err}
	}
	if err := response.Err(); err != nil {
		stream.Close()
		return nil, err
	}
	var hello protocol.HelloResult
	if err := decodeData(response, &hello); err != nil {
		stream.Close()
		return nil, err
	}
	c.logger.Debug("session opened", "fortress", hello.Fortress, "session", hello.SessionID, "transport", tag)
	return &Session{stream: stream, tag: tag, hello: hello, address: address}, nil
}

// IsTerminal reports whether err means retrying with the same token is
// pointless.
func IsTerminal(err error) bool {
	return errors.Is(err, protocol.ErrTokenRejected)
}
