// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/eddi-project/eddi/lib/clock"
	"github.com/eddi-project/eddi/lib/discovery"
	"github.com/eddi-project/eddi/lib/fortress"
	"github.com/eddi-project/eddi/lib/instrument"
	"github.com/eddi-project/eddi/lib/netutil"
	"github.com/eddi-project/eddi/lib/protocol"
	"github.com/eddi-project/eddi/lib/store"
	"github.com/eddi-project/eddi/lib/transport"
)

// Defaults for Config fields left zero.
const (
	DefaultTimeout      = 120 * time.Second
	DefaultPollInterval = time.Second
)

// handshakeTimeout bounds how long a connected client may take to send
// its request.
const handshakeTimeout = 30 * time.Second

// Config holds the parameters for Start.
type Config struct {
	// Fortress is the name of the fortress tokens are minted for.
	Fortress  string
	Namespace string
	// Code is the short code to listen for. Empty generates one.
	Code string
	// Timeout is how long the broker accepts handshakes.
	Timeout time.Duration
	// MultiUse keeps the broker listening after a successful handshake.
	MultiUse bool
	// PollInterval is how often the broker checks the store for an
	// operator stop.
	PollInterval time.Duration
	// StaleAfter is the fortress heartbeat age beyond which the
	// fortress is considered gone.
	StaleAfter time.Duration

	Mode     transport.Mode
	StateDir string
	Overlay  transport.Overlay

	Store  *store.Store
	Clock  clock.Clock
	Logger *slog.Logger

	// afterMint runs between minting a token and delivering it.
	afterMint func(*Broker)
}

// Broker is a listening handshake endpoint.
type Broker struct {
	config    Config
	logger    *slog.Logger
	store     *store.Store
	registry  *fortress.Registry
	hybrid    *transport.Hybrid
	derivedID discovery.ID
	code      string
	createdAt time.Time
	expiresAt time.Time

	// Digests of the normalized namespace and code, compared in
	// constant time against each request.
	namespaceDigest [sha256.Size]byte
	codeDigest      [sha256.Size]byte

	expiry *clock.Timer
	done   chan struct{}

	mu         sync.Mutex
	state      store.BrokerState
	claimed    bool
	handshakes int
	endReason  string
}

// Start validates the fortress, derives the broker identifier, brings up
// its listeners, registers it in the store and arms the expiry timer.
//
// Fails with protocol.ErrFortressUnavailable if the fortress is not
// running and protocol.ErrStateStoreConflict if a broker with the same
// identifier is already listening.
func Start(ctx context.Context, config Config) (*Broker, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("broker: no state store")
	}
	namespace := discovery.NormalizeNamespace(config.Namespace)
	if namespace == "" {
		return nil, fmt.Errorf("%w: namespace is required", protocol.ErrInvalidRequest)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = fortress.DefaultStaleAfter
	}
	if config.Mode == "" {
		config.Mode = transport.ModeHybrid
	}
	if config.Clock == nil {
		config.Clock = config.Store.Clock()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	code := config.Code
	if code == "" {
		generated, err := discovery.GenerateCode()
		if err != nil {
			return nil, err
		}
		code = generated
	}
	if err := discovery.ValidateCode(code); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidRequest, err)
	}
	code = discovery.NormalizeCode(code)

	target, err := config.Store.GetFortress(ctx, config.Fortress)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: fortress %q does not exist", protocol.ErrFortressUnavailable, config.Fortress)
	}
	if err != nil {
		return nil, err
	}
	now := config.Clock.Now()
	if target.State != store.FortressRunning || !target.Live(now, config.StaleAfter) {
		return nil, fmt.Errorf("%w: fortress %q is not running", protocol.ErrFortressUnavailable, config.Fortress)
	}

	derivedID := discovery.DeriveID(namespace, code, now)
	logger := config.Logger.With("broker", derivedID, "fortress", config.Fortress)
	broker := &Broker{
		config:          config,
		logger:          logger,
		store:           config.Store,
		registry:        fortress.NewRegistry(config.Store, config.Fortress, config.StaleAfter),
		derivedID:       derivedID,
		code:            code,
		createdAt:       now,
		expiresAt:       now.Add(config.Timeout),
		namespaceDigest: sha256.Sum256([]byte(namespace)),
		codeDigest:      sha256.Sum256([]byte(code)),
		done:            make(chan struct{}),
		state:           store.BrokerListening,
	}

	seed := discovery.OverlaySeed(derivedID)
	hybrid, err := transport.Listen(ctx, transport.Config{
		Mode:        config.Mode,
		LocalPath:   transport.BrokerSocketPath(config.StateDir, string(derivedID)),
		Overlay:     config.Overlay,
		OverlaySeed: seed[:],
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if hybrid.LocalErr() != nil {
		instrument.TransportFailure(string(transport.TagLocal))
	}
	if hybrid.OverlayErr() != nil {
		instrument.TransportFailure(string(transport.TagOverlay))
	}
	broker.hybrid = hybrid

	err = config.Store.RegisterBroker(ctx, store.BrokerRecord{
		DerivedID:      string(derivedID),
		FortressName:   config.Fortress,
		Namespace:      namespace,
		State:          store.BrokerListening,
		TransportMode:  string(config.Mode),
		LocalAddress:   hybrid.LocalAddress(),
		OverlayAddress: hybrid.OverlayAddress(),
		MultiUse:       config.MultiUse,
		PID:            os.Getpid(),
		CreatedAt:      broker.createdAt,
		ExpiresAt:      broker.expiresAt,
	})
	if err != nil {
		hybrid.Close()
		return nil, err
	}

	broker.expiry = config.Clock.AfterFunc(config.Timeout, func() {
		broker.finish(store.BrokerExpired, "timeout")
	})
	logger.Info("broker listening",
		"namespace", namespace,
		"expires_at", broker.expiresAt,
		"multi_use", config.MultiUse,
		"transports", hybrid.Tags(),
	)
	return broker, nil
}

// Code returns the short code in display form ("XXX-YYY").
func (b *Broker) Code() string { return discovery.FormatCode(b.code) }

// DerivedID returns the identifier the broker listens under.
func (b *Broker) DerivedID() discovery.ID { return b.derivedID }

// ExpiresAt returns when the broker stops accepting handshakes.
func (b *Broker) ExpiresAt() time.Time { return b.expiresAt }

// LocalAddress is the broker's Unix socket path, if any.
func (b *Broker) LocalAddress() string { return b.hybrid.LocalAddress() }

// OverlayAddress is the broker's onion address, if published.
func (b *Broker) OverlayAddress() string { return b.hybrid.OverlayAddress() }

// State returns the current state.
func (b *Broker) State() store.BrokerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Handshakes returns the number of successful handshakes.
func (b *Broker) Handshakes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handshakes
}

// Done is closed when the broker has ended.
func (b *Broker) Done() <-chan struct{} { return b.done }

// EndReason says why the broker ended: "handshake complete", "timeout",
// "stopped" or "cancelled". Empty while running.
func (b *Broker) EndReason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endReason
}

// Run serves handshakes until the broker ends: a single-use handshake
// completes, the timeout fires, an operator stops it through the store,
// or ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	served := make(chan struct{})
	go func() {
		defer close(served)
		b.hybrid.Serve(ctx, b.handleConnection)
	}()

	ticker := b.config.Clock.NewTicker(b.config.PollInterval)
	defer ticker.Stop()
	for running := true; running; {
		select {
		case <-ctx.Done():
			b.finish(store.BrokerExpired, "cancelled")
			running = false
		case <-b.done:
			running = false
		case <-ticker.C:
			b.poll(ctx)
		}
	}
	<-served
	return nil
}

// poll ends the broker when its registration was stopped or removed by
// another process.
func (b *Broker) poll(ctx context.Context) {
	record, err := b.store.GetBroker(ctx, string(b.derivedID))
	if errors.Is(err, store.ErrNotFound) {
		b.finish(store.BrokerExpired, "stopped")
		return
	}
	if err != nil {
		b.logger.Warn("reading broker registration failed", "error", err)
		return
	}
	// A stop pulls expires_at forward; the broker's own timeout is
	// handled by its timer.
	if record.ExpiresAt.Before(b.expiresAt) && !record.ExpiresAt.After(b.config.Clock.Now()) {
		b.finish(store.BrokerExpired, "stopped")
	}
}

// finish moves the broker to a terminal state exactly once, closes its
// listeners and removes its registration.
func (b *Broker) finish(state store.BrokerState, reason string) {
	b.mu.Lock()
	if b.endReason != "" {
		b.mu.Unlock()
		return
	}
	b.state = state
	b.endReason = reason
	b.mu.Unlock()

	b.expiry.Stop()
	b.hybrid.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.store.RemoveBroker(ctx, string(b.derivedID)); err != nil {
		b.logger.Warn("removing broker registration failed", "error", err)
	}
	b.logger.Info("broker ended", "state", state, "reason", reason, "handshakes", b.Handshakes())
	close(b.done)
}

// matches compares a request against the broker's namespace and code in
// constant time.
func (b *Broker) matches(request protocol.HandshakeRequest) bool {
	namespaceDigest := sha256.Sum256([]byte(discovery.NormalizeNamespace(request.Namespace)))
	codeDigest := sha256.Sum256([]byte(discovery.NormalizeCode(request.Code)))
	namespaceOK := subtle.ConstantTimeCompare(namespaceDigest[:], b.namespaceDigest[:])
	codeOK := subtle.ConstantTimeCompare(codeDigest[:], b.codeDigest[:])
	return namespaceOK&codeOK == 1
}

// claim reserves the right to complete a handshake. In single-use mode
// only one claim can be outstanding or completed.
func (b *Broker) claim() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != store.BrokerListening || b.endReason != "" {
		return false
	}
	if b.config.MultiUse {
		return true
	}
	if b.claimed {
		return false
	}
	b.claimed = true
	return true
}

func (b *Broker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.claimed = false
}

func (b *Broker) handleConnection(ctx context.Context, conn net.Conn, tag transport.Tag) {
	instrument.Connection(instrument.RoleBroker, string(tag))
	logger := b.logger.With("transport", tag)

	stream := protocol.NewStream(conn)
	defer stream.Close()

	var request protocol.HandshakeRequest
	if err := stream.Receive(&request, handshakeTimeout); err != nil {
		if !netutil.IsExpectedCloseError(err) {
			logger.Debug("reading handshake failed", "error", err)
		}
		return
	}

	// The same generic rejection for a wrong code and a used broker,
	// so a guesser learns nothing about which it hit.
	if !b.matches(request) || !b.claim() {
		instrument.Handshake(instrument.OutcomeRejected)
		logger.Info("handshake rejected")
		b.reply(stream, protocol.HandshakeResponse{}, protocol.ErrHandshakeRejected)
		return
	}

	token, record, err := b.registry.Register(ctx, discovery.NormalizeNamespace(request.Namespace), b.code)
	if err == nil && b.config.afterMint != nil {
		b.config.afterMint(b)
	}
	var address protocol.FortressAddress
	if err == nil {
		var target store.FortressRecord
		target, err = b.store.GetFortress(ctx, b.config.Fortress)
		address = target.Address()
	}
	if err != nil {
		if !b.config.MultiUse {
			b.release()
		}
		instrument.Handshake(instrument.OutcomeFailed)
		logger.Warn("minting token failed", "error", err)
		b.reply(stream, protocol.HandshakeResponse{}, err)
		return
	}

	// The broker may have expired or been stopped while the token was
	// minted. A token issued by an ended broker must not be delivered.
	if b.ended() {
		b.revoke(ctx, token, logger)
		instrument.Handshake(instrument.OutcomeRejected)
		logger.Info("handshake rejected", "reason", "broker ended while minting", "token", record.Prefix)
		b.reply(stream, protocol.HandshakeResponse{}, protocol.ErrHandshakeRejected)
		return
	}

	if err := b.reply(stream, protocol.HandshakeResponse{OK: true, Fortress: address, Token: token}, nil); err != nil {
		// The token exists but the client never saw it; it cannot be
		// used and is harmless. Single-use brokers still complete.
		logger.Warn("delivering token failed", "error", err)
	}
	instrument.Handshake(instrument.OutcomeAccepted)
	logger.Info("handshake complete", "token", record.Prefix)
	b.completed(ctx)
}

func (b *Broker) ended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endReason != ""
}

// revoke withdraws a token that was minted but will not be delivered.
func (b *Broker) revoke(ctx context.Context, token string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := b.registry.Revoke(ctx, token); err != nil {
		logger.Warn("revoking undelivered token failed", "error", err)
	}
}

// completed records a successful handshake and ends a single-use broker.
func (b *Broker) completed(ctx context.Context) {
	b.mu.Lock()
	b.handshakes++
	handshakes := b.handshakes
	b.mu.Unlock()

	if !b.config.MultiUse {
		if err := b.store.UpdateBroker(ctx, string(b.derivedID), store.BrokerHandshakeComplete, handshakes); err != nil {
			b.logger.Debug("recording handshake failed", "error", err)
		}
		b.finish(store.BrokerHandshakeComplete, "handshake complete")
		return
	}
	if err := b.store.UpdateBroker(ctx, string(b.derivedID), store.BrokerListening, handshakes); err != nil {
		b.logger.Debug("recording handshake failed", "error", err)
	}
}

func (b *Broker) reply(stream *protocol.Stream, response protocol.HandshakeResponse, err error) error {
	if err != nil {
		response = protocol.HandshakeResponse{
			OK:        false,
			Error:     err.Error(),
			ErrorCode: protocol.ErrorCode(err),
		}
		if errors.Is(err, protocol.ErrHandshakeRejected) {
			response.Error = "handshake rejected"
		}
	}
	return stream.Send(response)
}
