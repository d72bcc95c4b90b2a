// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package fortress

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/eddi-project/eddi/lib/clock"
	"github.com/eddi-project/eddi/lib/instrument"
	"github.com/eddi-project/eddi/lib/protocol"
	"github.com/eddi-project/eddi/lib/store"
	"github.com/eddi-project/eddi/lib/transport"
)

// Defaults for Config fields left zero.
const (
	DefaultMessageTTL      = 5 * time.Minute
	DefaultMaxMessages     = 1000
	DefaultCleanupInterval = 30 * time.Second
	DefaultPollInterval    = time.Second
	DefaultStaleAfter      = 15 * time.Second
)

// helloTimeout bounds how long a new connection may take to present
// its token.
const helloTimeout = 30 * time.Second

// Config holds the parameters for Start.
type Config struct {
	Name string
	// MessageTTL is how long messages stay deliverable.
	MessageTTL  time.Duration
	MaxMessages int
	// IncludeSender delivers a session's own messages back to it.
	IncludeSender bool
	// CleanupInterval is the period of the background expiry sweep.
	CleanupInterval time.Duration
	// PollInterval is how often the fortress heartbeats, looks for a
	// stop request and re-checks the tokens of live sessions.
	PollInterval time.Duration
	// StaleAfter is how old a heartbeat may get before the fortress is
	// considered dead by other processes.
	StaleAfter time.Duration

	Mode     transport.Mode
	StateDir string
	Overlay  transport.Overlay

	Store  *store.Store
	Clock  clock.Clock
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MessageTTL <= 0 {
		c.MessageTTL = DefaultMessageTTL
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.Mode == "" {
		c.Mode = transport.ModeHybrid
	}
	if c.Clock == nil {
		c.Clock = c.Store.Clock()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Server is a running fortress: its listeners, token registry, message
// queue and connected sessions.
type Server struct {
	config   Config
	logger   *slog.Logger
	store    *store.Store
	registry *Registry
	queue    *Queue
	hybrid   *transport.Hybrid

	mu       sync.Mutex
	record   store.FortressRecord
	sessions map[string]*session
}

// Start claims the fortress name in the store, brings up its listeners
// and marks it Running. The fortress serves once Run is called.
//
// Start fails with protocol.ErrStateStoreConflict when a live fortress
// already holds the name, and with a protocol.TransportError when the
// configured transports cannot be brought up.
func Start(ctx context.Context, config Config) (*Server, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("%w: fortress name is required", protocol.ErrInvalidRequest)
	}
	if config.Store == nil {
		return nil, fmt.Errorf("fortress: no state store")
	}
	config.applyDefaults()
	logger := config.Logger.With("fortress", config.Name)

	record, err := config.Store.ClaimFortress(ctx, store.FortressRecord{
		Name:          config.Name,
		TransportMode: string(config.Mode),
		MessageTTL:    config.MessageTTL,
		PID:           os.Getpid(),
	}, config.StaleAfter)
	if err != nil {
		return nil, err
	}

	server := &Server{
		config:   config,
		logger:   logger,
		store:    config.Store,
		registry: NewRegistry(config.Store, config.Name, config.StaleAfter),
		queue: NewQueue(QueueConfig{
			TTL:         config.MessageTTL,
			MaxMessages: config.MaxMessages,
			Clock:       config.Clock,
			Logger:      logger,
		}),
		record:   record,
		sessions: make(map[string]*session),
	}

	if err := server.listen(ctx); err != nil {
		server.markStopped()
		return nil, err
	}
	logger.Info("fortress running",
		"id", server.record.ID,
		"local", server.record.LocalAddress,
		"overlay", server.record.OverlayAddress,
		"ttl", config.MessageTTL,
	)
	return server, nil
}

func (s *Server) listen(ctx context.Context) error {
	seed := s.record.OverlayKey
	if len(seed) != 32 {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return fmt.Errorf("generating overlay key: %w", err)
		}
	}

	hybrid, err := transport.Listen(ctx, transport.Config{
		Mode:        s.config.Mode,
		LocalPath:   transport.FortressSocketPath(s.config.StateDir, s.record.ID),
		Overlay:     s.config.Overlay,
		OverlaySeed: seed,
		Logger:      s.logger,
	})
	if err != nil {
		return err
	}
	if hybrid.LocalErr() != nil {
		instrument.TransportFailure(string(transport.TagLocal))
	}
	if hybrid.OverlayErr() != nil {
		instrument.TransportFailure(string(transport.TagOverlay))
	}

	if err := s.store.UpdateFortressAddresses(ctx, s.record.ID,
		hybrid.LocalAddress(), hybrid.OverlayAddress(), seed); err != nil {
		hybrid.Close()
		return err
	}
	if _, err := s.store.TransitionFortress(ctx, s.record.ID, store.FortressRunning, store.FortressStarting); err != nil {
		hybrid.Close()
		return err
	}

	s.hybrid = hybrid
	s.record.LocalAddress = hybrid.LocalAddress()
	s.record.OverlayAddress = hybrid.OverlayAddress()
	s.record.OverlayKey = seed
	s.record.State = store.FortressRunning
	return nil
}

// Record returns the fortress's registration as last seen.
func (s *Server) Record() store.FortressRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Address returns where clients reach the fortress.
func (s *Server) Address() protocol.FortressAddress {
	return s.Record().Address()
}

// LocalErr reports why the local socket is not serving in hybrid mode.
func (s *Server) LocalErr() error { return s.hybrid.LocalErr() }

// OverlayErr reports why the overlay is not serving in hybrid mode.
func (s *Server) OverlayErr() error { return s.hybrid.OverlayErr() }

// Registry returns the fortress's token registry.
func (s *Server) Registry() *Registry { return s.registry }

// Queue returns the fortress's message queue.
func (s *Server) Queue() *Queue { return s.queue }

// SessionCount returns the number of connected sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run serves until ctx is cancelled or a stop is requested through the
// store, then closes every session and listener and marks the fortress
// Stopped.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		s.queue.RunSweeper(ctx, s.config.CleanupInterval)
	}()
	go func() {
		defer background.Done()
		s.hybrid.Serve(ctx, s.handleConnection)
	}()

	ticker := s.config.Clock.NewTicker(s.config.PollInterval)
	reason := "context cancelled"
poll:
	for {
		select {
		case <-ctx.Done():
			break poll
		case <-ticker.C:
			if s.poll(ctx) {
				reason = "stop requested"
				break poll
			}
		}
	}
	ticker.Stop()

	s.logger.Info("fortress stopping", "reason", reason)
	s.transition(store.FortressStopping)
	cancel()
	s.hybrid.Close()
	s.terminateAll(fmt.Errorf("%w: fortress %q is shutting down", protocol.ErrFortressUnavailable, s.config.Name))
	background.Wait()
	s.markStopped()
	s.logger.Info("fortress stopped")
	return nil
}

// poll heartbeats, reports whether a stop was requested, and terminates
// sessions whose tokens are no longer valid.
func (s *Server) poll(ctx context.Context) (stop bool) {
	record, err := s.store.Heartbeat(ctx, s.record.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("fortress record removed from the state store")
			return true
		}
		s.logger.Warn("heartbeat failed", "error", err)
		return false
	}
	s.mu.Lock()
	s.record.State = record.State
	s.record.HeartbeatAt = record.HeartbeatAt
	s.mu.Unlock()
	if record.State == store.FortressStopping || record.State == store.FortressStopped {
		return true
	}
	s.revalidateSessions(ctx)
	return false
}

// revalidateSessions forcibly ends sessions whose token was revoked
// since they authenticated.
func (s *Server) revalidateSessions(ctx context.Context) {
	for _, active := range s.snapshotSessions() {
		if _, err := s.registry.Validate(ctx, active.token); err != nil {
			if !errors.Is(err, protocol.ErrTokenRejected) {
				continue
			}
			s.logger.Info("terminating session", "session", active.id, "token", active.tokenPrefix, "reason", err)
			active.terminate(err)
		}
	}
}

func (s *Server) snapshotSessions() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Collect(maps.Values(s.sessions))
}

func (s *Server) terminateAll(err error) {
	for _, active := range s.snapshotSessions() {
		active.terminate(err)
	}
}

func (s *Server) transition(to store.FortressState) {
	// The store may be shutting down with the process; use a fresh
	// context so the final state is still recorded.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.store.TransitionFortress(ctx, s.record.ID, to); err != nil {
		s.logger.Warn("recording fortress state failed", "state", to, "error", err)
	}
	s.mu.Lock()
	s.record.State = to
	s.mu.Unlock()
}

func (s *Server) markStopped() {
	s.transition(store.FortressStopped)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.ClearSessions(ctx, s.record.ID); err != nil {
		s.logger.Warn("clearing sessions failed", "error", err)
	}
}
