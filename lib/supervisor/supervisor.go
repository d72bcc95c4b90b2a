// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor runs a web application bound to a Unix socket and
// publishes it as an onion service.
//
// The application is started as a child process told to listen on a
// socket path. Once the socket accepts connections the supervisor
// publishes an overlay listener and bridges every inbound overlay
// connection to the socket. Stopping the supervisor sends the child
// SIGTERM, escalating to SIGKILL after a grace period, and removes the
// socket.
package supervisor

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/eddi-project/eddi/lib/instrument"
	"github.com/eddi-project/eddi/lib/netutil"
	"github.com/eddi-project/eddi/lib/protocol"
	"github.com/eddi-project/eddi/lib/transport"
)

// SocketPlaceholder in a command argument is replaced by the socket
// path. The path is also exported to the child as SocketEnvironment.
const (
	SocketPlaceholder = "{socket}"
	SocketEnvironment = "EDDI_APP_SOCKET"
)

// DefaultCommand serves app:app with gunicorn on the socket.
var DefaultCommand = []string{"gunicorn", "--workers", "2", "--bind", "unix:" + SocketPlaceholder, "app:app"}

// Defaults for Config fields left zero.
const (
	DefaultReadyTimeout = 30 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

// Config holds the parameters for Start.
type Config struct {
	// AppDir is the child's working directory.
	AppDir string
	// Command is the child's argv. Empty uses DefaultCommand.
	Command []string
	// Env is appended to the supervisor's environment for the child.
	Env []string
	// SocketPath is where the child listens.
	SocketPath string
	// KeyPath holds the onion service key so the address survives
	// restarts. It is created when missing. Empty uses a fresh key.
	KeyPath string

	ReadyTimeout time.Duration
	StopTimeout  time.Duration

	Overlay transport.Overlay
	Logger  *slog.Logger
}

// Supervisor is a running child application and its overlay listener.
type Supervisor struct {
	config  Config
	logger  *slog.Logger
	command *exec.Cmd
	exited  chan struct{}
	waitErr error
	hybrid  *transport.Hybrid
}

// Start spawns the child, waits until its socket accepts connections
// and publishes the overlay listener. The child is terminated if any
// step fails.
func Start(ctx context.Context, config Config) (*Supervisor, error) {
	if config.SocketPath == "" {
		return nil, errors.New("supervisor: socket path is required")
	}
	if config.Overlay == nil {
		return nil, &protocol.TransportError{Transport: string(transport.TagOverlay), Op: "publish", Err: errors.New("no overlay configured")}
	}
	if len(config.Command) == 0 {
		config.Command = DefaultCommand
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = DefaultReadyTimeout
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = DefaultStopTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	seed, err := loadOrCreateKey(config.KeyPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(config.SocketPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(config.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}

	supervisor := &Supervisor{
		config: config,
		logger: config.Logger.With("socket", config.SocketPath),
		exited: make(chan struct{}),
	}
	if err := supervisor.spawn(); err != nil {
		return nil, err
	}
	if err := supervisor.waitReady(ctx); err != nil {
		supervisor.terminate()
		return nil, err
	}

	hybrid, err := transport.Listen(ctx, transport.Config{
		Mode:        transport.ModeOverlay,
		Overlay:     config.Overlay,
		OverlaySeed: seed,
		Logger:      supervisor.logger,
	})
	if err != nil {
		supervisor.terminate()
		return nil, err
	}
	supervisor.hybrid = hybrid
	supervisor.logger.Info("application published", "address", hybrid.OverlayAddress(), "pid", supervisor.PID())
	return supervisor, nil
}

func (s *Supervisor) spawn() error {
	argv := make([]string, len(s.config.Command))
	for index, argument := range s.config.Command {
		argv[index] = strings.ReplaceAll(argument, SocketPlaceholder, s.config.SocketPath)
	}

	command := exec.Command(argv[0], argv[1:]...)
	command.Dir = s.config.AppDir
	command.Env = append(os.Environ(), SocketEnvironment+"="+s.config.SocketPath)
	command.Env = append(command.Env, s.config.Env...)
	command.Stdout = os.Stderr
	command.Stderr = os.Stderr
	// Own process group so terminal signals reach the supervisor only.
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := command.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", argv[0], err)
	}
	s.command = command
	s.logger.Info("application started", "command", argv, "pid", command.Process.Pid, "dir", s.config.AppDir)

	go func() {
		s.waitErr = command.Wait()
		close(s.exited)
	}()
	return nil
}

// waitReady polls the socket until it accepts a connection, the child
// exits or the ready timeout passes.
func (s *Supervisor) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if transport.LocalAvailable(s.config.SocketPath) {
			conn, err := transport.DialLocal(ctx, s.config.SocketPath)
			if err == nil {
				conn.Close()
				s.logger.Info("application ready")
				return nil
			}
		}
		select {
		case <-s.exited:
			return fmt.Errorf("application exited before listening on %s: %v", s.config.SocketPath, s.waitErr)
		case <-ctx.Done():
			return fmt.Errorf("application did not listen on %s within %s: %w",
				s.config.SocketPath, s.config.ReadyTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Address is the onion address the application is published under.
func (s *Supervisor) Address() string { return s.hybrid.OverlayAddress() }

// PID is the child's process id.
func (s *Supervisor) PID() int { return s.command.Process.Pid }

// Exited is closed when the child exits.
func (s *Supervisor) Exited() <-chan struct{} { return s.exited }

// Serve proxies overlay connections to the application until ctx is
// cancelled or the child exits, then stops the child. It returns an
// error when the child exited on its own.
func (s *Supervisor) Serve(ctx context.Context) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	served := make(chan struct{})
	go func() {
		defer close(served)
		s.hybrid.Serve(serveCtx, s.proxy)
	}()

	var result error
	select {
	case <-ctx.Done():
	case <-s.exited:
		result = fmt.Errorf("application exited: %v", s.waitErr)
	}

	s.hybrid.Close()
	cancel()
	<-served
	s.terminate()
	return result
}

func (s *Supervisor) proxy(ctx context.Context, inbound net.Conn, tag transport.Tag) {
	instrument.Connection(instrument.RoleApplication, string(tag))
	upstream, err := transport.DialLocal(ctx, s.config.SocketPath)
	if err != nil {
		s.logger.Warn("application unreachable", "error", err)
		inbound.Close()
		return
	}
	stop := context.AfterFunc(ctx, func() { inbound.Close() })
	defer stop()
	sent, received, err := netutil.Bridge(inbound, upstream)
	if err != nil {
		s.logger.Debug("proxied connection failed", "error", err)
	}
	s.logger.Debug("proxied connection closed", "sent", sent, "received", received)
}

// terminate sends SIGTERM to the child's process group, waits up to the
// stop timeout, then kills it, and removes the socket.
func (s *Supervisor) terminate() {
	defer os.Remove(s.config.SocketPath)

	select {
	case <-s.exited:
		return
	default:
	}
	pid := s.command.Process.Pid
	syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-s.exited:
		s.logger.Info("application stopped", "pid", pid)
	case <-time.After(s.config.StopTimeout):
		s.logger.Warn("application ignored SIGTERM, killing", "pid", pid)
		syscall.Kill(-pid, syscall.SIGKILL)
		<-s.exited
	}
}

// loadOrCreateKey reads a 32-byte overlay key from path, creating it
// with a random key when missing.
func loadOrCreateKey(path string) ([]byte, error) {
	if path == "" {
		seed := make([]byte, 32)
		_, err := rand.Read(seed)
		return seed, err
	}
	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != 32 {
			return nil, fmt.Errorf("overlay key %s: want 32 bytes, found %d", path, len(seed))
		}
		return seed, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading overlay key: %w", err)
	}

	seed = make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return nil, fmt.Errorf("writing overlay key: %w", err)
	}
	return seed, nil
}
