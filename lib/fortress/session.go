// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package fortress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddi-project/eddi/lib/instrument"
	"github.com/eddi-project/eddi/lib/netutil"
	"github.com/eddi-project/eddi/lib/protocol"
	"github.com/eddi-project/eddi/lib/store"
	"github.com/eddi-project/eddi/lib/transport"
)

// session is one authenticated client connection.
type session struct {
	id          string
	alias       string
	namespace   string
	token       string
	tokenHash   string
	tokenPrefix string
	tag         transport.Tag
	stream      *protocol.Stream
	cancel      context.CancelFunc
	logger      *slog.Logger

	terminateOnce sync.Once
}

// terminate tells the client why the session ends, then closes it.
// Safe to call from any goroutine, any number of times.
func (s *session) terminate(reason error) {
	s.terminateOnce.Do(func() {
		if reason != nil {
			s.stream.SendError(reason)
		}
		s.cancel()
		s.stream.Close()
	})
}

func (s *session) sender() Sender {
	return Sender{Namespace: s.namespace, Alias: s.alias, TokenHash: s.tokenHash}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, tag transport.Tag) {
	instrument.Connection(instrument.RoleFortress, string(tag))
	logger := s.logger.With("transport", tag)
	if peer, ok := transport.LocalPeer(conn); ok {
		logger = logger.With("peer_pid", peer.PID, "peer_uid", peer.UID)
	}

	stream := protocol.NewStream(conn)
	defer stream.Close()

	var hello protocol.Hello
	if err := stream.Receive(&hello, helloTimeout); err != nil {
		if !netutil.IsExpectedCloseError(err) {
			logger.Debug("reading hello failed", "error", err)
		}
		return
	}

	grant, err := s.registry.Validate(ctx, hello.Token)
	if err != nil {
		instrument.Session(instrument.OutcomeRejected)
		logger.Info("session rejected", "error", err)
		stream.SendError(err)
		return
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Shutdown and termination unblock a pending read by closing the
	// connection.
	stopClosing := context.AfterFunc(sessionCtx, func() { stream.Close() })
	defer stopClosing()
	active := &session{
		id:          uuid.NewString(),
		alias:       hello.Alias,
		namespace:   grant.Token.Namespace,
		token:       hello.Token,
		tokenHash:   grant.Token.Hash,
		tokenPrefix: grant.Token.Prefix,
		tag:         tag,
		stream:      stream,
		cancel:      cancel,
	}
	active.logger = logger.With("session", active.id, "token", active.tokenPrefix)

	s.addSession(ctx, active)
	defer s.removeSession(active)

	instrument.Session(instrument.OutcomeAccepted)
	active.logger.Info("session opened", "alias", active.alias, "namespace", active.namespace)
	if err := stream.SendResponse(protocol.HelloResult{
		SessionID: active.id,
		Fortress:  s.config.Name,
		Namespace: active.namespace,
	}); err != nil {
		return
	}

	s.serveSession(sessionCtx, active)
	active.logger.Info("session closed")
}

func (s *Server) addSession(ctx context.Context, active *session) {
	s.mu.Lock()
	s.sessions[active.id] = active
	s.mu.Unlock()

	err := s.store.AddSession(ctx, store.SessionRecord{
		ID:          active.id,
		FortressID:  s.record.ID,
		Alias:       active.alias,
		TokenHash:   active.tokenHash,
		TokenPrefix: active.tokenPrefix,
		Transport:   string(active.tag),
		ConnectedAt: s.config.Clock.Now(),
	})
	if err != nil {
		active.logger.Warn("recording session failed", "error", err)
	}
}

func (s *Server) removeSession(active *session) {
	s.mu.Lock()
	delete(s.sessions, active.id)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RemoveSession(ctx, active.id); err != nil {
		active.logger.Debug("removing session record failed", "error", err)
	}
}

// serveSession answers requests until the client disconnects, the
// session is terminated, or a listen stream ends.
func (s *Server) serveSession(ctx context.Context, active *session) {
	for {
		var request protocol.Request
		if err := active.stream.Receive(&request, 0); err != nil {
			if ctx.Err() == nil && !netutil.IsExpectedCloseError(err) {
				active.logger.Debug("reading request failed", "error", err)
			}
			return
		}

		// Every request re-checks the token, so a revocation made by
		// another process takes effect without waiting for the watcher.
		if _, err := s.registry.Validate(ctx, active.token); err != nil {
			active.terminate(err)
			return
		}

		switch request.Action {
		case protocol.ActionListen:
			s.streamMessages(ctx, active)
			return
		default:
			result, err := s.dispatch(active, request)
			if err != nil {
				active.logger.Debug("request failed", "action", request.Action, "error", err)
				if active.stream.SendError(err) != nil {
					return
				}
				continue
			}
			if active.stream.SendResponse(result) != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(active *session, request protocol.Request) (any, error) {
	switch request.Action {
	case protocol.ActionSend:
		message, err := s.queue.Send(active.sender(), request.Content)
		if err != nil {
			return nil, err
		}
		active.logger.Debug("message queued", "id", message.ID, "bytes", len(message.Content))
		return protocol.SendResult{ID: message.ID}, nil

	case protocol.ActionReceive:
		var since time.Time
		if request.Since != 0 {
			since = time.Unix(0, request.Since)
		}
		messages, next, more := s.queue.ReceivePage(since, s.excludeFor(active), request.After, ReceiveBudget)
		instrument.Messages(instrument.MessageDelivered, len(messages))
		if messages == nil {
			messages = []protocol.Message{}
		}
		return protocol.ReceiveResult{Messages: messages, Next: next, More: more}, nil

	case protocol.ActionPing:
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unknown action %q", protocol.ErrInvalidRequest, request.Action)
	}
}

// excludeFor is the token hash whose messages active must not see.
func (s *Server) excludeFor(active *session) string {
	if s.config.IncludeSender {
		return ""
	}
	return active.tokenHash
}

// streamMessages pushes every message that arrives after the listen
// request as its own Response frame until the client hangs up or the
// session is terminated.
func (s *Server) streamMessages(ctx context.Context, active *session) {
	cursor := s.queue.Cursor()
	if err := active.stream.SendResponse(nil); err != nil {
		return
	}

	// A listening client sends nothing more; any read result means it
	// went away.
	go func() {
		var discard protocol.Request
		active.stream.Receive(&discard, 0)
		active.cancel()
	}()

	exclude := s.excludeFor(active)
	for {
		messages, next, err := s.queue.Wait(ctx, cursor, exclude)
		if err != nil {
			return
		}
		cursor = next

		if _, err := s.registry.Validate(ctx, active.token); err != nil {
			active.terminate(err)
			return
		}
		for _, message := range messages {
			if err := active.stream.SendResponse(message); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					active.logger.Debug("delivering message failed", "error", err)
				}
				return
			}
		}
		instrument.Messages(instrument.MessageDelivered, len(messages))
	}
}
