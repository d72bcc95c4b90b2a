// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/eddi-project/eddi/lib/codec"
	"github.com/eddi-project/eddi/lib/protocol"
	"github.com/eddi-project/eddi/lib/transport"
)

// ErrSessionClosed is returned by requests on a closed session or one
// that has switched to listening.
var ErrSessionClosed = errors.New("session closed")

// Session is an authenticated connection to a fortress. Requests are
// serialized. Cancelling the context of a request in flight closes the
// session.
type Session struct {
	stream  *protocol.Stream
	tag     transport.Tag
	hello   protocol.HelloResult
	address protocol.FortressAddress

	mu     sync.Mutex
	closed bool
}

// ID is the fortress-assigned session identifier.
func (s *Session) ID() string { return s.hello.SessionID }

// Fortress is the name of the connected fortress.
func (s *Session) Fortress() string { return s.hello.Fortress }

// Namespace is the namespace the token was issued to.
func (s *Session) Namespace() string { return s.hello.Namespace }

// Transport is the transport the session runs over.
func (s *Session) Transport() transport.Tag { return s.tag }

// Address is the fortress address the session was opened on.
func (s *Session) Address() protocol.FortressAddress { return s.address }

// Send broadcasts content to the fortress and returns the message id.
func (s *Session) Send(ctx context.Context, content string) (string, error) {
	var result protocol.SendResult
	if err := s.request(ctx, protocol.Request{Action: protocol.ActionSend, Content: content}, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// Receive returns live messages created after since, oldest first. A
// zero since returns every live message. The fortress replies in pages;
// Receive requests them until the queue is drained.
func (s *Session) Receive(ctx context.Context, since time.Time) ([]protocol.Message, error) {
	request := protocol.Request{Action: protocol.ActionReceive}
	if !since.IsZero() {
		request.Since = since.UnixNano()
	}
	var messages []protocol.Message
	for {
		var result protocol.ReceiveResult
		if err := s.request(ctx, request, &result); err != nil {
			return nil, err
		}
		messages = append(messages, result.Messages...)
		if !result.More {
			return messages, nil
		}
		request.After = result.Next
	}
}

// Ping checks that the session is still accepted.
func (s *Session) Ping(ctx context.Context) error {
	return s.request(ctx, protocol.Request{Action: protocol.ActionPing}, nil)
}

func (s *Session) request(ctx context.Context, request protocol.Request, target any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	stop := context.AfterFunc(ctx, func() { s.stream.Close() })
	defer stop()

	if err := s.stream.Send(request); err != nil {
		return s.failLocked(ctx, "send", err)
	}
	var response protocol.Response
	if err := s.stream.Receive(&response, responseTimeout); err != nil {
		return s.failLocked(ctx, "receive", err)
	}
	if err := response.Err(); err != nil {
		if errors.Is(err, protocol.ErrTokenRejected) || errors.Is(err, protocol.ErrFortressUnavailable) {
			// The fortress ends the session after these.
			s.closeLocked()
		}
		return err
	}
	if target == nil {
		return nil
	}
	return decodeData(response, target)
}

// failLocked closes the session after an I/O failure and describes it.
func (s *Session) failLocked(ctx context.Context, op string, err error) error {
	s.closeLocked()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &protocol.TransportError{Transport: string(s.tag), Op: op, Err: err}
}

// Listen switches the session to streaming and yields each message that
// arrives at the fortress from now on. Iteration ends when ctx is
// cancelled (without an error), when the loop body stops, or after
// yielding the error that ended the stream, such as a revoked token.
// The session is closed when iteration ends.
func (s *Session) Listen(ctx context.Context) iter.Seq2[protocol.Message, error] {
	return func(yield func(protocol.Message, error) bool) {
		if err := s.request(ctx, protocol.Request{Action: protocol.ActionListen}, nil); err != nil {
			yield(protocol.Message{}, err)
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			yield(protocol.Message{}, ErrSessionClosed)
			return
		}
		// From here the stream belongs to this iterator.
		s.closed = true
		s.mu.Unlock()
		defer s.stream.Close()

		stop := context.AfterFunc(ctx, func() { s.stream.Close() })
		defer stop()

		for {
			var event protocol.Response
			if err := s.stream.Receive(&event, 0); err != nil {
				if ctx.Err() == nil {
					yield(protocol.Message{}, &protocol.TransportError{Transport: string(s.tag), Op: "listen", Err: err})
				}
				return
			}
			if err := event.Err(); err != nil {
				yield(protocol.Message{}, err)
				return
			}
			var message protocol.Message
			if err := decodeData(event, &message); err != nil {
				yield(protocol.Message{}, err)
				return
			}
			if !yield(message, nil) {
				return
			}
		}
	}
}

// Close ends the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stream.Close()
}

func decodeData(response protocol.Response, target any) error {
	if len(response.Data) == 0 {
		return fmt.Errorf("%w: response carries no data", protocol.ErrInvalidRequest)
	}
	if err := codec.Unmarshal(response.Data, target); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
