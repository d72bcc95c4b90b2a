// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/eddi-project/eddi/lib/codec"
)

// MaxFrameSize bounds one decoded frame. Messages are short text; this
// leaves generous room for a full receive batch.
const MaxFrameSize = 4 * 1024 * 1024

// WriteTimeout bounds a single frame write.
const WriteTimeout = 10 * time.Second

// Stream reads and writes frames on one connection. Sends are
// serialized so a listen pump and a request handler can share a
// connection. Receive must only be called from one goroutine.
type Stream struct {
	conn    net.Conn
	limiter *frameLimiter
	decoder *codec.Decoder

	writeMu sync.Mutex
	encoder *codec.Encoder
}

// NewStream wraps conn.
func NewStream(conn net.Conn) *Stream {
	limiter := &frameLimiter{reader: conn}
	return &Stream{
		conn:    conn,
		limiter: limiter,
		decoder: codec.NewDecoder(limiter),
		encoder: codec.NewEncoder(conn),
	}
}

// Send writes one frame.
func (s *Stream) Send(frame any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := s.encoder.Encode(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Receive reads one frame into target. A zero timeout waits forever.
func (s *Stream) Receive(target any, timeout time.Duration) error {
	if timeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}
	s.limiter.reset()
	if err := s.decoder.Decode(target); err != nil {
		return fmt.Errorf("reading frame: %w", err)
	}
	return nil
}

// SendResponse writes a success Response whose data is the encoding of
// result. A nil result sends {ok: true}.
func (s *Stream) SendResponse(result any) error {
	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			return s.SendError(fmt.Errorf("encoding response: %w", err))
		}
		response.Data = data
	}
	return s.Send(response)
}

// SendError writes a failure Response carrying err's wire code.
func (s *Stream) SendError(err error) error {
	return s.Send(Response{
		OK:        false,
		Error:     err.Error(),
		ErrorCode: ErrorCode(err),
	})
}

// Conn returns the underlying connection.
func (s *Stream) Conn() net.Conn { return s.conn }

// Close closes the connection.
func (s *Stream) Close() error { return s.conn.Close() }

// frameLimiter refuses to read more than MaxFrameSize bytes between
// resets. The decoder may buffer ahead, so the bound is approximate
// for back-to-back frames but exact for a single oversized one.
type frameLimiter struct {
	reader    io.Reader
	remaining int64
}

func (l *frameLimiter) reset() { l.remaining = MaxFrameSize }

func (l *frameLimiter) Read(buffer []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)
	}
	if int64(len(buffer)) > l.remaining {
		buffer = buffer[:l.remaining]
	}
	read, err := l.reader.Read(buffer)
	l.remaining -= int64(read)
	return read, err
}
