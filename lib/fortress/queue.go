// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package fortress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddi-project/eddi/lib/clock"
	"github.com/eddi-project/eddi/lib/instrument"
	"github.com/eddi-project/eddi/lib/protocol"
)

// MaxContentSize bounds the content of one message.
const MaxContentSize = 64 * 1024

// Limits on one receive reply. Larger queues are delivered in pages
// so that each reply fits in a protocol frame and in the decoder's
// array limit.
const (
	ReceiveBudget   = protocol.MaxFrameSize / 2
	MaxReceiveBatch = 1024
)

// Sender identifies who sent a message.
type Sender struct {
	Namespace string
	Alias     string
	// TokenHash is the hash of the sender's access token. Used to hide a
	// session's own messages when broadcast excludes the sender.
	TokenHash string
}

// QueueConfig holds the parameters for NewQueue.
type QueueConfig struct {
	// TTL is how long a message stays deliverable.
	TTL time.Duration
	// MaxMessages caps the queue; the oldest message is evicted to make
	// room. Zero means unbounded.
	MaxMessages int
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Queue is a fortress's in-memory broadcast list. Messages are kept in
// arrival order, each with a sequence number, and dropped once expired.
// Safe for concurrent use.
type Queue struct {
	ttl         time.Duration
	maxMessages int
	clock       clock.Clock
	logger      *slog.Logger

	mu       sync.Mutex
	entries  []queueEntry
	sequence uint64
	// arrived is closed and replaced on every Send, waking listeners.
	arrived chan struct{}
}

type queueEntry struct {
	sequence  uint64
	tokenHash string
	message   protocol.Message
}

// NewQueue returns an empty queue.
func NewQueue(config QueueConfig) *Queue {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Queue{
		ttl:         config.TTL,
		maxMessages: config.MaxMessages,
		clock:       config.Clock,
		logger:      config.Logger,
		arrived:     make(chan struct{}),
	}
}

// Send appends a message and wakes listeners. It returns without waiting
// for delivery.
func (q *Queue) Send(sender Sender, content string) (protocol.Message, error) {
	if content == "" {
		return protocol.Message{}, fmt.Errorf("%w: empty message", protocol.ErrInvalidRequest)
	}
	if len(content) > MaxContentSize {
		return protocol.Message{}, fmt.Errorf("%w: message is %d bytes, limit is %d",
			protocol.ErrInvalidRequest, len(content), MaxContentSize)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	q.sweepLocked(now)

	q.sequence++
	message := protocol.Message{
		ID:              uuid.NewString(),
		SenderNamespace: sender.Namespace,
		SenderAlias:     sender.Alias,
		Content:         content,
		CreatedAt:       now.UnixNano(),
		ExpiresAt:       now.Add(q.ttl).UnixNano(),
	}
	q.entries = append(q.entries, queueEntry{
		sequence:  q.sequence,
		tokenHash: sender.TokenHash,
		message:   message,
	})

	if q.maxMessages > 0 && len(q.entries) > q.maxMessages {
		evicted := len(q.entries) - q.maxMessages
		q.entries = append(q.entries[:0], q.entries[evicted:]...)
		instrument.Messages(instrument.MessageEvicted, evicted)
		q.logger.Debug("evicted oldest messages", "count", evicted)
	}

	close(q.arrived)
	q.arrived = make(chan struct{})
	instrument.Messages(instrument.MessageAccepted, 1)
	return message, nil
}

// Receive returns live messages created strictly after since, oldest
// first. A zero since returns every live message. Messages whose sender
// token hash equals exclude are left out; an empty exclude keeps all.
func (q *Queue) Receive(since time.Time, exclude string) []protocol.Message {
	var messages []protocol.Message
	var cursor uint64
	for {
		page, next, more := q.ReceivePage(since, exclude, cursor, 0)
		messages = append(messages, page...)
		if !more {
			return messages
		}
		cursor = next
	}
}

// ReceivePage is Receive limited to messages with a sequence after
// cursor, stopping once the page would exceed budget bytes (estimated
// with EncodedSize) or MaxReceiveBatch messages. It returns the cursor
// for the next page and whether more messages remain. A page always
// holds at least one message when any match. A budget of zero means no
// byte limit.
func (q *Queue) ReceivePage(since time.Time, exclude string, cursor uint64, budget int) ([]protocol.Message, uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.sweepLocked(q.clock.Now())
	var messages []protocol.Message
	used := 0
	for _, entry := range q.entries {
		if entry.sequence <= cursor {
			continue
		}
		if !since.IsZero() && entry.message.CreatedAt <= since.UnixNano() {
			continue
		}
		if exclude != "" && entry.tokenHash == exclude {
			continue
		}
		size := EncodedSize(entry.message)
		if len(messages) > 0 && (len(messages) == MaxReceiveBatch || (budget > 0 && used+size > budget)) {
			return messages, cursor, true
		}
		messages = append(messages, entry.message)
		used += size
		cursor = entry.sequence
	}
	return messages, cursor, false
}

// EncodedSize is an upper estimate of message's size inside a receive
// result frame.
func EncodedSize(message protocol.Message) int {
	const fieldOverhead = 128
	return len(message.ID) + len(message.SenderNamespace) + len(message.SenderAlias) +
		len(message.Content) + fieldOverhead
}

// Cursor returns the sequence number of the newest message. Pass it to
// Wait to receive only messages sent afterwards.
func (q *Queue) Cursor() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sequence
}

// Wait blocks until at least one live message newer than cursor (and not
// from exclude) is queued, then returns those messages in order with the
// cursor to pass next time. Each message is returned at most once per
// cursor chain. Returns ctx.Err() when ctx is done.
func (q *Queue) Wait(ctx context.Context, cursor uint64, exclude string) ([]protocol.Message, uint64, error) {
	for {
		q.mu.Lock()
		q.sweepLocked(q.clock.Now())
		var messages []protocol.Message
		for _, entry := range q.entries {
			if entry.sequence <= cursor {
				continue
			}
			if exclude != "" && entry.tokenHash == exclude {
				continue
			}
			messages = append(messages, entry.message)
		}
		cursor = q.sequence
		arrived := q.arrived
		q.mu.Unlock()

		if len(messages) > 0 {
			return messages, cursor, nil
		}
		select {
		case <-arrived:
		case <-ctx.Done():
			return nil, cursor, ctx.Err()
		}
	}
}

// Sweep drops expired messages and returns how many were removed.
func (q *Queue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sweepLocked(q.clock.Now())
}

func (q *Queue) sweepLocked(now time.Time) int {
	nowNanos := now.UnixNano()
	kept := q.entries[:0]
	for _, entry := range q.entries {
		if nowNanos < entry.message.ExpiresAt {
			kept = append(kept, entry)
		}
	}
	removed := len(q.entries) - len(kept)
	clear(q.entries[len(kept):])
	q.entries = kept
	if removed > 0 {
		instrument.Messages(instrument.MessageExpired, removed)
	}
	return removed
}

// Len returns the number of queued messages, expired ones included
// until the next sweep.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (q *Queue) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := q.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := q.Sweep(); removed > 0 {
				q.logger.Debug("expired messages swept", "count", removed)
			}
		}
	}
}
