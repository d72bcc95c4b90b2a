// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package fortress

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/eddi-project/eddi/lib/clock"
	"github.com/eddi-project/eddi/lib/protocol"
)

var testEpoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func newTestQueue(ttl time.Duration, maxMessages int) (*Queue, *clock.FakeClock) {
	fake := clock.Fake(testEpoch)
	return NewQueue(QueueConfig{TTL: ttl, MaxMessages: maxMessages, Clock: fake}), fake
}

var alice = Sender{Namespace: "alice@example.com", Alias: "alice", TokenHash: "hash-alice"}
var bob = Sender{Namespace: "bob@example.com", Alias: "bob", TokenHash: "hash-bob"}

func contents(messages []protocol.Message) []string {
	var result []string
	for _, message := range messages {
		result = append(result, message.Content)
	}
	return result
}

func TestQueueExpiresMessages(t *testing.T) {
	queue, fake := newTestQueue(5*time.Minute, 0)

	message, err := queue.Send(alice, "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := message.Expires().Sub(message.Created()); got != 5*time.Minute {
		t.Fatalf("expires_at - created_at = %v, want 5m", got)
	}

	fake.Advance(5*time.Minute - time.Nanosecond)
	if got := queue.Receive(time.Time{}, ""); len(got) != 1 {
		t.Fatalf("message gone before its ttl: %v", got)
	}

	// Expired exactly at now == expires_at.
	fake.Advance(time.Nanosecond)
	if got := queue.Receive(time.Time{}, ""); len(got) != 0 {
		t.Fatalf("expired message returned: %v", got)
	}
	if queue.Len() != 0 {
		t.Fatalf("Len after read sweep = %d, want 0", queue.Len())
	}
}

func TestQueueReceiveSinceIsStrict(t *testing.T) {
	queue, fake := newTestQueue(time.Hour, 0)

	first, _ := queue.Send(alice, "one")
	fake.Advance(time.Second)
	queue.Send(bob, "two")
	fake.Advance(time.Second)
	queue.Send(alice, "three")

	if got := contents(queue.Receive(time.Time{}, "")); strings.Join(got, ",") != "one,two,three" {
		t.Fatalf("Receive(all) = %v", got)
	}
	if got := contents(queue.Receive(first.Created(), "")); strings.Join(got, ",") != "two,three" {
		t.Fatalf("Receive(since first) = %v, want two,three", got)
	}
}

func TestQueueEvictsOldestAtCapacity(t *testing.T) {
	queue, _ := newTestQueue(time.Hour, 2)
	for _, content := range []string{"a", "b", "c"} {
		if _, err := queue.Send(alice, content); err != nil {
			t.Fatalf("Send(%s): %v", content, err)
		}
	}
	if got := contents(queue.Receive(time.Time{}, "")); strings.Join(got, ",") != "b,c" {
		t.Fatalf("after eviction = %v, want b,c", got)
	}
}

func TestQueueRejectsBadContent(t *testing.T) {
	queue, _ := newTestQueue(time.Hour, 0)
	if _, err := queue.Send(alice, ""); !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Errorf("empty content: err = %v", err)
	}
	if _, err := queue.Send(alice, strings.Repeat("x", MaxContentSize+1)); !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Errorf("oversized content: err = %v", err)
	}
}

func TestQueueExcludesSender(t *testing.T) {
	queue, _ := newTestQueue(time.Hour, 0)
	queue.Send(alice, "from alice")
	queue.Send(bob, "from bob")

	if got := contents(queue.Receive(time.Time{}, alice.TokenHash)); strings.Join(got, ",") != "from bob" {
		t.Fatalf("alice sees %v, want only bob's message", got)
	}
}

func TestQueueReceivePageHonorsBudget(t *testing.T) {
	queue, _ := newTestQueue(time.Hour, 0)
	for _, content := range []string{"a", "b", "c", "d", "e"} {
		queue.Send(alice, content)
	}
	size := EncodedSize(queue.Receive(time.Time{}, "")[0])

	var got []string
	var cursor uint64
	pages := 0
	for {
		messages, next, more := queue.ReceivePage(time.Time{}, "", cursor, 2*size+1)
		pages++
		if len(messages) > 2 {
			t.Fatalf("page %d holds %d messages, want at most 2", pages, len(messages))
		}
		got = append(got, contents(messages)...)
		if !more {
			break
		}
		cursor = next
	}
	if strings.Join(got, ",") != "a,b,c,d,e" {
		t.Fatalf("paged receive = %v", got)
	}
	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
}

func TestQueueReceivePageAlwaysMakesProgress(t *testing.T) {
	queue, _ := newTestQueue(time.Hour, 0)
	queue.Send(alice, strings.Repeat("x", 1000))
	queue.Send(alice, "small")

	messages, next, more := queue.ReceivePage(time.Time{}, "", 0, 1)
	if len(messages) != 1 || !more {
		t.Fatalf("first page = %d messages, more=%v; want 1 and more", len(messages), more)
	}
	messages, _, more = queue.ReceivePage(time.Time{}, "", next, 1)
	if got := contents(messages); len(got) != 1 || got[0] != "small" || more {
		t.Fatalf("second page = %v, more=%v", got, more)
	}
}

func TestQueueReceivePageCapsBatch(t *testing.T) {
	queue, _ := newTestQueue(time.Hour, 0)
	for range MaxReceiveBatch + 5 {
		queue.Send(alice, "m")
	}
	messages, next, more := queue.ReceivePage(time.Time{}, "", 0, 0)
	if len(messages) != MaxReceiveBatch || !more {
		t.Fatalf("first page = %d messages, more=%v", len(messages), more)
	}
	messages, _, more = queue.ReceivePage(time.Time{}, "", next, 0)
	if len(messages) != 5 || more {
		t.Fatalf("second page = %d messages, more=%v", len(messages), more)
	}
}

func TestQueueWaitDeliversOnlyNewMessages(t *testing.T) {
	queue, _ := newTestQueue(time.Hour, 0)
	queue.Send(alice, "before listen")

	cursor := queue.Cursor()
	results := make(chan []protocol.Message, 1)
	go func() {
		messages, _, err := queue.Wait(context.Background(), cursor, "")
		if err == nil {
			results <- messages
		}
	}()

	queue.Send(bob, "after listen")
	select {
	case messages := <-results:
		if got := contents(messages); len(got) != 1 || got[0] != "after listen" {
			t.Fatalf("Wait returned %v, want [after listen]", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Send")
	}
}

func TestQueueWaitSkipsExcludedAndHonorsCancel(t *testing.T) {
	queue, _ := newTestQueue(time.Hour, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, _, err := queue.Wait(ctx, queue.Cursor(), alice.TokenHash)
		done <- err
	}()

	queue.Send(alice, "own message")
	select {
	case err := <-done:
		t.Fatalf("Wait returned %v for an excluded message", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Wait error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait ignored cancellation")
	}
}

func TestQueueSweeperRunsOnInterval(t *testing.T) {
	queue, fake := newTestQueue(time.Minute, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		queue.RunSweeper(ctx, 30*time.Second)
		close(stopped)
	}()
	fake.WaitForTimers(1)

	queue.Send(alice, "short lived")
	fake.Advance(90 * time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for queue.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper never removed the expired message")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-stopped
}
