// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package fortress

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eddi-project/eddi/lib/clock"
	"github.com/eddi-project/eddi/lib/codec"
	"github.com/eddi-project/eddi/lib/protocol"
	"github.com/eddi-project/eddi/lib/store"
	"github.com/eddi-project/eddi/lib/testutil"
	"github.com/eddi-project/eddi/lib/transport"
)

type fortressHarness struct {
	server *Server
	store  *store.Store
	clock  *clock.FakeClock
	done   chan error
	cancel context.CancelFunc
}

func startTestFortress(t *testing.T, configure func(*Config)) *fortressHarness {
	t.Helper()
	fake := clock.Fake(testEpoch)
	stateDir := testutil.SocketDir(t)
	st, err := store.Open(context.Background(), store.Config{
		Path:  filepath.Join(t.TempDir(), "state.db"),
		Clock: fake,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	config := Config{
		Name:          "F",
		IncludeSender: true,
		Mode:          transport.ModeLocal,
		StateDir:      stateDir,
		Store:         st,
		Clock:         fake,
		Logger:        slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
	if configure != nil {
		configure(&config)
	}

	server, err := Start(context.Background(), config)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	harness := &fortressHarness{server: server, store: st, clock: fake, done: make(chan error, 1), cancel: cancel}
	go func() { harness.done <- server.Run(ctx) }()
	// Sweeper and poll tickers.
	fake.WaitForTimers(2)

	t.Cleanup(func() {
		cancel()
		select {
		case <-harness.done:
		case <-time.After(10 * time.Second):
			t.Error("fortress did not shut down")
		}
	})
	return harness
}

// poll fires the fortress's poll ticker once.
func (h *fortressHarness) poll() {
	h.clock.Advance(DefaultPollInterval)
}

func (h *fortressHarness) mintToken(t *testing.T, namespace, code string) string {
	t.Helper()
	token, _, err := h.server.Registry().Register(context.Background(), namespace, code)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return token
}

// openSession dials the fortress and performs the hello. A rejected
// hello returns the remote error.
func (h *fortressHarness) openSession(t *testing.T, token, alias string) (*protocol.Stream, error) {
	t.Helper()
	conn, err := transport.DialLocal(context.Background(), h.server.Address().Local)
	if err != nil {
		t.Fatalf("DialLocal: %v", err)
	}
	stream := protocol.NewStream(conn)
	t.Cleanup(func() { stream.Close() })

	if err := stream.Send(protocol.Hello{Token: token, Alias: alias}); err != nil {
		t.Fatalf("sending hello: %v", err)
	}
	var response protocol.Response
	if err := stream.Receive(&response, 5*time.Second); err != nil {
		t.Fatalf("reading hello response: %v", err)
	}
	if err := response.Err(); err != nil {
		return nil, err
	}
	return stream, nil
}

func roundTrip(t *testing.T, stream *protocol.Stream, request protocol.Request) protocol.Response {
	t.Helper()
	if err := stream.Send(request); err != nil {
		t.Fatalf("sending %s: %v", request.Action, err)
	}
	var response protocol.Response
	if err := stream.Receive(&response, 5*time.Second); err != nil {
		t.Fatalf("reading %s response: %v", request.Action, err)
	}
	return response
}

func receiveAll(t *testing.T, stream *protocol.Stream, since int64) []protocol.Message {
	t.Helper()
	messages, _ := receivePages(t, stream, since)
	return messages
}

// receivePages follows the receive cursor until the fortress reports no
// more messages, returning everything and the number of replies.
func receivePages(t *testing.T, stream *protocol.Stream, since int64) ([]protocol.Message, int) {
	t.Helper()
	request := protocol.Request{Action: protocol.ActionReceive, Since: since}
	var messages []protocol.Message
	for pages := 1; ; pages++ {
		response := roundTrip(t, stream, request)
		if err := response.Err(); err != nil {
			t.Fatalf("receive: %v", err)
		}
		var result protocol.ReceiveResult
		if err := codec.Unmarshal(response.Data, &result); err != nil {
			t.Fatalf("decoding receive result: %v", err)
		}
		messages = append(messages, result.Messages...)
		if !result.More {
			return messages, pages
		}
		if result.Next <= request.After {
			t.Fatalf("receive cursor did not advance past %d", request.After)
		}
		request.After = result.Next
	}
}

func TestStartRegistersRunningFortress(t *testing.T) {
	harness := startTestFortress(t, nil)

	record, err := harness.store.GetFortress(context.Background(), "F")
	if err != nil {
		t.Fatalf("GetFortress: %v", err)
	}
	if record.State != store.FortressRunning {
		t.Errorf("state = %s, want running", record.State)
	}
	if record.LocalAddress == "" || !transport.LocalAvailable(record.LocalAddress) {
		t.Errorf("local address %q is not a live socket", record.LocalAddress)
	}
	seed, err := harness.store.FortressOverlayKey(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("FortressOverlayKey: %v", err)
	}
	if len(seed) != 32 {
		t.Errorf("overlay key is %d bytes, want a persisted 32-byte seed", len(seed))
	}
}

func TestStartConflictsWithLiveFortress(t *testing.T) {
	harness := startTestFortress(t, nil)
	_, err := Start(context.Background(), Config{
		Name:     "F",
		Mode:     transport.ModeLocal,
		StateDir: testutil.SocketDir(t),
		Store:    harness.store,
	})
	if !errors.Is(err, protocol.ErrStateStoreConflict) {
		t.Fatalf("second Start error = %v, want ErrStateStoreConflict", err)
	}
}

func TestHelloRejectsUnknownToken(t *testing.T) {
	harness := startTestFortress(t, nil)
	_, err := harness.openSession(t, "not-a-real-token-at-all", "mallory")
	if !errors.Is(err, protocol.ErrTokenRejected) {
		t.Fatalf("hello error = %v, want ErrTokenRejected", err)
	}
}

func TestSendAndReceive(t *testing.T) {
	harness := startTestFortress(t, nil)
	aliceStream, err := harness.openSession(t, harness.mintToken(t, "alice@example.com", "AAA111"), "alice")
	if err != nil {
		t.Fatalf("alice hello: %v", err)
	}
	bobStream, err := harness.openSession(t, harness.mintToken(t, "bob@example.com", "BBB222"), "bob")
	if err != nil {
		t.Fatalf("bob hello: %v", err)
	}

	response := roundTrip(t, aliceStream, protocol.Request{Action: protocol.ActionSend, Content: "hello bob"})
	if err := response.Err(); err != nil {
		t.Fatalf("send: %v", err)
	}

	messages := receiveAll(t, bobStream, 0)
	if len(messages) != 1 {
		t.Fatalf("bob received %d messages, want 1", len(messages))
	}
	if messages[0].Content != "hello bob" || messages[0].SenderNamespace != "alice@example.com" || messages[0].SenderAlias != "alice" {
		t.Errorf("message = %+v", messages[0])
	}

	// Sender-inclusive broadcast: alice sees her own message.
	if got := receiveAll(t, aliceStream, 0); len(got) != 1 {
		t.Errorf("alice received %d messages, want 1", len(got))
	}

	if got := receiveAll(t, bobStream, messages[0].CreatedAt); len(got) != 0 {
		t.Errorf("receive since the last message returned %d messages", len(got))
	}

	response = roundTrip(t, bobStream, protocol.Request{Action: "teleport"})
	if !errors.Is(response.Err(), protocol.ErrInvalidRequest) {
		t.Errorf("unknown action error = %v", response.Err())
	}
}

func TestReceiveLargeQueueInPages(t *testing.T) {
	harness := startTestFortress(t, nil)
	stream, err := harness.openSession(t, harness.mintToken(t, "bob@example.com", "BBB222"), "bob")
	if err != nil {
		t.Fatalf("bob hello: %v", err)
	}

	// Well past one frame: 70 messages at the content limit.
	const count = 70
	sender := Sender{Namespace: "alice@example.com", Alias: "alice", TokenHash: "hash-alice"}
	for i := range count {
		content := strings.Repeat(string(rune('a'+i%26)), MaxContentSize)
		if _, err := harness.server.Queue().Send(sender, content); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	messages, pages := receivePages(t, stream, 0)
	if len(messages) != count {
		t.Fatalf("received %d messages, want %d", len(messages), count)
	}
	if pages < 2 {
		t.Errorf("received everything in %d reply, want several pages", pages)
	}
	for i, message := range messages {
		if want := rune('a' + i%26); len(message.Content) != MaxContentSize || rune(message.Content[0]) != want {
			t.Fatalf("message %d out of order or truncated", i)
		}
	}

	// The stream stays usable after the large transfer.
	response := roundTrip(t, stream, protocol.Request{Action: protocol.ActionSend, Content: "still here"})
	if err := response.Err(); err != nil {
		t.Fatalf("send after paged receive: %v", err)
	}
}

func TestSenderExclusiveBroadcast(t *testing.T) {
	harness := startTestFortress(t, func(config *Config) { config.IncludeSender = false })
	aliceStream, err := harness.openSession(t, harness.mintToken(t, "alice@example.com", ""), "alice")
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	roundTrip(t, aliceStream, protocol.Request{Action: protocol.ActionSend, Content: "echo?"})
	if got := receiveAll(t, aliceStream, 0); len(got) != 0 {
		t.Fatalf("sender saw its own message: %+v", got)
	}
}

func TestListenStreamsNewMessages(t *testing.T) {
	harness := startTestFortress(t, nil)
	listener, err := harness.openSession(t, harness.mintToken(t, "listener@example.com", ""), "listener")
	if err != nil {
		t.Fatalf("listener hello: %v", err)
	}
	sender, err := harness.openSession(t, harness.mintToken(t, "sender@example.com", ""), "sender")
	if err != nil {
		t.Fatalf("sender hello: %v", err)
	}

	roundTrip(t, sender, protocol.Request{Action: protocol.ActionSend, Content: "before"})

	if response := roundTrip(t, listener, protocol.Request{Action: protocol.ActionListen}); response.Err() != nil {
		t.Fatalf("listen: %v", response.Err())
	}
	roundTrip(t, sender, protocol.Request{Action: protocol.ActionSend, Content: "after"})

	var event protocol.Response
	if err := listener.Receive(&event, 5*time.Second); err != nil {
		t.Fatalf("reading listen event: %v", err)
	}
	var message protocol.Message
	if err := codec.Unmarshal(event.Data, &message); err != nil {
		t.Fatalf("decoding message: %v", err)
	}
	if message.Content != "after" {
		t.Fatalf("listen delivered %q, want only messages sent after it started", message.Content)
	}
}

func TestRevocationTerminatesListeningSession(t *testing.T) {
	harness := startTestFortress(t, nil)
	token := harness.mintToken(t, "alice@example.com", "H7K9M3")
	stream, err := harness.openSession(t, token, "alice")
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	if response := roundTrip(t, stream, protocol.Request{Action: protocol.ActionListen}); response.Err() != nil {
		t.Fatalf("listen: %v", response.Err())
	}

	if _, err := harness.server.Registry().Revoke(context.Background(), "h7k-9m3"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	harness.poll()

	var final protocol.Response
	if err := stream.Receive(&final, 5*time.Second); err != nil {
		t.Fatalf("expected a termination frame: %v", err)
	}
	if !errors.Is(final.Err(), protocol.ErrTokenRejected) {
		t.Fatalf("termination error = %v, want ErrTokenRejected", final.Err())
	}
	if err := stream.Receive(&final, 5*time.Second); err == nil {
		t.Fatal("session still open after termination")
	}

	if _, err := harness.openSession(t, token, "alice"); !errors.Is(err, protocol.ErrTokenRejected) {
		t.Fatalf("revoked token reconnect error = %v", err)
	}
}

func TestRevocationRejectsNextRequest(t *testing.T) {
	harness := startTestFortress(t, nil)
	token := harness.mintToken(t, "alice@example.com", "")
	stream, err := harness.openSession(t, token, "alice")
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	if _, err := harness.server.Registry().Revoke(context.Background(), token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	response := roundTrip(t, stream, protocol.Request{Action: protocol.ActionSend, Content: "still here?"})
	if !errors.Is(response.Err(), protocol.ErrTokenRejected) {
		t.Fatalf("send after revocation = %v, want ErrTokenRejected", response.Err())
	}
}

func TestSessionsRecordedInStore(t *testing.T) {
	harness := startTestFortress(t, nil)
	if _, err := harness.openSession(t, harness.mintToken(t, "alice@example.com", ""), "alice"); err != nil {
		t.Fatalf("hello: %v", err)
	}
	sessions, err := harness.store.ListSessions(context.Background(), harness.server.Record().ID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Alias != "alice" || sessions[0].Transport != "local" {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestStopRequestedThroughStore(t *testing.T) {
	harness := startTestFortress(t, nil)
	stream, err := harness.openSession(t, harness.mintToken(t, "alice@example.com", ""), "alice")
	if err != nil {
		t.Fatalf("hello: %v", err)
	}

	if _, err := harness.store.RequestFortressStop(context.Background(), "F", DefaultStaleAfter); err != nil {
		t.Fatalf("RequestFortressStop: %v", err)
	}
	harness.poll()

	if err := testutil.RequireReceive(t, harness.done, 10*time.Second, "Run return"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	record, err := harness.store.GetFortress(context.Background(), "F")
	if err != nil {
		t.Fatalf("GetFortress: %v", err)
	}
	if record.State != store.FortressStopped {
		t.Fatalf("state after stop = %s, want stopped", record.State)
	}

	var final protocol.Response
	if err := stream.Receive(&final, 5*time.Second); err == nil && !errors.Is(final.Err(), protocol.ErrFortressUnavailable) {
		t.Fatalf("session got %+v on shutdown", final)
	}
	if _, _, err := harness.server.Registry().Register(context.Background(), "late@example.com", ""); !errors.Is(err, protocol.ErrFortressUnavailable) {
		t.Fatalf("token minted for a stopped fortress: %v", err)
	}

	// The cleanup in startTestFortress must not block on a finished Run.
	harness.done <- nil
}

func TestRestartKeepsTokensAndOverlayKey(t *testing.T) {
	harness := startTestFortress(t, nil)
	token := harness.mintToken(t, "alice@example.com", "")
	first := harness.server.Record()

	if _, err := harness.store.RequestFortressStop(context.Background(), "F", DefaultStaleAfter); err != nil {
		t.Fatalf("RequestFortressStop: %v", err)
	}
	harness.poll()
	testutil.RequireReceive(t, harness.done, 10*time.Second, "Run return")
	harness.done <- nil

	restarted, err := Start(context.Background(), Config{
		Name:     "F",
		Mode:     transport.ModeLocal,
		StateDir: harness.server.config.StateDir,
		Store:    harness.store,
		Clock:    harness.clock,
	})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	second := restarted.Record()
	if second.ID != first.ID || string(second.OverlayKey) != string(first.OverlayKey) {
		t.Fatalf("restart changed identity: %s/%x -> %s/%x", first.ID, first.OverlayKey, second.ID, second.OverlayKey)
	}
	if _, err := restarted.Registry().Validate(context.Background(), token); err != nil {
		t.Fatalf("token from before restart rejected: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- restarted.Run(ctx) }()
	cancel()
	testutil.RequireReceive(t, done, 10*time.Second, "restarted Run return")
}
