// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eddi-project/eddi/lib/broker"
	"github.com/eddi-project/eddi/lib/clock"
	"github.com/eddi-project/eddi/lib/fortress"
	"github.com/eddi-project/eddi/lib/protocol"
	"github.com/eddi-project/eddi/lib/store"
	"github.com/eddi-project/eddi/lib/testutil"
	"github.com/eddi-project/eddi/lib/transport"
)

var testEpoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

type world struct {
	store    *store.Store
	clock    *clock.FakeClock
	stateDir string
	overlay  *transport.MemoryOverlay
	fortress *fortress.Server
	logger   *slog.Logger
}

// newWorld starts fortress "F" in mode and returns everything a client
// test needs.
func newWorld(t *testing.T, mode transport.Mode) *world {
	t.Helper()
	fake := clock.Fake(testEpoch)
	st, err := store.Open(context.Background(), store.Config{
		Path:  filepath.Join(t.TempDir(), "state.db"),
		Clock: fake,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	w := &world{
		store:    st,
		clock:    fake,
		stateDir: testutil.SocketDir(t),
		overlay:  transport.NewMemoryOverlay(),
		logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
	server, err := fortress.Start(context.Background(), fortress.Config{
		Name:          "F",
		IncludeSender: true,
		Mode:          mode,
		StateDir:      w.stateDir,
		Overlay:       w.overlay,
		Store:         st,
		Logger:        w.logger,
	})
	if err != nil {
		t.Fatalf("fortress.Start: %v", err)
	}
	w.fortress = server
	w.runInBackground(t, server.Run)
	fake.WaitForTimers(2)
	return w
}

func (w *world) runInBackground(t *testing.T, run func(context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("background service did not stop")
		}
	})
}

func (w *world) startBroker(t *testing.T, mode transport.Mode, code string) *broker.Broker {
	t.Helper()
	b, err := broker.Start(context.Background(), broker.Config{
		Fortress:  "F",
		Namespace: "a@b.com",
		Code:      code,
		Mode:      mode,
		StateDir:  w.stateDir,
		Overlay:   w.overlay,
		Store:     w.store,
		Logger:    w.logger,
	})
	if err != nil {
		t.Fatalf("broker.Start: %v", err)
	}
	w.runInBackground(t, b.Run)
	return b
}

func (w *world) client(offset time.Duration, withOverlay, withLocal bool) *Client {
	config := Config{Clock: clock.Fake(testEpoch.Add(offset)), Logger: w.logger}
	if withLocal {
		config.StateDir = w.stateDir
	}
	if withOverlay {
		config.Overlay = w.overlay
	}
	return New(config)
}

func TestDiscoverConnectSendReceive(t *testing.T) {
	w := newWorld(t, transport.ModeLocal)
	w.startBroker(t, transport.ModeLocal, "H7K9M3")

	client := w.client(0, false, true)
	ctx := context.Background()
	intro, err := client.DiscoverAndHandshake(ctx, "a@b.com", "h7k-9m3", 5)
	if err != nil {
		t.Fatalf("DiscoverAndHandshake: %v", err)
	}
	if intro.Offset != 0 || intro.Fortress.Name != "F" {
		t.Fatalf("introduction = %+v", intro)
	}

	session, err := client.Connect(ctx, intro.Fortress, intro.Token, "alice")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()
	if session.Transport() != transport.TagLocal || session.Namespace() != "a@b.com" {
		t.Fatalf("session transport = %s namespace = %s", session.Transport(), session.Namespace())
	}

	id, err := session.Send(ctx, "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	messages, err := session.Receive(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != id || messages[0].Content != "hello" {
		t.Fatalf("messages = %+v", messages)
	}
	if err := session.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestReceiveFollowsPages(t *testing.T) {
	w := newWorld(t, transport.ModeLocal)
	ctx := context.Background()
	token, _, err := w.fortress.Registry().Register(ctx, "a@b.com", "H7K9M3")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	session, err := w.client(0, false, true).Connect(ctx, w.fortress.Address(), token, "bob")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	// More than one frame can carry.
	const count = 70
	sender := fortress.Sender{Namespace: "a@b.com", Alias: "alice", TokenHash: "hash-alice"}
	for range count {
		if _, err := w.fortress.Queue().Send(sender, strings.Repeat("m", fortress.MaxContentSize)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	messages, err := session.Receive(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(messages) != count {
		t.Fatalf("received %d messages, want %d", len(messages), count)
	}
}

func TestDiscoveryToleratesClockSkew(t *testing.T) {
	w := newWorld(t, transport.ModeLocal)
	w.startBroker(t, transport.ModeLocal, "H7K9M3")

	ctx := context.Background()
	skewed := w.client(3*time.Minute, false, true)
	if _, err := skewed.DiscoverAndHandshake(ctx, "a@b.com", "H7K9M3", 2); !errors.Is(err, protocol.ErrBrokerNotFound) {
		t.Fatalf("window 2 with 3 minutes of skew: err = %v, want ErrBrokerNotFound", err)
	}
	intro, err := skewed.DiscoverAndHandshake(ctx, "a@b.com", "H7K9M3", 5)
	if err != nil {
		t.Fatalf("window 5 with 3 minutes of skew: %v", err)
	}
	if intro.Offset != -3 {
		t.Fatalf("offset = %d, want -3", intro.Offset)
	}
}

func TestDiscoverWithoutBroker(t *testing.T) {
	w := newWorld(t, transport.ModeLocal)
	client := w.client(0, true, true)
	_, err := client.DiscoverAndHandshake(context.Background(), "a@b.com", "H7K9M3", 1)
	if !errors.Is(err, protocol.ErrBrokerNotFound) {
		t.Fatalf("err = %v, want ErrBrokerNotFound", err)
	}
}

func TestDiscoverRejectsBadInput(t *testing.T) {
	client := New(Config{})
	ctx := context.Background()
	if _, err := client.DiscoverAndHandshake(ctx, "", "H7K9M3", 5); !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Errorf("empty namespace: %v", err)
	}
	if _, err := client.DiscoverAndHandshake(ctx, "a@b.com", "!!", 5); !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Errorf("bad code: %v", err)
	}
	if _, err := client.DiscoverAndHandshake(ctx, "a@b.com", "H7K9M3", 1000); !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Errorf("huge window: %v", err)
	}
}

func TestOverlayOnlyPath(t *testing.T) {
	w := newWorld(t, transport.ModeOverlay)
	w.startBroker(t, transport.ModeOverlay, "OVR123")

	client := w.client(0, true, false)
	ctx := context.Background()
	intro, err := client.DiscoverAndHandshake(ctx, "a@b.com", "OVR123", 5)
	if err != nil {
		t.Fatalf("DiscoverAndHandshake over overlay: %v", err)
	}
	if intro.Fortress.Local != "" || intro.Fortress.Overlay == "" {
		t.Fatalf("fortress address = %+v, want overlay only", intro.Fortress)
	}
	session, err := client.Connect(ctx, intro.Fortress, intro.Token, "remote")
	if err != nil {
		t.Fatalf("Connect over overlay: %v", err)
	}
	defer session.Close()
	if session.Transport() != transport.TagOverlay {
		t.Fatalf("transport = %s, want overlay", session.Transport())
	}
}

func TestConnectWithBadToken(t *testing.T) {
	w := newWorld(t, transport.ModeLocal)
	client := w.client(0, false, true)
	_, err := client.Connect(context.Background(), w.fortress.Address(), "forged-token-value", "mallory")
	if !errors.Is(err, protocol.ErrTokenRejected) {
		t.Fatalf("err = %v, want ErrTokenRejected", err)
	}
	if !IsTerminal(err) {
		t.Error("IsTerminal(token rejected) = false")
	}
}

func TestListenYieldsMessagesAndStopsOnRevocation(t *testing.T) {
	w := newWorld(t, transport.ModeLocal)
	ctx := context.Background()
	client := w.client(0, false, true)

	listenerToken, _, err := w.fortress.Registry().Register(ctx, "listener@example.com", "LSTN01")
	if err != nil {
		t.Fatal(err)
	}
	senderToken, _, err := w.fortress.Registry().Register(ctx, "sender@example.com", "")
	if err != nil {
		t.Fatal(err)
	}

	listener, err := client.Connect(ctx, w.fortress.Address(), listenerToken, "listener")
	if err != nil {
		t.Fatalf("Connect listener: %v", err)
	}
	sender, err := client.Connect(ctx, w.fortress.Address(), senderToken, "sender")
	if err != nil {
		t.Fatalf("Connect sender: %v", err)
	}
	defer sender.Close()

	type event struct {
		message protocol.Message
		err     error
	}
	events := make(chan event, 8)
	go func() {
		for message, err := range listener.Listen(ctx) {
			events <- event{message, err}
		}
		close(events)
	}()

	// Wait until the listen request is acknowledged by sending until a
	// message comes through.
	deadline := time.After(5 * time.Second)
	for received := false; !received; {
		if _, err := sender.Send(ctx, "ping"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		select {
		case got := <-events:
			if got.err != nil || got.message.Content != "ping" {
				t.Fatalf("first event = %+v", got)
			}
			received = true
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("listener never received a message")
		}
	}

	if _, err := w.fortress.Registry().Revoke(ctx, "LSTN01"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	// Nudge the fortress's watcher.
	w.clock.Advance(fortress.DefaultPollInterval)

	for {
		select {
		case got, open := <-events:
			if !open {
				t.Fatal("listen ended without reporting the revocation")
			}
			if got.err == nil {
				continue
			}
			if !errors.Is(got.err, protocol.ErrTokenRejected) {
				t.Fatalf("listen ended with %v, want ErrTokenRejected", got.err)
			}
			return
		case <-time.After(5 * time.Second):
			t.Fatal("revoked listener kept streaming")
		}
	}
}

func TestListenEndsQuietlyOnCancel(t *testing.T) {
	w := newWorld(t, transport.ModeLocal)
	ctx := context.Background()
	token, _, err := w.fortress.Registry().Register(ctx, "a@b.com", "")
	if err != nil {
		t.Fatal(err)
	}
	session, err := w.client(0, false, true).Connect(ctx, w.fortress.Address(), token, "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	finished := make(chan error, 1)
	go func() {
		var last error
		for _, err := range session.Listen(listenCtx) {
			last = err
		}
		finished <- last
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := testutil.RequireReceive(t, finished, 5*time.Second, "listen did not return after cancel"); err != nil {
		t.Fatalf("listen yielded %v on cancel", err)
	}
	if _, err := session.Send(ctx, "after listen"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Send after listen = %v, want ErrSessionClosed", err)
	}
}
