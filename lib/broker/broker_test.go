// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eddi-project/eddi/lib/clock"
	"github.com/eddi-project/eddi/lib/discovery"
	"github.com/eddi-project/eddi/lib/protocol"
	"github.com/eddi-project/eddi/lib/store"
	"github.com/eddi-project/eddi/lib/testutil"
	"github.com/eddi-project/eddi/lib/transport"
)

var testEpoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

type brokerHarness struct {
	store    *store.Store
	clock    *clock.FakeClock
	stateDir string
	overlay  *transport.MemoryOverlay
}

func newHarness(t *testing.T) *brokerHarness {
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

	ctx := context.Background()
	record, err := st.ClaimFortress(ctx, store.FortressRecord{Name: "F", TransportMode: "local", MessageTTL: time.Minute}, time.Minute)
	if err != nil {
		t.Fatalf("ClaimFortress: %v", err)
	}
	if err := st.UpdateFortressAddresses(ctx, record.ID, "/run/f.sock", "", nil); err != nil {
		t.Fatalf("UpdateFortressAddresses: %v", err)
	}
	if _, err := st.TransitionFortress(ctx, record.ID, store.FortressRunning); err != nil {
		t.Fatalf("TransitionFortress: %v", err)
	}
	return &brokerHarness{store: st, clock: fake, stateDir: testutil.SocketDir(t), overlay: transport.NewMemoryOverlay()}
}

func (h *brokerHarness) start(t *testing.T, configure func(*Config)) *Broker {
	t.Helper()
	config := Config{
		Fortress:  "F",
		Namespace: "a@b.com",
		Code:      "H7K9M3",
		Mode:      transport.ModeLocal,
		StateDir:  h.stateDir,
		Overlay:   h.overlay,
		Store:     h.store,
		Clock:     h.clock,
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
	if configure != nil {
		configure(&config)
	}
	broker, err := Start(context.Background(), config)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		broker.Run(ctx)
		close(done)
	}()
	// Expiry timer and poll ticker.
	h.clock.WaitForTimers(2)
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("broker Run did not return")
		}
	})
	return broker
}

func handshakeOver(t *testing.T, conn net.Conn, namespace, code string) protocol.HandshakeResponse {
	t.Helper()
	stream := protocol.NewStream(conn)
	defer stream.Close()
	if err := stream.Send(protocol.HandshakeRequest{Namespace: namespace, Code: code}); err != nil {
		t.Fatalf("sending handshake: %v", err)
	}
	var response protocol.HandshakeResponse
	if err := stream.Receive(&response, 5*time.Second); err != nil {
		t.Fatalf("reading handshake response: %v", err)
	}
	return response
}

func handshake(t *testing.T, broker *Broker, namespace, code string) protocol.HandshakeResponse {
	t.Helper()
	conn, err := transport.DialLocal(context.Background(), broker.LocalAddress())
	if err != nil {
		t.Fatalf("DialLocal: %v", err)
	}
	return handshakeOver(t, conn, namespace, code)
}

func TestSingleUseHandshake(t *testing.T) {
	harness := newHarness(t)
	broker := harness.start(t, nil)

	if broker.DerivedID() != discovery.DeriveID("a@b.com", "H7K9M3", testEpoch) {
		t.Fatalf("derived id = %s", broker.DerivedID())
	}
	if broker.Code() != "H7K-9M3" {
		t.Errorf("display code = %s", broker.Code())
	}
	registered, err := harness.store.GetBroker(context.Background(), string(broker.DerivedID()))
	if err != nil {
		t.Fatalf("GetBroker: %v", err)
	}
	if registered.Namespace != "a@b.com" || !registered.ExpiresAt.Equal(testEpoch.Add(DefaultTimeout)) {
		t.Errorf("registration = %+v", registered)
	}

	// Normalization: lower case and a separator still match.
	response := handshake(t, broker, " A@B.com ", "h7k-9m3")
	if !response.OK {
		t.Fatalf("handshake failed: %s", response.Error)
	}
	if response.Token == "" || response.Fortress.Name != "F" || response.Fortress.Local != "/run/f.sock" {
		t.Fatalf("response = %+v", response)
	}

	testutil.RequireClosed(t, broker.Done(), 5*time.Second, "single-use broker did not end")
	if broker.State() != store.BrokerHandshakeComplete {
		t.Errorf("state = %s, want handshake_complete", broker.State())
	}
	if _, err := harness.store.GetBroker(context.Background(), string(broker.DerivedID())); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("registration survived completion: %v", err)
	}
	if transport.LocalAvailable(broker.LocalAddress()) {
		t.Error("broker socket still present after completion")
	}

	grant, err := harness.store.LookupToken(context.Background(), store.HashToken(response.Token))
	if err != nil {
		t.Fatalf("issued token not registered: %v", err)
	}
	if grant.Token.Namespace != "a@b.com" || grant.Token.Code != "H7K9M3" {
		t.Errorf("token record = %+v", grant.Token)
	}
}

func TestWrongCodeIsRejectedAndBrokerKeepsListening(t *testing.T) {
	harness := newHarness(t)
	broker := harness.start(t, nil)

	response := handshake(t, broker, "a@b.com", "WRONG1")
	if response.OK {
		t.Fatal("wrong code accepted")
	}
	if response.ErrorCode != protocol.CodeHandshakeRejected || response.Error != "handshake rejected" {
		t.Errorf("rejection = %q/%q", response.ErrorCode, response.Error)
	}
	if broker.State() != store.BrokerListening {
		t.Fatalf("state after rejection = %s", broker.State())
	}
	if !handshake(t, broker, "a@b.com", "H7K9M3").OK {
		t.Fatal("correct code rejected after a wrong attempt")
	}
}

func TestMultiUseIssuesDistinctTokens(t *testing.T) {
	harness := newHarness(t)
	broker := harness.start(t, func(config *Config) { config.MultiUse = true })

	first := handshake(t, broker, "a@b.com", "H7K9M3")
	second := handshake(t, broker, "a@b.com", "H7K9M3")
	if !first.OK || !second.OK {
		t.Fatalf("handshakes: %+v %+v", first, second)
	}
	if first.Token == second.Token {
		t.Fatal("multi-use broker issued the same token twice")
	}
	if broker.State() != store.BrokerListening || broker.Handshakes() != 2 {
		t.Fatalf("state = %s handshakes = %d", broker.State(), broker.Handshakes())
	}
}

func TestConcurrentSingleUseHandshakesHaveOneWinner(t *testing.T) {
	harness := newHarness(t)
	broker := harness.start(t, nil)

	const attempts = 8
	conns := make([]net.Conn, attempts)
	for index := range conns {
		conn, err := transport.DialLocal(context.Background(), broker.LocalAddress())
		if err != nil {
			t.Fatalf("DialLocal: %v", err)
		}
		conns[index] = conn
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for _, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream := protocol.NewStream(conn)
			defer stream.Close()
			if stream.Send(protocol.HandshakeRequest{Namespace: "a@b.com", Code: "H7K9M3"}) != nil {
				return
			}
			var response protocol.HandshakeResponse
			if stream.Receive(&response, 5*time.Second) != nil {
				return
			}
			if response.OK {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successful handshakes = %d, want exactly 1", successes)
	}
}

func TestBrokerExpires(t *testing.T) {
	harness := newHarness(t)
	broker := harness.start(t, func(config *Config) { config.Timeout = 30 * time.Second })

	harness.clock.Advance(30 * time.Second)
	testutil.RequireClosed(t, broker.Done(), 5*time.Second, "broker did not expire")
	if broker.State() != store.BrokerExpired || broker.EndReason() != "timeout" {
		t.Fatalf("state = %s reason = %s", broker.State(), broker.EndReason())
	}
	if _, err := harness.store.GetBroker(context.Background(), string(broker.DerivedID())); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("registration survived expiry: %v", err)
	}
}

func TestBrokerEndingDuringMintRevokesToken(t *testing.T) {
	harness := newHarness(t)
	broker := harness.start(t, func(config *Config) {
		config.Timeout = 30 * time.Second
		// The timeout fires after the token is minted but before it is
		// delivered.
		config.afterMint = func(b *Broker) {
			harness.clock.Advance(30 * time.Second)
			<-b.Done()
		}
	})

	response := handshake(t, broker, "a@b.com", "H7K9M3")
	if response.OK || response.Token != "" {
		t.Fatalf("expired broker delivered a token: %+v", response)
	}
	if response.ErrorCode != protocol.CodeHandshakeRejected {
		t.Errorf("error code = %q, want %q", response.ErrorCode, protocol.CodeHandshakeRejected)
	}
	if broker.EndReason() != "timeout" || broker.Handshakes() != 0 {
		t.Errorf("reason = %s handshakes = %d, want timeout and none", broker.EndReason(), broker.Handshakes())
	}

	tokens, err := harness.store.ListTokens(context.Background(), "F")
	if err != nil {
		t.Fatalf("ListTokens: %v", err)
	}
	if len(tokens) != 1 {
		t.Fatalf("tokens = %d, want the one minted", len(tokens))
	}
	if !tokens[0].Revoked() {
		t.Error("undelivered token is still valid")
	}
}

func TestBrokerStoppedThroughStore(t *testing.T) {
	harness := newHarness(t)
	broker := harness.start(t, nil)

	if err := harness.store.RequestBrokerStop(context.Background(), string(broker.DerivedID())); err != nil {
		t.Fatalf("RequestBrokerStop: %v", err)
	}
	harness.clock.Advance(DefaultPollInterval)
	testutil.RequireClosed(t, broker.Done(), 5*time.Second, "broker ignored the stop request")
	if broker.EndReason() != "stopped" {
		t.Fatalf("reason = %s, want stopped", broker.EndReason())
	}
}

func TestHandshakeOverOverlay(t *testing.T) {
	harness := newHarness(t)
	broker := harness.start(t, func(config *Config) { config.Mode = transport.ModeOverlay })

	seed := discovery.OverlaySeed(discovery.DeriveID("a@b.com", "H7K9M3", testEpoch))
	address, err := harness.overlay.Address(seed[:])
	if err != nil {
		t.Fatal(err)
	}
	if broker.OverlayAddress() != address {
		t.Fatalf("broker published at %s, clients derive %s", broker.OverlayAddress(), address)
	}
	conn, err := harness.overlay.Dial(context.Background(), address)
	if err != nil {
		t.Fatalf("overlay Dial: %v", err)
	}
	if response := handshakeOver(t, conn, "a@b.com", "H7K9M3"); !response.OK {
		t.Fatalf("overlay handshake failed: %s", response.Error)
	}
}

func TestStartRequiresRunningFortress(t *testing.T) {
	harness := newHarness(t)
	_, err := Start(context.Background(), Config{
		Fortress:  "missing",
		Namespace: "a@b.com",
		Mode:      transport.ModeLocal,
		StateDir:  harness.stateDir,
		Store:     harness.store,
	})
	if !errors.Is(err, protocol.ErrFortressUnavailable) {
		t.Fatalf("err = %v, want ErrFortressUnavailable", err)
	}

	// The fortress heartbeat goes stale.
	harness.clock.Advance(time.Hour)
	_, err = Start(context.Background(), Config{
		Fortress:  "F",
		Namespace: "a@b.com",
		Mode:      transport.ModeLocal,
		StateDir:  harness.stateDir,
		Store:     harness.store,
	})
	if !errors.Is(err, protocol.ErrFortressUnavailable) {
		t.Fatalf("stale fortress: err = %v, want ErrFortressUnavailable", err)
	}
}

func TestDuplicateBrokerConflicts(t *testing.T) {
	harness := newHarness(t)
	harness.start(t, func(config *Config) { config.Mode = transport.ModeOverlay })
	_, err := Start(context.Background(), Config{
		Fortress:  "F",
		Namespace: "a@b.com",
		Code:      "H7K9M3",
		Mode:      transport.ModeLocal,
		StateDir:  harness.stateDir,
		Store:     harness.store,
	})
	if !errors.Is(err, protocol.ErrStateStoreConflict) {
		t.Fatalf("err = %v, want ErrStateStoreConflict", err)
	}
}

func TestGeneratedCode(t *testing.T) {
	harness := newHarness(t)
	broker := harness.start(t, func(config *Config) { config.Code = "" })
	if err := discovery.ValidateCode(broker.Code()); err != nil {
		t.Fatalf("generated code %q invalid: %v", broker.Code(), err)
	}
	if !handshake(t, broker, "a@b.com", broker.Code()).OK {
		t.Fatal("handshake with the generated code failed")
	}
}
