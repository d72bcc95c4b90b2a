// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eddi-project/eddi/lib/protocol"
	"github.com/eddi-project/eddi/lib/testutil"
)

var errOverlayDown = errors.New("overlay unreachable")

func testSeed(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 32)
}

func TestParseMode(t *testing.T) {
	for input, want := range map[string]Mode{
		"":        ModeHybrid,
		"local":   ModeLocal,
		" Tor ":   "",
		"OVERLAY": ModeOverlay,
		"hybrid":  ModeHybrid,
	} {
		got, err := ParseMode(input)
		if want == "" {
			if err == nil {
				t.Errorf("ParseMode(%q) accepted an unknown mode", input)
			}
			continue
		}
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v; want %q", input, got, err, want)
		}
	}
}

func TestListenLocalReplacesStaleSocketAndRestrictsMode(t *testing.T) {
	path := filepath.Join(testutil.SocketDir(t), "nested", "f.sock")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	listener, err := ListenLocal(path)
	if err != nil {
		t.Fatalf("ListenLocal: %v", err)
	}
	defer listener.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Fatalf("%s is not a socket", path)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("socket mode = %o, want 600", perm)
	}
	if !LocalAvailable(path) {
		t.Fatal("LocalAvailable = false for a bound socket")
	}
}

func TestLocalPeerReportsOwnProcess(t *testing.T) {
	path := filepath.Join(testutil.SocketDir(t), "peer.sock")
	listener, err := ListenLocal(path)
	if err != nil {
		t.Fatalf("ListenLocal: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := DialLocal(context.Background(), path)
	if err != nil {
		t.Fatalf("DialLocal: %v", err)
	}
	defer client.Close()
	server := testutil.RequireReceive(t, accepted, 5*time.Second, "accept")
	defer server.Close()

	credentials, ok := LocalPeer(server)
	if !ok {
		t.Fatal("LocalPeer returned no credentials")
	}
	if int(credentials.PID) != os.Getpid() {
		t.Errorf("peer pid = %d, want %d", credentials.PID, os.Getpid())
	}

	pipeEnd, _ := net.Pipe()
	if _, ok := LocalPeer(pipeEnd); ok {
		t.Error("LocalPeer reported credentials for a pipe")
	}
}

func TestOnionAddress(t *testing.T) {
	first, err := OnionAddress(testSeed(1))
	if err != nil {
		t.Fatalf("OnionAddress: %v", err)
	}
	again, _ := OnionAddress(testSeed(1))
	other, _ := OnionAddress(testSeed(2))

	if first != again {
		t.Errorf("address not deterministic: %s vs %s", first, again)
	}
	if first == other {
		t.Error("different seeds produced the same address")
	}
	if len(first) != 62 || !strings.HasSuffix(first, ".onion") {
		t.Errorf("address %q is not a v3 onion host", first)
	}
	if !ValidOnion(first) {
		t.Errorf("ValidOnion(%q) = false", first)
	}

	corrupted := []byte(first)
	if corrupted[0] == 'a' {
		corrupted[0] = 'b'
	} else {
		corrupted[0] = 'a'
	}
	if ValidOnion(string(corrupted)) {
		t.Error("checksum did not catch a corrupted address")
	}

	if _, err := OnionAddress([]byte("short")); err == nil {
		t.Error("OnionAddress accepted a short seed")
	}
}

func TestExpandedKeyIsClamped(t *testing.T) {
	key := expandedKey(testSeed(7))
	if key[0]&7 != 0 || key[31]&128 != 0 || key[31]&64 == 0 {
		t.Fatalf("expanded key is not clamped: %x", key[:32])
	}
}

func TestMemoryOverlayPublishAndDial(t *testing.T) {
	overlay := NewMemoryOverlay()
	ctx := context.Background()

	listener, address, err := overlay.Publish(ctx, testSeed(3))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	wantAddress, _ := overlay.Address(testSeed(3))
	if address != wantAddress {
		t.Fatalf("published at %s, Address says %s", address, wantAddress)
	}
	if _, _, err := overlay.Publish(ctx, testSeed(3)); err == nil {
		t.Fatal("second Publish of the same seed succeeded")
	}

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
		conn.Close()
	}()

	conn, err := overlay.Dial(ctx, address)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Write([]byte("ping"))
	reply := make([]byte, 4)
	if _, err := io.ReadFull(conn, reply); err != nil || string(reply) != "ping" {
		t.Fatalf("echo = %q, %v", reply, err)
	}
	conn.Close()

	listener.Close()
	if overlay.Published(address) {
		t.Fatal("address still published after Close")
	}
	if _, err := overlay.Dial(ctx, address); err == nil {
		t.Fatal("Dial succeeded after Close")
	}
}

func TestHybridServesBothTransportsWithTags(t *testing.T) {
	overlay := NewMemoryOverlay()
	localPath := filepath.Join(testutil.SocketDir(t), "hybrid.sock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hybrid, err := Listen(ctx, Config{
		Mode:        ModeHybrid,
		LocalPath:   localPath,
		Overlay:     overlay,
		OverlaySeed: testSeed(4),
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if hybrid.OverlayErr() != nil || hybrid.OverlayAddress() == "" {
		t.Fatalf("overlay not serving: %v", hybrid.OverlayErr())
	}

	tags := make(chan Tag, 2)
	served := make(chan error, 1)
	go func() {
		served <- hybrid.Serve(ctx, func(_ context.Context, conn net.Conn, tag Tag) {
			defer conn.Close()
			tags <- tag
			conn.Write([]byte(tag))
		})
	}()

	dialer := &Dialer{Overlay: overlay}
	localConn, tag, err := dialer.Dial(ctx, hybrid.LocalAddress(), hybrid.OverlayAddress())
	if err != nil || tag != TagLocal {
		t.Fatalf("Dial preferring local = %v, %v", tag, err)
	}
	io.ReadAll(localConn)
	localConn.Close()

	overlayConn, tag, err := dialer.Dial(ctx, "", hybrid.OverlayAddress())
	if err != nil || tag != TagOverlay {
		t.Fatalf("Dial overlay = %v, %v", tag, err)
	}
	io.ReadAll(overlayConn)
	overlayConn.Close()

	seen := map[Tag]bool{}
	seen[testutil.RequireReceive(t, tags, 5*time.Second, "first tag")] = true
	seen[testutil.RequireReceive(t, tags, 5*time.Second, "second tag")] = true
	if !seen[TagLocal] || !seen[TagOverlay] {
		t.Fatalf("handler saw tags %v, want local and overlay", seen)
	}

	cancel()
	if err := testutil.RequireReceive(t, served, 5*time.Second, "Serve return"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if _, err := os.Stat(localPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket file survived shutdown: %v", err)
	}
}

func TestHybridDegradesToLocalWhenOverlayFails(t *testing.T) {
	overlay := NewMemoryOverlay()
	overlay.FailPublish(errOverlayDown)
	ctx := context.Background()

	hybrid, err := Listen(ctx, Config{
		Mode:        ModeHybrid,
		LocalPath:   filepath.Join(testutil.SocketDir(t), "degraded.sock"),
		Overlay:     overlay,
		OverlaySeed: testSeed(5),
	})
	if err != nil {
		t.Fatalf("hybrid Listen failed outright: %v", err)
	}
	defer hybrid.Close()

	if !errors.Is(hybrid.OverlayErr(), protocol.ErrTransportUnavailable) {
		t.Errorf("OverlayErr = %v, want ErrTransportUnavailable", hybrid.OverlayErr())
	}
	if tags := hybrid.Tags(); len(tags) != 1 || tags[0] != TagLocal {
		t.Errorf("tags = %v, want [local]", tags)
	}

	_, err = Listen(ctx, Config{Mode: ModeOverlay, Overlay: overlay, OverlaySeed: testSeed(6)})
	if !errors.Is(err, protocol.ErrTransportUnavailable) || !errors.Is(err, errOverlayDown) {
		t.Fatalf("overlay-only Listen error = %v, want TransportUnavailable wrapping the cause", err)
	}
}

func TestHybridDegradesToOverlayWhenLocalFails(t *testing.T) {
	overlay := NewMemoryOverlay()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A regular file where the socket directory should be.
	blocker := filepath.Join(testutil.SocketDir(t), "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	localPath := filepath.Join(blocker, "f.sock")

	hybrid, err := Listen(ctx, Config{
		Mode:        ModeHybrid,
		LocalPath:   localPath,
		Overlay:     overlay,
		OverlaySeed: testSeed(7),
	})
	if err != nil {
		t.Fatalf("hybrid Listen failed outright: %v", err)
	}
	defer hybrid.Close()

	if !errors.Is(hybrid.LocalErr(), protocol.ErrTransportUnavailable) {
		t.Errorf("LocalErr = %v, want ErrTransportUnavailable", hybrid.LocalErr())
	}
	if tags := hybrid.Tags(); len(tags) != 1 || tags[0] != TagOverlay {
		t.Errorf("tags = %v, want [overlay]", tags)
	}
	if hybrid.LocalAddress() != "" || hybrid.OverlayAddress() == "" {
		t.Errorf("addresses = %q / %q, want overlay only", hybrid.LocalAddress(), hybrid.OverlayAddress())
	}

	served := make(chan error, 1)
	go func() {
		served <- hybrid.Serve(ctx, func(_ context.Context, conn net.Conn, tag Tag) {
			defer conn.Close()
			conn.Write([]byte(tag))
		})
	}()
	dialer := &Dialer{Overlay: overlay}
	conn, tag, err := dialer.Dial(ctx, hybrid.LocalAddress(), hybrid.OverlayAddress())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if tag != TagOverlay {
		t.Errorf("dialed over %s, want overlay", tag)
	}

	// Local mode has nothing to fall back on.
	if _, err := Listen(ctx, Config{Mode: ModeLocal, LocalPath: localPath}); !errors.Is(err, protocol.ErrTransportUnavailable) {
		t.Errorf("local-only Listen error = %v, want ErrTransportUnavailable", err)
	}
	cancel()
	testutil.RequireReceive(t, served, 10*time.Second, "Serve return")
}

func TestHybridFailsWhenBothTransportsFail(t *testing.T) {
	overlay := NewMemoryOverlay()
	overlay.FailPublish(errOverlayDown)
	blocker := filepath.Join(testutil.SocketDir(t), "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Listen(context.Background(), Config{
		Mode:        ModeHybrid,
		LocalPath:   filepath.Join(blocker, "f.sock"),
		Overlay:     overlay,
		OverlaySeed: testSeed(8),
	})
	if !errors.Is(err, protocol.ErrTransportUnavailable) || !errors.Is(err, errOverlayDown) {
		t.Fatalf("err = %v, want both failures", err)
	}
}

func TestDialerWithNothingReachable(t *testing.T) {
	dialer := &Dialer{}
	_, _, err := dialer.Dial(context.Background(), "/nonexistent/socket", "")
	if !errors.Is(err, protocol.ErrTransportUnavailable) {
		t.Fatalf("err = %v, want ErrTransportUnavailable", err)
	}
}

func TestSocketPaths(t *testing.T) {
	if got := BrokerSocketPath("/state", "abc"); got != "/state/brokers/abc.sock" {
		t.Errorf("BrokerSocketPath = %s", got)
	}
	if got := FortressSocketPath("/state", "id"); got != "/state/fortresses/id.sock" {
		t.Errorf("FortressSocketPath = %s", got)
	}
}
