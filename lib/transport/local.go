// Copyright 2026 The Eddi Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ListenLocal binds a Unix socket at path, readable and writable by the
// owner only. A stale socket file left by a dead process is removed
// first; the parent directory is created with mode 0700.
func ListenLocal(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restricting socket %s: %w", path, err)
	}
	// Closing the listener unlinks the socket file.
	listener.(*net.UnixListener).SetUnlinkOnClose(true)
	return listener, nil
}

// DialLocal connects to the Unix socket at path.
func DialLocal(ctx context.Context, path string) (net.Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// LocalAvailable reports whether a socket file exists at path.
func LocalAvailable(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeSocket != 0
}

// PeerCredentials is the identity of the process on the other end of a
// local connection.
type PeerCredentials struct {
	PID int32
	UID uint32
	GID uint32
}

// LocalPeer reads SO_PEERCRED from a Unix connection. ok is false for
// other connection types or when the kernel does not report them.
func LocalPeer(conn net.Conn) (credentials PeerCredentials, ok bool) {
	unixConn, isUnix := conn.(*net.UnixConn)
	if !isUnix {
		return PeerCredentials{}, false
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return PeerCredentials{}, false
	}
	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || sockErr != nil || ucred == nil {
		return PeerCredentials{}, false
	}
	return PeerCredentials{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, true
}

// BrokerSocketPath is where the broker with the given derived id listens
// locally. Clients compute the same path from the id alone.
func BrokerSocketPath(stateDir, derivedID string) string {
	return filepath.Join(stateDir, "brokers", derivedID+".sock")
}

// FortressSocketPath is where the fortress with the given id listens
// locally. The id rather than the name keeps arbitrary names out of
// filesystem paths.
func FortressSocketPath(stateDir, fortressID string) string {
	return filepath.Join(stateDir, "fortresses", fortressID+".sock")
}
