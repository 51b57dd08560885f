package testutil

import (
	"fmt"
	"net"
)

// FreeTCPPort reserves an ephemeral loopback port and returns its
// number. The listener is closed before returning, so the port is free
// for the caller to bind.
//
// The window between close and rebind is racy in principle; in practice
// the kernel does not reassign the port that quickly, and tests that
// bind it immediately are reliable.
func FreeTCPPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("reserve port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, fmt.Errorf("release port %d: %w", port, err)
	}
	return port, nil
}
