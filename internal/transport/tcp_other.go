//go:build !linux

package transport

import "net"

// tuneTCPConn is a no-op outside Linux; the socket options in
// tcp_linux.go are Linux-specific syscalls.
func tuneTCPConn(conn net.Conn) {}
