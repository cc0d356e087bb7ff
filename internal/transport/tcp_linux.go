//go:build linux

package transport

import (
	"net"
	"syscall"
)

// tuneTCPConn applies the teacher's high-connection-count socket
// tuning (pkg/websocket/netpoll.go's SetTCPOptions) to a freshly
// upgraded WebSocket connection: Nagle disabled, quick ACK, and
// keepalive probing so a half-open peer is reaped instead of pinning a
// registry entry and writer channel forever.
func tuneTCPConn(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	file, err := tcpConn.File()
	if err != nil {
		return
	}
	defer file.Close()

	fd := int(file.Fd())
	syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_KEEPALIVE, 1)
	syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, syscall.TCP_KEEPIDLE, 30)
	syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, syscall.TCP_KEEPINTVL, 10)
	syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, syscall.TCP_KEEPCNT, 3)
}
