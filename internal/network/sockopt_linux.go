//go:build linux

package network

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// iptosLowDelay is IPTOS_LOWDELAY from <netinet/ip.h>.
const iptosLowDelay = 0x10

// control applies SocketOptions before the socket is connected or bound.
// Failures are ignored: the options only tune latency and dead-peer detection.
func (o SocketOptions) control(network, address string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		if o.LowDelay && (network == "tcp4" || network == "tcp") {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, iptosLowDelay)
		}
		if o.UserTimeout > 0 {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(o.UserTimeout.Milliseconds()))
		}
	})
}
