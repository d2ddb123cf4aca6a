package network

import "time"

// SocketOptions tunes the TCP sockets used by both roles.
type SocketOptions struct {
	// LowDelay marks outgoing packets with the IPTOS_LOWDELAY type of service.
	LowDelay bool
	// UserTimeout bounds how long written data may stay unacknowledged before
	// the kernel drops the connection (Linux only).
	UserTimeout time.Duration
}

// DefaultSocketOptions favours prompt detection of a vanished peer.
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		LowDelay:    true,
		UserTimeout: 5 * time.Second,
	}
}
