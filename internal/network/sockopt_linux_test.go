//go:build linux

package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSocketOptionsApplied(t *testing.T) {
	ln := testListener(t)
	opts := SocketOptions{LowDelay: true, UserTimeout: 3 * time.Second}

	d := net.Dialer{Timeout: waitFor, Control: opts.control}
	conn, err := d.DialContext(context.Background(), "tcp4", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	raw, err := conn.(*net.TCPConn).SyscallConn()
	require.NoError(t, err)

	var tos, userTimeout int
	var tosErr, utErr error
	require.NoError(t, raw.Control(func(fd uintptr) {
		tos, tosErr = unix.GetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS)
		userTimeout, utErr = unix.GetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT)
	}))
	require.NoError(t, tosErr)
	require.NoError(t, utErr)
	assert.Equal(t, iptosLowDelay, tos&0xfc)
	assert.Equal(t, 3000, userTimeout)
}
