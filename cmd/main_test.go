package main

import (
	"context"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"kvmrelay/internal/network"
)

type dialFunc func(ctx context.Context, address string) (net.Conn, error)

func (f dialFunc) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return f(ctx, address)
}

func newTestSender(t *testing.T, d network.Dialer) *network.Sender {
	t.Helper()
	cfg := network.DefaultSenderConfig()
	cfg.Dialer = d
	s, err := network.NewSender(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestConnectWithRetryUsesInitialInterval(t *testing.T) {
	var calls atomic.Int32
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	s := newTestSender(t, dialFunc(func(ctx context.Context, address string) (net.Conn, error) {
		if calls.Add(1) <= 2 {
			return nil, refused
		}
		client, server := net.Pipe()
		t.Cleanup(func() { server.Close() })
		return client, nil
	}))

	start := time.Now()
	err := connectWithRetry(context.Background(), s, "relay:24800", 5*time.Millisecond, 20*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	// Two retries at the library's 500ms default would take well over this.
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestConnectWithRetryStopsOnResolveError(t *testing.T) {
	var calls atomic.Int32
	s := newTestSender(t, dialFunc(func(ctx context.Context, address string) (net.Conn, error) {
		calls.Add(1)
		return nil, &net.DNSError{Err: "no such host", Name: "relay.lan", IsNotFound: true}
	}))

	err := connectWithRetry(context.Background(), s, "relay.lan:24800", 5*time.Millisecond, 20*time.Millisecond, zaptest.NewLogger(t))
	var cerr *network.ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, network.ConnectResolve, cerr.Reason)
	assert.EqualValues(t, 1, calls.Load())
}
