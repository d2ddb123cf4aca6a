package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"kvmrelay/internal/protocol"
)

const waitFor = 2 * time.Second

// startReceiver listens on a loopback port and serves until the test ends.
func startReceiver(t *testing.T, cfg ReceiverConfig) *Receiver {
	t.Helper()

	r, err := NewReceiver(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, r.Listen(context.Background(), "127.0.0.1:0"))

	served := make(chan error, 1)
	go func() { served <- r.Serve(context.Background()) }()

	t.Cleanup(func() {
		require.NoError(t, r.Close())
		select {
		case err := <-served:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("Serve did not return after Close")
		}
	})
	return r
}

// dialRaw opens a plain TCP connection to r, bypassing the Sender.
func dialRaw(t *testing.T, r *Receiver) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", r.Addr().String(), waitFor)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func nextEvent(t *testing.T, r *Receiver) protocol.InputEvent {
	t.Helper()
	select {
	case ev, ok := <-r.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// testListener accepts raw connections for sender tests.
func testListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func acceptConn(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case res := <-ch:
		require.NoError(t, res.err)
		t.Cleanup(func() { res.c.Close() })
		return res.c
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func readEvents(t *testing.T, conn net.Conn, n int) []protocol.InputEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	fr := protocol.NewReader(conn, 0)
	out := make([]protocol.InputEvent, 0, n)
	for len(out) < n {
		ev, err := fr.ReadFrame()
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func testSenderConfig() SenderConfig {
	cfg := DefaultSenderConfig()
	cfg.DialTimeout = time.Second
	cfg.BackoffInitial = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	return cfg
}

// newSender builds a sender that is shut down when the test ends.
func newSender(t *testing.T, cfg SenderConfig) *Sender {
	t.Helper()
	s, err := NewSender(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

// dialFunc adapts a function to the Dialer interface.
type dialFunc func(ctx context.Context, address string) (net.Conn, error)

func (f dialFunc) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return f(ctx, address)
}

// waitReconnected blocks until s has reconnected n times and is streaming
// again, so anything sent afterwards goes to the new connection.
func waitReconnected(t *testing.T, s *Sender, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Status().Reconnects == n && s.State() == StateStreaming
	}, waitFor, 2*time.Millisecond)
}

func nextConn(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case c := <-conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}
