package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/gorilla/websocket"
)

var (
	// ErrClosed is returned once a role has been shut down.
	ErrClosed = errors.New("relay closed")
	// ErrAlreadyConnected is returned by Connect while a connection is live
	// or being re-established.
	ErrAlreadyConnected = errors.New("sender already connected")
)

// ConnectReason classifies a failed dial.
type ConnectReason string

const (
	ConnectResolve     ConnectReason = "resolve"
	ConnectRefused     ConnectReason = "refused"
	ConnectTimeout     ConnectReason = "timeout"
	ConnectUnreachable ConnectReason = "unreachable"
	ConnectHandshake   ConnectReason = "handshake"
)

// ConnectError is returned when the sender cannot reach its peer.
type ConnectError struct {
	Addr   string
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Addr, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the same address may succeed.
func (e *ConnectError) Temporary() bool {
	return e.Reason != ConnectResolve
}

func newConnectError(addr string, err error) *ConnectError {
	return &ConnectError{Addr: addr, Reason: classifyDialError(err), Err: err}
}

func classifyDialError(err error) ConnectReason {
	var dnsErr *net.DNSError
	var addrErr *net.AddrError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr), errors.As(err, &addrErr):
		return ConnectResolve
	case errors.Is(err, syscall.ECONNREFUSED):
		return ConnectRefused
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ConnectTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ConnectTimeout
	case errors.Is(err, websocket.ErrBadHandshake):
		return ConnectHandshake
	}
	return ConnectUnreachable
}
