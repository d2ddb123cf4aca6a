package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// Transport selects how frames travel between the roles.
type Transport string

const (
	// TransportTCP writes frames directly on a TCP stream.
	TransportTCP Transport = "tcp"
	// TransportWebSocket carries each frame in one binary WebSocket message.
	TransportWebSocket Transport = "ws"
)

// ParseTransport validates a transport name; empty means TCP.
func ParseTransport(s string) (Transport, error) {
	switch Transport(s) {
	case "", TransportTCP:
		return TransportTCP, nil
	case TransportWebSocket:
		return TransportWebSocket, nil
	}
	return "", fmt.Errorf("unknown transport %q (want tcp or ws)", s)
}

// Dialer opens outbound connections for the sender.
type Dialer interface {
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// NewDialer returns a Dialer for t. maxFrameSize bounds what the WebSocket
// transport accepts from the peer.
func NewDialer(t Transport, timeout time.Duration, opts SocketOptions, maxFrameSize int) (Dialer, error) {
	nd := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 15 * time.Second,
		Control:   opts.control,
	}

	switch t {
	case "", TransportTCP:
		return tcpDialer{nd}, nil
	case TransportWebSocket:
		return newWSDialer(nd, timeout, maxFrameSize), nil
	}
	return nil, fmt.Errorf("unknown transport %q", t)
}

type tcpDialer struct {
	d *net.Dialer
}

func (d tcpDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return d.d.DialContext(ctx, "tcp", address)
}

// Listen binds address for the receiver. On the WebSocket transport a
// message longer than one maxFrameSize frame fails with
// protocol.ErrOversizedFrame, as it does on TCP.
func Listen(ctx context.Context, t Transport, address string, opts SocketOptions, maxFrameSize int, log *zap.Logger) (net.Listener, error) {
	lc := net.ListenConfig{
		KeepAlive: 15 * time.Second,
		Control:   opts.control,
	}

	switch t {
	case "", TransportTCP:
		return lc.Listen(ctx, "tcp", address)
	case TransportWebSocket:
		ln, err := listenWebSocket(ctx, &lc, address, maxFrameSize, log)
		if err != nil {
			return nil, err
		}
		return ln, nil
	}
	return nil, fmt.Errorf("unknown transport %q", t)
}
