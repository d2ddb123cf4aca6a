package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kvmrelay/internal/protocol"
)

// WebSocketPath is the endpoint the receiver upgrades on.
const WebSocketPath = "/relay"

// wsReadLimit caps a single WebSocket message. One message carries one
// frame, so the cap is the length prefix plus the frame limit.
func wsReadLimit(maxFrameSize int) int64 {
	if maxFrameSize <= 0 {
		maxFrameSize = protocol.DefaultMaxFrameSize
	}
	return int64(protocol.LengthPrefixSize + maxFrameSize)
}

type wsDialer struct {
	d     websocket.Dialer
	limit int64
}

func newWSDialer(nd *net.Dialer, timeout time.Duration, maxFrameSize int) *wsDialer {
	return &wsDialer{
		d: websocket.Dialer{
			NetDialContext:   nd.DialContext,
			HandshakeTimeout: timeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		limit: wsReadLimit(maxFrameSize),
	}
}

func (d *wsDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	u := url.URL{Scheme: "ws", Host: address, Path: WebSocketPath}
	ws, resp, err := d.d.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWSConn(ws, d.limit), nil
}

// wsConn exposes a WebSocket as a byte stream so the frame codec runs
// unchanged on top of it. Writes become binary messages; reads walk across
// message boundaries.
type wsConn struct {
	ws    *websocket.Conn
	r     io.Reader
	limit int64
}

func newWSConn(ws *websocket.Conn, limit int64) *wsConn {
	ws.SetReadLimit(limit)
	return &wsConn{ws: ws, limit: limit}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				return 0, c.readErr(err)
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}

		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			return n, c.readErr(err)
		}
		return n, nil
	}
}

func (c *wsConn) readErr(err error) error {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return io.EOF
	case errors.Is(err, websocket.ErrReadLimit):
		return fmt.Errorf("%w: websocket message over %d bytes", protocol.ErrOversizedFrame, c.limit)
	}
	return err
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// wsListener accepts WebSocket upgrades on WebSocketPath and hands them out
// through the net.Listener interface.
type wsListener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	limit    int64
	log      *zap.Logger

	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func listenWebSocket(ctx context.Context, lc *net.ListenConfig, address string, maxFrameSize int, log *zap.Logger) (*wsListener, error) {
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		ln:    ln,
		limit: wsReadLimit(maxFrameSize),
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Peers are trusted LAN/tunnel endpoints, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Get(WebSocketPath, l.handleUpgrade)
	l.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("websocket listener stopped", zap.Error(err))
		}
	}()

	return l, nil
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := newWSConn(ws, l.limit)
	select {
	case l.conns <- conn:
	case <-l.done:
		conn.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}
