package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"kvmrelay/internal/logging"
	"kvmrelay/internal/metrics"
	"kvmrelay/internal/protocol"
)

// SenderConfig configures the capture-side role.
type SenderConfig struct {
	Transport    Transport
	QueueSize    int
	Backpressure Backpressure

	// Reconnect re-dials with exponential backoff after a connection breaks.
	// Without it the sender stays disconnected until Connect is called again.
	Reconnect bool
	// DiscardOnReconnect drops events queued while the link was down, so the
	// peer does not replay a backlog of stale pointer positions.
	DiscardOnReconnect bool

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// ReconnectGiveUp stops reconnecting after this long; zero retries forever.
	ReconnectGiveUp time.Duration

	MaxFrameSize int
	Socket       SocketOptions
	Verbose      bool

	// Dialer overrides the transport's default dialer.
	Dialer Dialer
}

// DefaultSenderConfig returns the settings used when nothing is configured.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Transport:          TransportTCP,
		QueueSize:          256,
		Backpressure:       DropOldest,
		Reconnect:          true,
		DiscardOnReconnect: true,
		DialTimeout:        3 * time.Second,
		WriteTimeout:       2 * time.Second,
		BackoffInitial:     100 * time.Millisecond,
		BackoffMax:         5 * time.Second,
		MaxFrameSize:       protocol.DefaultMaxFrameSize,
		Socket:             DefaultSocketOptions(),
	}
}

// Sender frames events from the capture source onto an outbound connection.
//
// Send may be called from any goroutine. The connection itself is owned by a
// single streaming goroutine, started by Connect, which is the only writer.
type Sender struct {
	cfg    SenderConfig
	dialer Dialer
	log    *zap.Logger
	queue  *queue
	state  stateBox

	// stopCtx ends when Shutdown starts; killCtx ends when sockets must be
	// closed right away.
	stopCtx context.Context
	stop    context.CancelFunc
	killCtx context.Context
	kill    context.CancelFunc

	mu      sync.Mutex
	running bool
	addr    string
	peer    string
	done    chan struct{}
	err     error

	wg sync.WaitGroup

	sent       atomic.Uint64
	dropped    atomic.Uint64
	reconnects atomic.Uint64
}

// NewSender builds a sender in the Disconnected state.
func NewSender(cfg SenderConfig, log *zap.Logger) (*Sender, error) {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if cfg.MaxFrameSize < protocol.MaxPayloadSize {
		return nil, fmt.Errorf("max frame size %d is below the largest event payload (%d bytes)",
			cfg.MaxFrameSize, protocol.MaxPayloadSize)
	}
	if cfg.Backpressure == "" {
		cfg.Backpressure = DropOldest
	}
	if _, err := ParseBackpressure(string(cfg.Backpressure)); err != nil {
		return nil, err
	}
	t, err := ParseTransport(string(cfg.Transport))
	if err != nil {
		return nil, err
	}
	cfg.Transport = t

	dialer := cfg.Dialer
	if dialer == nil {
		d, err := NewDialer(cfg.Transport, cfg.DialTimeout, cfg.Socket, cfg.MaxFrameSize)
		if err != nil {
			return nil, err
		}
		dialer = d
	}

	s := &Sender{
		cfg:    cfg,
		dialer: dialer,
		log:    log.Named("sender"),
		queue:  newQueue(cfg.QueueSize, cfg.Backpressure),
	}
	s.stopCtx, s.stop = context.WithCancel(context.Background())
	s.killCtx, s.kill = context.WithCancel(context.Background())
	s.state.store(StateDisconnected)
	return s, nil
}

// State returns the current lifecycle state.
func (s *Sender) State() State {
	return s.state.load()
}

// Connect dials address and starts streaming queued events to it. It returns
// a *ConnectError when the peer cannot be reached.
func (s *Sender) Connect(ctx context.Context, address string) error {
	s.mu.Lock()
	switch {
	case s.stopCtx.Err() != nil:
		s.mu.Unlock()
		return ErrClosed
	case s.running:
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.running = true
	s.addr = address
	s.mu.Unlock()

	conn, err := s.dial(ctx, address)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.running = false
		return err
	}
	if s.stopCtx.Err() != nil {
		s.running = false
		conn.Close()
		s.state.store(StateClosed)
		return ErrClosed
	}

	// Added under mu so Shutdown never waits on a group that is still growing.
	s.wg.Add(1)
	s.done = make(chan struct{})
	s.err = nil
	go s.run(conn, s.done)
	return nil
}

// Done is closed when the streaming started by the last successful Connect
// ends: after Shutdown, when the link breaks with Reconnect off, or when
// reconnecting gives up. It is nil before the first Connect.
func (s *Sender) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns why streaming ended once Done is closed. It is nil after a
// Shutdown.
func (s *Sender) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send hands ev to the streaming goroutine according to the backpressure
// policy. Events sent while disconnected wait in the bounded queue.
func (s *Sender) Send(ev protocol.InputEvent) error {
	if s.stopCtx.Err() != nil {
		return ErrClosed
	}

	evicted, err := s.queue.push(s.stopCtx, ev)
	if err != nil {
		return ErrClosed
	}
	if evicted > 0 {
		s.dropped.Add(uint64(evicted))
		metrics.EventsDropped.WithLabelValues("queue_full").Add(float64(evicted))
		s.log.Debug("queue full, dropped oldest events", zap.Int("dropped", evicted))
	}
	return nil
}

// Shutdown stops accepting events, writes what is still queued while ctx
// allows, then closes the connection. When ctx ends first the socket is
// closed immediately, which aborts any write in progress.
func (s *Sender) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stop()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("shutdown deadline reached, closing connection", zap.Int("unsent", s.queue.len()))
		s.kill()
		<-done
		err = ctx.Err()
	}

	s.kill()
	if n := s.queue.discard(); n > 0 {
		s.dropped.Add(uint64(n))
		metrics.EventsDropped.WithLabelValues("shutdown").Add(float64(n))
	}
	s.state.store(StateClosed)
	s.log.Info("sender stopped",
		zap.Uint64("sent", s.sent.Load()),
		zap.Uint64("dropped", s.dropped.Load()),
	)
	return err
}

// Status reports counters and the current peer.
func (s *Sender) Status() Status {
	s.mu.Lock()
	addr, peer := s.addr, s.peer
	s.mu.Unlock()

	return Status{
		Role:       "sender",
		State:      s.State().String(),
		Transport:  string(s.cfg.Transport),
		Address:    addr,
		Peer:       peer,
		Sent:       s.sent.Load(),
		Dropped:    s.dropped.Load(),
		Reconnects: s.reconnects.Load(),
	}
}

func (s *Sender) dial(ctx context.Context, address string) (net.Conn, error) {
	s.state.store(StateConnecting)
	s.log.Info("connecting", zap.String("address", address))

	if s.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()
	}

	conn, err := s.dialer.DialContext(ctx, address)
	if err != nil {
		s.state.store(StateDisconnected)
		cerr := newConnectError(address, err)
		metrics.Connections.WithLabelValues("sender", string(cerr.Reason)).Inc()
		return nil, cerr
	}

	metrics.Connections.WithLabelValues("sender", "connected").Inc()
	s.mu.Lock()
	s.peer = conn.RemoteAddr().String()
	s.mu.Unlock()
	return conn, nil
}

// run owns conn and every connection that replaces it.
func (s *Sender) run(conn net.Conn, done chan struct{}) {
	var exitErr error
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.peer = ""
		s.err = exitErr
		s.mu.Unlock()
		close(done)
	}()

	for {
		id := uuid.NewString()
		log := s.log.With(zap.String("conn", id), zap.String("peer", conn.RemoteAddr().String()))
		log.Info("streaming")

		err := s.stream(conn, log)
		conn.Close()
		if err == nil || s.stopCtx.Err() != nil {
			if err != nil {
				log.Debug("stream ended during shutdown", zap.Error(err))
			}
			s.state.store(StateDisconnected)
			return
		}

		s.state.store(StateDisconnected)
		log.Warn("connection lost", zap.Error(err))
		if !s.cfg.Reconnect {
			exitErr = err
			return
		}

		conn, err = s.reconnect()
		if err != nil {
			if s.stopCtx.Err() == nil {
				exitErr = fmt.Errorf("reconnect gave up: %w", err)
				log.Error("giving up reconnecting", zap.Error(err))
			}
			return
		}
		s.reconnects.Add(1)

		if s.cfg.DiscardOnReconnect {
			if n := s.queue.discard(); n > 0 {
				s.dropped.Add(uint64(n))
				metrics.EventsDropped.WithLabelValues("stale").Add(float64(n))
				s.log.Info("discarded events queued while disconnected", zap.Int("count", n))
			}
		}
	}
}

// stream writes queued events to conn until the connection fails (non-nil
// error) or shutdown has drained the queue (nil).
func (s *Sender) stream(conn net.Conn, log *zap.Logger) error {
	s.state.store(StateStreaming)
	stopClose := context.AfterFunc(s.killCtx, func() { conn.Close() })
	defer stopClose()

	w := protocol.NewWriter(conn, s.cfg.MaxFrameSize)
	for {
		select {
		case ev := <-s.queue.ch:
			if err := s.write(conn, w, ev, log); err != nil {
				return err
			}
		case <-s.stopCtx.Done():
			return s.drain(conn, w, log)
		}
	}
}

func (s *Sender) drain(conn net.Conn, w *protocol.Writer, log *zap.Logger) error {
	for {
		select {
		case ev := <-s.queue.ch:
			if err := s.write(conn, w, ev, log); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Sender) write(conn net.Conn, w *protocol.Writer, ev protocol.InputEvent, log *zap.Logger) error {
	metrics.QueueDepth.Set(float64(s.queue.len()))
	if s.cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	start := time.Now()
	if err := w.WriteFrame(ev); err != nil {
		if errors.Is(err, protocol.ErrOversizedFrame) {
			// Refused before anything reached the socket; the link is intact.
			s.dropped.Add(1)
			metrics.EventsDropped.WithLabelValues("oversized").Inc()
			log.Warn("event larger than the frame limit, dropped", zap.Error(err))
			return nil
		}
		s.dropped.Add(1)
		metrics.EventsDropped.WithLabelValues("write_failed").Inc()
		metrics.FrameErrors.WithLabelValues("sender", frameErrorLabel(err)).Inc()
		return err
	}
	metrics.WriteLatency.Observe(time.Since(start).Seconds())
	metrics.FramesSent.WithLabelValues(ev.Kind().String()).Inc()
	s.sent.Add(1)

	if ce := log.Check(zap.DebugLevel, "frame sent"); ce != nil {
		ce.Write(logging.Event(ev, s.cfg.Verbose))
	}
	return nil
}

func (s *Sender) reconnect() (net.Conn, error) {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffInitial
	b.MaxInterval = s.cfg.BackoffMax
	b.MaxElapsedTime = s.cfg.ReconnectGiveUp
	b.Reset()

	// Every dial failure is retried here, resolve errors included.
	var conn net.Conn
	op := func() error {
		c, err := s.dial(s.stopCtx, addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.log.Warn("reconnect failed", zap.Error(err), zap.Duration("retry_in", next))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, s.stopCtx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func frameErrorLabel(err error) string {
	switch {
	case errors.Is(err, protocol.ErrOversizedFrame):
		return "oversized"
	case errors.Is(err, protocol.ErrShortWrite):
		return "short_write"
	case errors.Is(err, protocol.ErrCodec):
		return "codec"
	case errors.Is(err, protocol.ErrConnectionClosed):
		return "closed"
	default:
		return "io"
	}
}
