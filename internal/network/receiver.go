package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kvmrelay/internal/logging"
	"kvmrelay/internal/metrics"
	"kvmrelay/internal/protocol"
)

// ConflictPolicy decides what happens when a second peer connects while one
// is already streaming.
type ConflictPolicy string

const (
	// ConflictReplace closes the current peer and streams from the newcomer.
	ConflictReplace ConflictPolicy = "replace"
	// ConflictReject closes the newcomer and keeps the current peer.
	ConflictReject ConflictPolicy = "reject"
)

// ParseConflictPolicy validates a policy name; empty means ConflictReplace.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case "", ConflictReplace:
		return ConflictReplace, nil
	case ConflictReject:
		return ConflictReject, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q (want replace or reject)", s)
}

// ReceiverConfig configures the injection-side role.
type ReceiverConfig struct {
	Transport    Transport
	MaxFrameSize int
	// MaxCodecErrors is how many consecutive undecodable frames are skipped
	// before the connection is closed. 1 closes on the first one.
	MaxCodecErrors int
	EventBuffer    int
	Conflict       ConflictPolicy
	// ReadIdleTimeout closes a peer that sends nothing for this long; zero
	// disables it.
	ReadIdleTimeout time.Duration
	Socket          SocketOptions
	Verbose         bool
}

// DefaultReceiverConfig returns the settings used when nothing is configured.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Transport:      TransportTCP,
		MaxFrameSize:   protocol.DefaultMaxFrameSize,
		MaxCodecErrors: 1,
		EventBuffer:    256,
		Conflict:       ConflictReplace,
		Socket:         DefaultSocketOptions(),
	}
}

// Receiver accepts one peer at a time, decodes its frames and delivers the
// events, in order, on Events.
type Receiver struct {
	cfg    ReceiverConfig
	log    *zap.Logger
	state  stateBox
	events chan protocol.InputEvent

	mu      sync.Mutex
	ln      net.Listener
	active  *peer
	lastErr error
	serving bool

	closing   chan struct{}
	closeOnce sync.Once

	received  atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
	codecErrs atomic.Uint64
}

type peer struct {
	id   string
	conn net.Conn

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(conn net.Conn) *peer {
	return &peer{
		id:      uuid.NewString(),
		conn:    conn,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.conn.Close()
	})
}

// NewReceiver builds a receiver. Call Listen, then Serve.
func NewReceiver(cfg ReceiverConfig, log *zap.Logger) (*Receiver, error) {
	conflict, err := ParseConflictPolicy(string(cfg.Conflict))
	if err != nil {
		return nil, err
	}
	cfg.Conflict = conflict
	t, err := ParseTransport(string(cfg.Transport))
	if err != nil {
		return nil, err
	}
	cfg.Transport = t
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if cfg.MaxFrameSize < protocol.MaxPayloadSize {
		return nil, fmt.Errorf("max frame size %d is below the largest event payload (%d bytes)",
			cfg.MaxFrameSize, protocol.MaxPayloadSize)
	}
	if cfg.MaxCodecErrors <= 0 {
		cfg.MaxCodecErrors = 1
	}
	if cfg.EventBuffer < 0 {
		cfg.EventBuffer = 0
	}

	r := &Receiver{
		cfg:     cfg,
		log:     log.Named("receiver"),
		events:  make(chan protocol.InputEvent, cfg.EventBuffer),
		closing: make(chan struct{}),
	}
	r.state.store(StateDisconnected)
	return r, nil
}

// Listen binds address. Bind failures are returned as is; they are not
// retried.
func (r *Receiver) Listen(ctx context.Context, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ln != nil {
		return fmt.Errorf("receiver already listening on %s", r.ln.Addr())
	}
	select {
	case <-r.closing:
		return ErrClosed
	default:
	}

	ln, err := Listen(ctx, r.cfg.Transport, address, r.cfg.Socket, r.cfg.MaxFrameSize, r.log)
	if err != nil {
		return fmt.Errorf("listen %s: %w", address, err)
	}
	r.ln = ln
	r.state.store(StateListening)
	r.log.Info("listening", zap.String("address", ln.Addr().String()), zap.String("transport", string(r.cfg.Transport)))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Events delivers decoded events in arrival order. It is closed when Serve
// returns.
func (r *Receiver) Events() <-chan protocol.InputEvent {
	return r.events
}

// State returns the current lifecycle state.
func (r *Receiver) State() State {
	return r.state.load()
}

// LastError returns the error that ended the most recent peer connection.
func (r *Receiver) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Serve accepts peers until ctx is cancelled or Close is called. Failures of
// a single connection never end Serve; only listener failures do.
func (r *Receiver) Serve(ctx context.Context) error {
	r.mu.Lock()
	ln := r.ln
	switch {
	case ln == nil:
		r.mu.Unlock()
		return errors.New("receiver: Serve called before Listen")
	case r.serving:
		r.mu.Unlock()
		return errors.New("receiver: already serving")
	}
	r.serving = true
	r.mu.Unlock()

	defer close(r.events)

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { ln.Close() })
	defer stop()

	g.Go(func() error {
		defer r.closeActive()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if r.stopping(gctx) || errors.Is(err, net.ErrClosed) {
					return nil
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					r.log.Warn("accept timed out", zap.Error(err))
					continue
				}
				return fmt.Errorf("accept: %w", err)
			}

			p, ok := r.admit(conn)
			if !ok {
				continue
			}
			g.Go(func() error {
				r.stream(gctx, p)
				return nil
			})
		}
	})

	err := g.Wait()
	if r.State() != StateClosed {
		r.state.store(StateDisconnected)
	}
	return err
}

// Close stops accepting peers and closes the current one. Serve then
// returns nil.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.state.store(StateClosed)
		close(r.closing)

		r.mu.Lock()
		ln := r.ln
		r.mu.Unlock()
		if ln != nil {
			if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}
		r.closeActive()
		r.log.Info("receiver stopped",
			zap.Uint64("received", r.received.Load()),
			zap.Uint64("rejected", r.rejected.Load()),
		)
	})
	return err
}

// Status reports counters and the current peer.
func (r *Receiver) Status() Status {
	st := Status{
		Role:      "receiver",
		State:     r.State().String(),
		Transport: string(r.cfg.Transport),
		Received:  r.received.Load(),
		Dropped:   r.dropped.Load(),
		Rejected:  r.rejected.Load(),
		CodecErrs: r.codecErrs.Load(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln != nil {
		st.Address = r.ln.Addr().String()
	}
	if r.active != nil {
		st.Peer = r.active.conn.RemoteAddr().String()
	}
	return st
}

func (r *Receiver) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-r.closing:
		return true
	default:
		return false
	}
}

// admit applies the conflict policy to a freshly accepted conn.
func (r *Receiver) admit(conn net.Conn) (*peer, bool) {
	remote := conn.RemoteAddr().String()

	r.mu.Lock()
	old := r.active
	if old != nil && r.cfg.Conflict == ConflictReject {
		r.mu.Unlock()
		r.rejected.Add(1)
		metrics.Connections.WithLabelValues("receiver", "rejected").Inc()
		r.log.Warn("rejecting peer, already streaming",
			zap.String("peer", remote),
			zap.String("current", old.conn.RemoteAddr().String()),
		)
		conn.Close()
		return nil, false
	}
	p := newPeer(conn)
	r.active = p
	r.mu.Unlock()

	if old != nil {
		metrics.Connections.WithLabelValues("receiver", "replaced").Inc()
		r.log.Info("replacing peer", zap.String("old", old.conn.RemoteAddr().String()), zap.String("new", remote))
		old.close()
		<-old.done
	}

	metrics.Connections.WithLabelValues("receiver", "accepted").Inc()
	r.state.store(StateAccepted)
	r.log.Info("peer accepted", zap.String("conn", p.id), zap.String("peer", remote))
	return p, true
}

func (r *Receiver) closeActive() {
	r.mu.Lock()
	p := r.active
	r.mu.Unlock()
	if p != nil {
		p.close()
	}
}

// stream reads frames from p until its connection ends or must be dropped.
func (r *Receiver) stream(ctx context.Context, p *peer) {
	defer r.release(p)

	log := r.log.With(zap.String("conn", p.id), zap.String("peer", p.conn.RemoteAddr().String()))
	r.state.store(StateStreaming)

	fr := protocol.NewReader(bufio.NewReader(p.conn), r.cfg.MaxFrameSize)
	codecErrs := 0
	for {
		if r.cfg.ReadIdleTimeout > 0 {
			if err := p.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadIdleTimeout)); err != nil {
				r.finish(log, p, fmt.Errorf("set read deadline: %w", err))
				return
			}
		}

		ev, err := fr.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrCodec) {
				codecErrs++
				r.codecErrs.Add(1)
				metrics.FrameErrors.WithLabelValues("receiver", "codec").Inc()
				if codecErrs < r.cfg.MaxCodecErrors {
					log.Warn("skipping undecodable frame", zap.Error(err), zap.Int("consecutive", codecErrs))
					continue
				}
			}
			r.finish(log, p, err)
			return
		}
		codecErrs = 0

		select {
		case r.events <- ev:
		case <-p.closing:
			r.drop()
			r.finish(log, p, nil)
			return
		case <-ctx.Done():
			r.drop()
			r.finish(log, p, nil)
			return
		}

		r.received.Add(1)
		metrics.FramesReceived.WithLabelValues(ev.Kind().String()).Inc()
		if ce := log.Check(zap.DebugLevel, "frame received"); ce != nil {
			ce.Write(logging.Event(ev, r.cfg.Verbose))
		}
	}
}

func (r *Receiver) drop() {
	r.dropped.Add(1)
	metrics.EventsDropped.WithLabelValues("receiver_closed").Inc()
}

// finish logs why p ended and records err as the last connection error.
func (r *Receiver) finish(log *zap.Logger, p *peer, err error) {
	select {
	case <-p.closing:
		log.Info("peer closed locally")
		return
	default:
	}

	switch {
	case err == nil:
		return
	case errors.Is(err, protocol.ErrCodec):
		log.Warn("closing connection after undecodable frames", zap.Error(err))
	case errors.Is(err, protocol.ErrOversizedFrame):
		metrics.FrameErrors.WithLabelValues("receiver", "oversized").Inc()
		log.Warn("closing connection on oversized frame", zap.Error(err))
	default:
		metrics.FrameErrors.WithLabelValues("receiver", frameErrorLabel(err)).Inc()
		log.Info("peer disconnected", zap.Error(err))
	}

	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

// release closes p and, unless a newer peer took over, returns to Listening.
func (r *Receiver) release(p *peer) {
	p.close()

	r.mu.Lock()
	if r.active == p {
		r.active = nil
		if r.State() != StateClosed {
			r.state.store(StateListening)
		}
	}
	r.mu.Unlock()
	close(p.done)
}
