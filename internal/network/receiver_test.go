package network

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"kvmrelay/internal/protocol"
)

func TestReceiverMoveThenClick(t *testing.T) {
	r := startReceiver(t, DefaultReceiverConfig())
	conn := dialRaw(t, r)

	require.NoError(t, protocol.WriteFrame(conn, protocol.PointerMove{X: 100, Y: 200}))
	require.NoError(t, protocol.WriteFrame(conn, protocol.PointerButton{Button: protocol.ButtonLeft, Pressed: true}))

	assert.Equal(t, protocol.InputEvent(protocol.PointerMove{X: 100, Y: 200}), nextEvent(t, r))
	assert.Equal(t, protocol.InputEvent(protocol.PointerButton{Button: protocol.ButtonLeft, Pressed: true}), nextEvent(t, r))
	assert.Equal(t, StateStreaming, r.State())
}

func TestReceiverSeveredMidFrame(t *testing.T) {
	r := startReceiver(t, DefaultReceiverConfig())
	conn := dialRaw(t, r)

	frame := protocol.AppendFrame(nil, protocol.PointerMove{X: 1, Y: 2})
	_, err := conn.Write(frame[:protocol.LengthPrefixSize+3])
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return r.LastError() != nil && r.State() == StateListening
	}, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, r.LastError(), protocol.ErrConnectionClosed)
	assert.ErrorIs(t, r.LastError(), io.ErrUnexpectedEOF)

	// A new peer is accepted afterwards.
	next := dialRaw(t, r)
	require.NoError(t, protocol.WriteFrame(next, protocol.KeyEvent{Code: 42, Pressed: true}))
	assert.Equal(t, protocol.InputEvent(protocol.KeyEvent{Code: 42, Pressed: true}), nextEvent(t, r))
}

func TestReceiverOversizedFrameClosesConnection(t *testing.T) {
	r := startReceiver(t, DefaultReceiverConfig())
	conn := dialRaw(t, r)

	var hdr [protocol.LengthPrefixSize]byte
	binary.LittleEndian.PutUint32(hdr[:], 1<<20)
	_, err := conn.Write(hdr[:])
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err, "receiver should close the connection")

	require.Eventually(t, func() bool { return r.LastError() != nil }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, r.LastError(), protocol.ErrOversizedFrame)
}

func writeRaw(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(payload)))
	_, err := conn.Write(append(buf, payload...))
	require.NoError(t, err)
}

func TestReceiverClosesOnMalformedFrame(t *testing.T) {
	r := startReceiver(t, DefaultReceiverConfig())
	conn := dialRaw(t, r)

	writeRaw(t, conn, []byte{0x7f})

	require.Eventually(t, func() bool { return r.LastError() != nil }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, r.LastError(), protocol.ErrCodec)
	assert.ErrorIs(t, r.LastError(), protocol.ErrMalformed)
	assert.Equal(t, uint64(1), r.Status().CodecErrs)
}

func TestReceiverToleratesCodecErrorsBelowLimit(t *testing.T) {
	cfg := DefaultReceiverConfig()
	cfg.MaxCodecErrors = 3
	r := startReceiver(t, cfg)
	conn := dialRaw(t, r)

	writeRaw(t, conn, []byte{0x7f})
	writeRaw(t, conn, []byte{byte(protocol.KindPointerButton), 9, 1})
	require.NoError(t, protocol.WriteFrame(conn, protocol.PointerMove{X: -5, Y: 5}))

	assert.Equal(t, protocol.InputEvent(protocol.PointerMove{X: -5, Y: 5}), nextEvent(t, r))
	assert.Equal(t, uint64(2), r.Status().CodecErrs)
	assert.NoError(t, r.LastError())
}

func TestReceiverRejectsSecondPeer(t *testing.T) {
	cfg := DefaultReceiverConfig()
	cfg.Conflict = ConflictReject
	r := startReceiver(t, cfg)

	first := dialRaw(t, r)
	require.NoError(t, protocol.WriteFrame(first, protocol.PointerMove{X: 1}))
	nextEvent(t, r)

	second := dialRaw(t, r)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := second.Read(make([]byte, 1))
	require.Error(t, err, "second peer should be closed")
	assert.Equal(t, uint64(1), r.Status().Rejected)

	require.NoError(t, protocol.WriteFrame(first, protocol.PointerMove{X: 2}))
	assert.Equal(t, protocol.InputEvent(protocol.PointerMove{X: 2}), nextEvent(t, r))
}

func TestReceiverReplacesPeer(t *testing.T) {
	r := startReceiver(t, DefaultReceiverConfig())

	first := dialRaw(t, r)
	require.NoError(t, protocol.WriteFrame(first, protocol.PointerMove{X: 1}))
	nextEvent(t, r)

	second := dialRaw(t, r)
	require.NoError(t, protocol.WriteFrame(second, protocol.PointerMove{X: 2}))
	assert.Equal(t, protocol.InputEvent(protocol.PointerMove{X: 2}), nextEvent(t, r))

	require.NoError(t, first.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := first.Read(make([]byte, 1))
	assert.Error(t, err, "replaced peer should be closed")
	assert.Equal(t, second.LocalAddr().String(), r.Status().Peer)
}

func TestReceiverServeStopsOnCancel(t *testing.T) {
	r, err := NewReceiver(DefaultReceiverConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, r.Listen(context.Background(), "127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- r.Serve(ctx) }()

	conn := dialRaw(t, r)
	require.NoError(t, protocol.WriteFrame(conn, protocol.PointerMove{X: 1}))
	nextEvent(t, r)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return after cancel")
	}

	_, ok := <-r.Events()
	assert.False(t, ok, "events channel should be closed")
	require.NoError(t, r.Close())
	assert.Equal(t, StateClosed, r.State())
}

func TestReceiverServeBeforeListen(t *testing.T) {
	r, err := NewReceiver(DefaultReceiverConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Error(t, r.Serve(context.Background()))
	assert.Nil(t, r.Addr())
}

func TestReceiverListenFailure(t *testing.T) {
	taken := testListener(t)
	r, err := NewReceiver(DefaultReceiverConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Error(t, r.Listen(context.Background(), taken.Addr().String()))
}

func TestParseConflictPolicy(t *testing.T) {
	p, err := ParseConflictPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ConflictReplace, p)

	_, err = ParseConflictPolicy("queue")
	assert.Error(t, err)

	_, err = NewReceiver(ReceiverConfig{Conflict: "queue"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestReceiverDropsIdlePeer(t *testing.T) {
	cfg := DefaultReceiverConfig()
	cfg.ReadIdleTimeout = 50 * time.Millisecond
	r := startReceiver(t, cfg)
	conn := dialRaw(t, r)

	require.NoError(t, protocol.WriteFrame(conn, protocol.PointerMove{X: 1, Y: 1}))
	assert.Equal(t, protocol.InputEvent(protocol.PointerMove{X: 1, Y: 1}), nextEvent(t, r))

	require.Eventually(t, func() bool {
		return r.LastError() != nil && r.State() == StateListening
	}, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, r.LastError(), os.ErrDeadlineExceeded)

	// The idle peer was hung up on.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
