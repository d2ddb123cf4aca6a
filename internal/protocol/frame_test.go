package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTripConsumesExactly(t *testing.T) {
	for _, ev := range sampleEvents() {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, ev))
		written := buf.Len()
		assert.Equal(t, LengthPrefixSize+EncodedSize(ev), written)

		// A second frame behind the first must be left untouched.
		trailer := PointerButton{Button: ButtonRight, Pressed: true}
		require.NoError(t, WriteFrame(&buf, trailer))
		trailerLen := buf.Len() - written

		got, err := ReadFrame(&buf, DefaultMaxFrameSize)
		require.NoError(t, err)
		assert.Equal(t, ev, got)
		assert.Equal(t, trailerLen, buf.Len(), "read past the first frame")

		got, err = ReadFrame(&buf, DefaultMaxFrameSize)
		require.NoError(t, err)
		assert.Equal(t, InputEvent(trailer), got)
	}
}

func TestReaderPreservesOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)
	want := sampleEvents()
	for _, ev := range want {
		require.NoError(t, w.WriteFrame(ev))
	}

	r := NewReader(&buf, 0)
	var got []InputEvent
	for {
		ev, err := r.ReadFrame()
		if err != nil {
			require.ErrorIs(t, err, ErrConnectionClosed)
			require.ErrorIs(t, err, io.EOF, "clean end of stream expected")
			break
		}
		got = append(got, ev)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	full := AppendFrame(nil, PointerMove{X: 100, Y: 200})

	for n := 1; n < len(full); n++ {
		_, err := ReadFrame(bytes.NewReader(full[:n]), DefaultMaxFrameSize)
		require.ErrorIs(t, err, ErrConnectionClosed, "cut after %d bytes", n)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "cut after %d bytes", n)
		assert.False(t, errors.Is(err, ErrCodec), "garbage decoded after %d bytes", n)
	}
}

func TestReadFrameEmptyStream(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), DefaultMaxFrameSize)
	require.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, err, io.EOF)
}

// countingReader fails the test if more than limit bytes are requested at once.
type countingReader struct {
	t     *testing.T
	r     io.Reader
	limit int
}

func (c *countingReader) Read(p []byte) (int, error) {
	if len(p) > c.limit {
		c.t.Fatalf("reader asked for %d bytes, limit %d", len(p), c.limit)
	}
	return c.r.Read(p)
}

func TestReadFrameOversized(t *testing.T) {
	hdr := binary.LittleEndian.AppendUint32(nil, 1<<31)
	r := &countingReader{t: t, r: bytes.NewReader(hdr), limit: LengthPrefixSize}

	fr := NewReader(r, 64)
	_, err := fr.ReadFrame()
	require.ErrorIs(t, err, ErrOversizedFrame)
	assert.Zero(t, cap(fr.buf), "payload buffer allocated for an oversized frame")
}

func TestReadFrameAtLimit(t *testing.T) {
	ev := PointerMove{X: 1, Y: 2}
	frame := AppendFrame(nil, ev)

	got, err := ReadFrame(bytes.NewReader(frame), EncodedSize(ev))
	require.NoError(t, err)
	assert.Equal(t, InputEvent(ev), got)

	_, err = ReadFrame(bytes.NewReader(frame), EncodedSize(ev)-1)
	assert.ErrorIs(t, err, ErrOversizedFrame)
}

func TestReadFrameCodecErrorKeepsSync(t *testing.T) {
	var buf bytes.Buffer
	// Valid length, unknown tag.
	buf.Write([]byte{3, 0, 0, 0, 9, 9, 9})
	require.NoError(t, WriteFrame(&buf, KeyEvent{Code: 7, Pressed: true}))

	r := NewReader(&buf, 0)
	_, err := r.ReadFrame()
	require.ErrorIs(t, err, ErrCodec)
	assert.ErrorIs(t, err, ErrMalformed)

	ev, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, InputEvent(KeyEvent{Code: 7, Pressed: true}), ev)
}

func TestReadFrameZeroLength(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}), 0)
	require.ErrorIs(t, err, ErrCodec)
	assert.ErrorIs(t, err, ErrTruncated)
}

type shortWriter struct{ n int }

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > w.n {
		return w.n, nil
	}
	return len(p), nil
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWriteFrameFailures(t *testing.T) {
	err := WriteFrame(&shortWriter{n: 3}, PointerMove{X: 1, Y: 1})
	assert.ErrorIs(t, err, ErrShortWrite)

	err = WriteFrame(failingWriter{}, PointerMove{X: 1, Y: 1})
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	err = NewWriter(io.Discard, 2).WriteFrame(PointerMove{})
	assert.ErrorIs(t, err, ErrOversizedFrame)
}
