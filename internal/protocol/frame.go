package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// LengthPrefixSize is the size of the little endian uint32 frame header.
const LengthPrefixSize = 4

// DefaultMaxFrameSize bounds the payload length a Reader accepts.
const DefaultMaxFrameSize = 256

// AppendFrame appends the length prefix and payload of ev to dst.
func AppendFrame(dst []byte, ev InputEvent) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(EncodedSize(ev)))
	return AppendEncode(dst, ev)
}

// WriteFrame writes ev to w as one frame.
func WriteFrame(w io.Writer, ev InputEvent) error {
	return NewWriter(w, DefaultMaxFrameSize).WriteFrame(ev)
}

// ReadFrame reads exactly one frame from r.
func ReadFrame(r io.Reader, maxFrameSize int) (InputEvent, error) {
	return NewReader(r, maxFrameSize).ReadFrame()
}

// Writer frames events onto a byte stream. Each frame is handed to the
// underlying writer in a single Write call. After any error the stream must be
// considered corrupt: the peer may have received part of a frame.
type Writer struct {
	w   io.Writer
	max int
	buf []byte
}

// NewWriter returns a Writer refusing payloads larger than maxFrameSize.
// A non-positive maxFrameSize selects DefaultMaxFrameSize.
func NewWriter(w io.Writer, maxFrameSize int) *Writer {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Writer{
		w:   w,
		max: maxFrameSize,
		buf: make([]byte, 0, LengthPrefixSize+MaxPayloadSize),
	}
}

// WriteFrame encodes ev and writes it as a single frame.
func (fw *Writer) WriteFrame(ev InputEvent) error {
	if size := EncodedSize(ev); size > fw.max {
		return fmt.Errorf("%w: payload of %d bytes exceeds limit %d", ErrOversizedFrame, size, fw.max)
	}

	fw.buf = AppendFrame(fw.buf[:0], ev)
	n, err := fw.w.Write(fw.buf)
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if n != len(fw.buf) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(fw.buf))
	}
	return nil
}

// Reader splits a byte stream into events. It never reads past the end of the
// frame it returns, so the underlying reader can be shared with other decoders
// between calls.
type Reader struct {
	r   io.Reader
	max int
	hdr [LengthPrefixSize]byte
	buf []byte
}

// NewReader returns a Reader rejecting frames whose declared payload exceeds
// maxFrameSize. A non-positive maxFrameSize selects DefaultMaxFrameSize.
func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{r: r, max: maxFrameSize}
}

// MaxFrameSize returns the payload limit of fr.
func (fr *Reader) MaxFrameSize() int {
	return fr.max
}

// ReadFrame blocks until a whole frame is available and decodes it.
//
// Errors match ErrConnectionClosed when the stream ends or fails, ErrOversizedFrame
// when the declared length is above the limit, and ErrCodec (together with
// ErrMalformed or ErrTruncated) when the payload does not decode. A codec error
// leaves the stream positioned at the next frame.
func (fr *Reader) ReadFrame() (InputEvent, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return nil, closed(err)
	}

	n := binary.LittleEndian.Uint32(fr.hdr[:])
	if uint64(n) > uint64(fr.max) {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrOversizedFrame, n, fr.max)
	}

	if cap(fr.buf) < int(n) {
		fr.buf = make([]byte, n)
	}
	payload := fr.buf[:n]
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, closed(err)
	}

	ev, err := Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCodec, err)
	}
	return ev, nil
}

func closed(err error) error {
	return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
}
