package protocol

import (
	"errors"
	"fmt"
)

// Decode errors
var (
	ErrMalformed = errors.New("malformed payload")
	ErrTruncated = errors.New("truncated payload")
)

// Frame errors
var (
	// ErrConnectionClosed reports that the stream ended before a full frame was
	// read. It wraps io.EOF when the stream ended on a frame boundary and
	// io.ErrUnexpectedEOF when it ended mid-frame.
	ErrConnectionClosed = errors.New("connection closed")
	ErrOversizedFrame   = errors.New("oversized frame")
	ErrCodec            = errors.New("codec error")
	ErrShortWrite       = errors.New("short frame write")
)

// DecodeError describes why a payload could not be decoded. It matches
// ErrMalformed or ErrTruncated with errors.Is.
type DecodeError struct {
	Err    error
	Kind   Kind // tag byte of the payload; zero for an empty payload
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %v: %s", e.Err, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
