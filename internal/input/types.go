// Package input connects capture sources and injection sinks to the relay
// roles. OS-level capture and injection live behind the Source and Injector
// interfaces.
package input

import (
	"context"
	"errors"

	"kvmrelay/internal/protocol"
)

// ErrUnsupported is returned by injectors that cannot act on this platform.
var ErrUnsupported = errors.New("input injection not supported on this platform")

// Source produces events for the sender role.
type Source interface {
	// Run calls emit for each event, in order, until the source is exhausted,
	// emit fails, or ctx ends.
	Run(ctx context.Context, emit func(protocol.InputEvent) error) error
}

// Injector applies events to the local input system. Calls may block on the
// OS and are always made from one goroutine.
type Injector interface {
	InjectPointerMove(x, y int32) error
	InjectPointerButton(button protocol.ButtonID, pressed bool) error
	InjectKey(code uint32, pressed bool) error
}
