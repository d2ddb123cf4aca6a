// Package protocol defines the relay's input events, their binary encoding and
// the length-prefixed framing used on the wire.
package protocol

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Version identifies the event set and wire layout. Both ends of a relay must be
// built with the same Version; it is not negotiated on the wire.
const Version = 1

// Kind is the wire tag of an InputEvent.
type Kind uint8

// Event tags
const (
	KindPointerMove   Kind = 0
	KindPointerButton Kind = 1
	KindKey           Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindPointerMove:
		return "pointer_move"
	case KindPointerButton:
		return "pointer_button"
	case KindKey:
		return "key"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ButtonID identifies a pointer button.
type ButtonID uint8

// Pointer buttons
const (
	ButtonLeft   ButtonID = 0
	ButtonRight  ButtonID = 1
	ButtonMiddle ButtonID = 2
)

// Valid reports whether b is one of the defined buttons.
func (b ButtonID) Valid() bool {
	return b <= ButtonMiddle
}

func (b ButtonID) String() string {
	switch b {
	case ButtonLeft:
		return "left"
	case ButtonRight:
		return "right"
	case ButtonMiddle:
		return "middle"
	default:
		return fmt.Sprintf("button(%d)", uint8(b))
	}
}

// ParseButton maps "left", "right" and "middle" to a ButtonID.
func ParseButton(s string) (ButtonID, error) {
	switch s {
	case "left":
		return ButtonLeft, nil
	case "right":
		return ButtonRight, nil
	case "middle":
		return ButtonMiddle, nil
	}
	return 0, fmt.Errorf("unknown button %q", s)
}

// InputEvent is one of PointerMove, PointerButton or KeyEvent. The set is closed:
// only types in this package implement it, and adding one is a protocol change
// that requires bumping Version.
//
// Events are plain comparable values; == compares content.
type InputEvent interface {
	Kind() Kind
	zapcore.ObjectMarshaler

	// payloadSize is the number of field bytes following the tag.
	payloadSize() int
	appendFields(dst []byte) []byte
}

// PointerMove moves the pointer to absolute screen coordinates.
type PointerMove struct {
	X int32
	Y int32
}

// PointerButton presses or releases a pointer button.
type PointerButton struct {
	Button  ButtonID
	Pressed bool
}

// KeyEvent presses or releases a key identified by a platform independent code.
type KeyEvent struct {
	Code    uint32
	Pressed bool
}

func (PointerMove) Kind() Kind   { return KindPointerMove }
func (PointerButton) Kind() Kind { return KindPointerButton }
func (KeyEvent) Kind() Kind      { return KindKey }

func (e PointerMove) String() string {
	return fmt.Sprintf("PointerMove{x:%d y:%d}", e.X, e.Y)
}

func (e PointerButton) String() string {
	return fmt.Sprintf("PointerButton{button:%s pressed:%t}", e.Button, e.Pressed)
}

// String never prints the key code; use a verbose logger to see it.
func (e KeyEvent) String() string {
	return fmt.Sprintf("KeyEvent{code:*** pressed:%t}", e.Pressed)
}

func (e PointerMove) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", e.Kind().String())
	enc.AddInt32("x", e.X)
	enc.AddInt32("y", e.Y)
	return nil
}

func (e PointerButton) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", e.Kind().String())
	enc.AddString("button", e.Button.String())
	enc.AddBool("pressed", e.Pressed)
	return nil
}

// MarshalLogObject omits the key code. Verbose loggers add it as a separate field.
func (e KeyEvent) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", e.Kind().String())
	enc.AddBool("pressed", e.Pressed)
	return nil
}
