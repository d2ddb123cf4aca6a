package protocol

import (
	"encoding/binary"
	"fmt"
)

// Payload layout, all integers little endian:
//
//	PointerMove   (0): tag + x(int32) + y(int32)           = 9 bytes
//	PointerButton (1): tag + button(uint8) + pressed(uint8) = 3 bytes
//	KeyEvent      (2): tag + code(uint32) + pressed(uint8)  = 6 bytes
const (
	pointerMoveFields   = 8
	pointerButtonFields = 2
	keyFields           = 5
)

// MaxPayloadSize is the largest payload any event encodes to.
const MaxPayloadSize = 1 + pointerMoveFields

func (PointerMove) payloadSize() int   { return pointerMoveFields }
func (PointerButton) payloadSize() int { return pointerButtonFields }
func (KeyEvent) payloadSize() int      { return keyFields }

func (e PointerMove) appendFields(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(e.X))
	return binary.LittleEndian.AppendUint32(dst, uint32(e.Y))
}

func (e PointerButton) appendFields(dst []byte) []byte {
	return append(dst, uint8(e.Button), boolByte(e.Pressed))
}

func (e KeyEvent) appendFields(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, e.Code)
	return append(dst, boolByte(e.Pressed))
}

// EncodedSize returns the payload length of ev.
func EncodedSize(ev InputEvent) int {
	return 1 + ev.payloadSize()
}

// Encode serializes ev to its payload bytes.
func Encode(ev InputEvent) []byte {
	return AppendEncode(make([]byte, 0, EncodedSize(ev)), ev)
}

// AppendEncode appends the payload of ev to dst.
func AppendEncode(dst []byte, ev InputEvent) []byte {
	dst = append(dst, uint8(ev.Kind()))
	return ev.appendFields(dst)
}

// Decode parses a payload produced by Encode. The whole slice must be consumed.
func Decode(data []byte) (InputEvent, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: ErrTruncated, Reason: "empty payload"}
	}

	kind := Kind(data[0])
	fields := data[1:]

	var want int
	switch kind {
	case KindPointerMove:
		want = pointerMoveFields
	case KindPointerButton:
		want = pointerButtonFields
	case KindKey:
		want = keyFields
	default:
		return nil, &DecodeError{Err: ErrMalformed, Kind: kind, Reason: fmt.Sprintf("unknown event tag %d", data[0])}
	}

	if len(fields) < want {
		return nil, &DecodeError{
			Err:    ErrTruncated,
			Kind:   kind,
			Reason: fmt.Sprintf("%s needs %d field bytes, have %d", kind, want, len(fields)),
		}
	}
	if len(fields) > want {
		return nil, &DecodeError{
			Err:    ErrMalformed,
			Kind:   kind,
			Reason: fmt.Sprintf("%s has %d trailing bytes", kind, len(fields)-want),
		}
	}

	switch kind {
	case KindPointerMove:
		return PointerMove{
			X: int32(binary.LittleEndian.Uint32(fields[0:4])),
			Y: int32(binary.LittleEndian.Uint32(fields[4:8])),
		}, nil

	case KindPointerButton:
		button := ButtonID(fields[0])
		if !button.Valid() {
			return nil, &DecodeError{Err: ErrMalformed, Kind: kind, Reason: fmt.Sprintf("unknown button %d", fields[0])}
		}
		pressed, err := parseBool(kind, fields[1])
		if err != nil {
			return nil, err
		}
		return PointerButton{Button: button, Pressed: pressed}, nil

	default:
		pressed, err := parseBool(kind, fields[4])
		if err != nil {
			return nil, err
		}
		return KeyEvent{Code: binary.LittleEndian.Uint32(fields[0:4]), Pressed: pressed}, nil
	}
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func parseBool(kind Kind, b uint8) (bool, error) {
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, &DecodeError{Err: ErrMalformed, Kind: kind, Reason: fmt.Sprintf("invalid pressed byte %d", b)}
}
