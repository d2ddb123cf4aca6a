package network

import "sync/atomic"

// State is the lifecycle position of a role.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateListening
	StateAccepted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateListening:
		return "listening"
	case StateAccepted:
		return "accepted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State   { return State(b.v.Load()) }
func (b *stateBox) store(s State) { b.v.Store(int32(s)) }

// Status is a point-in-time view of a role, served by the ops API.
type Status struct {
	Role      string `json:"role"`
	State     string `json:"state"`
	Transport string `json:"transport"`
	Address   string `json:"address,omitempty"`
	Peer      string `json:"peer,omitempty"`

	Sent       uint64 `json:"sent,omitempty"`
	Received   uint64 `json:"received,omitempty"`
	Dropped    uint64 `json:"dropped"`
	Reconnects uint64 `json:"reconnects,omitempty"`
	Rejected   uint64 `json:"rejected,omitempty"`
	CodecErrs  uint64 `json:"codec_errors,omitempty"`
}

// StatusReporter is implemented by Sender and Receiver.
type StatusReporter interface {
	Status() Status
}
