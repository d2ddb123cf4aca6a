package network

import (
	"context"
	"fmt"
	"sync"

	"kvmrelay/internal/metrics"
	"kvmrelay/internal/protocol"
)

// Backpressure decides what Send does when the sender queue is full. One
// policy applies to every event kind.
type Backpressure string

const (
	// DropOldest never blocks the caller: the oldest queued event is
	// discarded to make room. Fresh pointer positions win over stale ones.
	DropOldest Backpressure = "drop-oldest"
	// Block makes Send wait for room, so no event is ever discarded while
	// the sender is running.
	Block Backpressure = "block"
)

// ParseBackpressure validates a policy name; empty means DropOldest.
func ParseBackpressure(s string) (Backpressure, error) {
	switch Backpressure(s) {
	case "", DropOldest:
		return DropOldest, nil
	case Block:
		return Block, nil
	}
	return "", fmt.Errorf("unknown backpressure policy %q (want drop-oldest or block)", s)
}

// queue is the bounded FIFO between the capture source and the sender's
// streaming goroutine.
type queue struct {
	ch     chan protocol.InputEvent
	policy Backpressure

	// producers serializes drop-oldest evictions so concurrent producers do
	// not evict more than needed.
	producers sync.Mutex
}

func newQueue(size int, policy Backpressure) *queue {
	if size <= 0 {
		size = 1
	}
	return &queue{
		ch:     make(chan protocol.InputEvent, size),
		policy: policy,
	}
}

// push enqueues ev. It reports how many events were evicted to make room and
// fails only when ctx ends while blocked.
func (q *queue) push(ctx context.Context, ev protocol.InputEvent) (int, error) {
	if q.policy == Block {
		select {
		case q.ch <- ev:
			metrics.QueueDepth.Set(float64(len(q.ch)))
			return 0, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	q.producers.Lock()
	defer q.producers.Unlock()

	evicted := 0
	for {
		select {
		case q.ch <- ev:
			metrics.QueueDepth.Set(float64(len(q.ch)))
			return evicted, nil
		default:
		}
		select {
		case <-q.ch:
			evicted++
		default:
		}
	}
}

// discard empties the queue and returns the number of events removed.
func (q *queue) discard() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			metrics.QueueDepth.Set(0)
			return n
		}
	}
}

func (q *queue) len() int {
	return len(q.ch)
}
