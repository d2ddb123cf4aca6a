package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvmrelay/internal/protocol"
)

func TestQueueDropOldestKeepsNewest(t *testing.T) {
	q := newQueue(2, DropOldest)
	ctx := context.Background()

	for i := int32(1); i <= 2; i++ {
		n, err := q.push(ctx, protocol.PointerMove{X: i})
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	n, err := q.push(ctx, protocol.PointerMove{X: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 2, q.len())

	assert.Equal(t, protocol.InputEvent(protocol.PointerMove{X: 2}), <-q.ch)
	assert.Equal(t, protocol.InputEvent(protocol.PointerMove{X: 3}), <-q.ch)
}

func TestQueueBlockWaitsForRoom(t *testing.T) {
	q := newQueue(1, Block)
	_, err := q.push(context.Background(), protocol.PointerMove{X: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.push(ctx, protocol.PointerMove{X: 2})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		_, err := q.push(context.Background(), protocol.PointerMove{X: 3})
		done <- err
	}()
	<-q.ch
	require.NoError(t, <-done)
	assert.Equal(t, protocol.InputEvent(protocol.PointerMove{X: 3}), <-q.ch)
}

func TestQueueDiscard(t *testing.T) {
	q := newQueue(4, DropOldest)
	for i := 0; i < 3; i++ {
		_, err := q.push(context.Background(), protocol.KeyEvent{Code: 30, Pressed: i%2 == 0})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, q.discard())
	assert.Zero(t, q.len())
	assert.Zero(t, q.discard())
}

func TestParseBackpressure(t *testing.T) {
	p, err := ParseBackpressure("")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)

	p, err = ParseBackpressure("block")
	require.NoError(t, err)
	assert.Equal(t, Block, p)

	_, err = ParseBackpressure("drop-newest")
	assert.Error(t, err)
}
