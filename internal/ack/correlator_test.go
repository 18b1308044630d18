package ack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-control-channel/internal/protocol"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	q.Push(1, 2, 3)
	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	q.Prepend(7, 8)
	assert.Equal(t, []int{7, 8, 2, 3}, q.Drain())
	assert.Equal(t, 0, q.Len())

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestCorrelatorResolvesInOrder(t *testing.T) {
	c := NewCorrelator()
	first := NewPending(protocol.MSG_PUB, "test", []byte{1})
	second := NewPending(protocol.MSG_PUB, "test", []byte{2})
	other := NewPending(protocol.SUB_TOPIC, "back", nil)
	c.Expect(first)
	c.Expect(other)
	c.Expect(second)

	p, err := c.Resolve(protocol.MSG_PUB)
	require.NoError(t, err)
	assert.Same(t, first, p)
	require.NoError(t, first.Wait(context.Background()))

	select {
	case <-second.Done():
		t.Fatal("第二个请求不应已完成")
	default:
	}

	p, err = c.Resolve(protocol.SUB_TOPIC)
	require.NoError(t, err)
	assert.Same(t, other, p)
	assert.Equal(t, 1, c.Len(protocol.MSG_PUB))
}

func TestCorrelatorUnexpectedAck(t *testing.T) {
	c := NewCorrelator()
	_, err := c.Resolve(protocol.UNPUB_TOPIC)
	assert.ErrorIs(t, err, ErrUnexpectedAck)
}

func TestCorrelatorFail(t *testing.T) {
	c := NewCorrelator()
	pending := []*Pending{
		NewPending(protocol.MSG_PUB, "a", []byte{1}),
		NewPending(protocol.PUB_TOPIC, "a", nil),
	}
	for _, p := range pending {
		c.Expect(p)
	}

	boom := errors.New("boom")
	c.Fail(boom)
	for _, p := range pending {
		assert.ErrorIs(t, p.Wait(context.Background()), boom)
	}
	assert.Equal(t, 0, c.Len(protocol.MSG_PUB))

	late := NewPending(protocol.MSG_PUB, "a", []byte{1})
	c.Expect(late)
	c.Fail(nil)
	assert.ErrorIs(t, late.Wait(context.Background()), ErrConnectionLost)
}

func TestPendingWaitContext(t *testing.T) {
	p := NewPending(protocol.MSG_PUB, "test", []byte{1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
}
