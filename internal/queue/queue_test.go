package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensor-reader/internal/model"
)

func TestPacketQueue_FIFO(t *testing.T) {
	q := New(8)
	ctx := context.Background()

	for _, c := range []byte("B12E") {
		require.NoError(t, q.Put(ctx, model.CharToken(c)))
	}
	require.NoError(t, q.Put(ctx, model.SentinelToken()))
	assert.Equal(t, 5, q.Len())

	var got []byte
	for i := 0; i < 4; i++ {
		got = append(got, q.Get().Char)
	}
	assert.Equal(t, []byte("B12E"), got)
	assert.True(t, q.Get().IsSentinel())
}

func TestPacketQueue_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
}

func TestPacketQueue_PutBlocksWhenFull(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Put(context.Background(), model.CharToken('B')))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Put(ctx, model.CharToken('1'))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPacketQueue_PutAfterAck(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Put(context.Background(), model.CharToken('B')))

	released := make(chan error, 1)
	go func() {
		released <- q.Put(context.Background(), model.CharToken('1'))
	}()

	q.Ack(nil)

	select {
	case err := <-released:
		assert.ErrorIs(t, err, ErrDrained)
	case <-time.After(time.Second):
		t.Fatal("blocked Put was not released by Ack")
	}

	assert.ErrorIs(t, q.Put(context.Background(), model.SentinelToken()), ErrDrained)
}

func TestPacketQueue_AckOnce(t *testing.T) {
	q := New(1)
	first := errors.New("sync failed")

	assert.NoError(t, q.Err())
	q.Ack(first)
	q.Ack(nil)

	assert.ErrorIs(t, q.Err(), first)
	assert.ErrorIs(t, q.Wait(context.Background()), first)
}

func TestPacketQueue_WaitHonoursContext(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, q.Wait(ctx), context.Canceled)
}
