// internal/queue/queue.go
package queue

import (
	"context"
	"errors"
	"sync"

	"sensor-reader/internal/model"
)

// DefaultCapacity is used when a non-positive capacity is requested
const DefaultCapacity = 1024

// ErrDrained is returned by Put once the consumer has acknowledged its exit
var ErrDrained = errors.New("packet queue drained")

// PacketQueue is the bounded FIFO between the receive side and the packet
// processor. The consumer acknowledges its exit with Ack, which is the drain
// signal the shutdown path waits on.
type PacketQueue struct {
	tokens chan model.Token

	ackOnce sync.Once
	done    chan struct{}
	err     error
}

// New creates a packet queue with the given capacity
func New(capacity int) *PacketQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &PacketQueue{
		tokens: make(chan model.Token, capacity),
		done:   make(chan struct{}),
	}
}

// Put enqueues a token, blocking while the queue is full. It returns
// ErrDrained if the consumer has already exited and ctx.Err() if ctx ends
// first.
func (q *PacketQueue) Put(ctx context.Context, tok model.Token) error {
	select {
	case <-q.done:
		return ErrDrained
	default:
	}

	select {
	case q.tokens <- tok:
		return nil
	case <-q.done:
		return ErrDrained
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get blocks until a token is available
func (q *PacketQueue) Get() model.Token {
	return <-q.tokens
}

// Len returns the number of queued tokens
func (q *PacketQueue) Len() int {
	return len(q.tokens)
}

// Cap returns the queue capacity
func (q *PacketQueue) Cap() int {
	return cap(q.tokens)
}

// Ack records that the consumer has exited. err is the consumer's terminal
// error, nil after a clean drain. Only the first call has an effect.
func (q *PacketQueue) Ack(err error) {
	q.ackOnce.Do(func() {
		q.err = err
		close(q.done)
	})
}

// Done is closed once the consumer has acknowledged
func (q *PacketQueue) Done() <-chan struct{} {
	return q.done
}

// Wait blocks until the consumer acknowledges or ctx ends. It returns the
// consumer's terminal error.
func (q *PacketQueue) Wait(ctx context.Context) error {
	select {
	case <-q.done:
		return q.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the consumer's terminal error; it is only meaningful after Done
func (q *PacketQueue) Err() error {
	select {
	case <-q.done:
		return q.err
	default:
		return nil
	}
}
