// internal/pipeline/coordinator.go
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sensor-reader/internal/model"
	"sensor-reader/internal/queue"
)

// Coordinator performs the orderly drain of a session: it enqueues the
// sentinel behind every pending token and blocks until the processor
// acknowledges its exit.
type Coordinator struct {
	logger *zap.Logger
}

// NewCoordinator creates a shutdown coordinator
func NewCoordinator(logger *zap.Logger) *Coordinator {
	return &Coordinator{logger: logger}
}

// Drain returns the processor's terminal error, or ctx.Err() if ctx ends
// before the acknowledgment arrives. Draining an already acknowledged queue
// returns immediately.
func (c *Coordinator) Drain(ctx context.Context, q *queue.PacketQueue) error {
	select {
	case <-q.Done():
		return q.Err()
	default:
	}

	pending := q.Len()
	if err := q.Put(ctx, model.SentinelToken()); err != nil && !errors.Is(err, queue.ErrDrained) {
		return fmt.Errorf("failed to enqueue sentinel: %w", err)
	}

	c.logger.Info("Waiting for packet processor to drain", zap.Int("pending_tokens", pending))
	err := q.Wait(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("drain not acknowledged: %w", err)
	}
	return err
}
