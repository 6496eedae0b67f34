// internal/pipeline/runner.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sensor-reader/internal/connection"
	"sensor-reader/internal/events"
	"sensor-reader/internal/metrics"
	"sensor-reader/internal/model"
	"sensor-reader/internal/processor"
	"sensor-reader/internal/queue"
	"sensor-reader/internal/transport"
)

// ErrAlreadyRunning is returned by a second concurrent Run
var ErrAlreadyRunning = errors.New("runner already running")

// WriterFactory opens the sample writer for a session. truncate is true
// only for the first session of the process when truncation is enabled.
type WriterFactory func(truncate bool) (processor.SampleWriter, error)

// RunnerConfig holds session settings
type RunnerConfig struct {
	QueueCapacity   int
	MaxFrameSize    int
	TruncateOnStart bool
}

// Session is one connection cycle with its own queue and processor
type Session struct {
	ID        string
	Queue     *queue.PacketQueue
	Processor *processor.Processor
	StartedAt time.Time
}

// Snapshot is the runner state exposed to the status API
type Snapshot struct {
	Running    bool              `json:"running"`
	SessionID  string            `json:"session_id,omitempty"`
	Sessions   int64             `json:"sessions"`
	Failures   int               `json:"consecutive_failures"`
	Connection connection.Status `json:"connection"`
	Totals     processor.Stats   `json:"totals"`
}

// Runner loops connection sessions until shutdown, a fatal error, or the
// reconnect strategy gives up
type Runner struct {
	manager     *connection.Manager
	openWriter  WriterFactory
	strategy    ReconnectStrategy
	coordinator *Coordinator
	config      RunnerConfig
	logger      *zap.Logger
	publisher   events.Publisher
	metrics     *metrics.Pipeline

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	current   *Session
	sessions  int64
	failures  int
	totals    processor.Stats
	truncated bool
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithRunnerPublisher sends session events to an observer
func WithRunnerPublisher(pub events.Publisher) RunnerOption {
	return func(r *Runner) { r.publisher = pub }
}

// WithRunnerMetrics records session outcomes
func WithRunnerMetrics(m *metrics.Pipeline) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a session runner
func NewRunner(manager *connection.Manager, openWriter WriterFactory, strategy ReconnectStrategy, config RunnerConfig, logger *zap.Logger, opts ...RunnerOption) *Runner {
	if strategy == nil {
		strategy = Once{}
	}
	r := &Runner{
		manager:     manager,
		openWriter:  openWriter,
		strategy:    strategy,
		coordinator: NewCoordinator(logger),
		config:      config,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run blocks until Shutdown, a fatal error, or the strategy declines to
// reconnect. A clean shutdown returns nil; losing the adapter or failing to
// make a record durable is fatal.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.current = nil
		r.mu.Unlock()
		close(done)
	}()

	for {
		sess, err := r.startSession()
		if err != nil {
			return err
		}

		runErr := r.runManager(ctx, sess)

		if ctx.Err() != nil {
			// Receive side released; drain what is queued.
			drainErr := r.coordinator.Drain(context.WithoutCancel(ctx), sess.Queue)
			r.finishSession(sess, "shutdown", drainErr)
			if drainErr != nil {
				return fmt.Errorf("failed to drain session %s: %w", sess.ID, drainErr)
			}
			r.logger.Info("Pipeline drained", zap.String("session_id", sess.ID))
			return nil
		}

		// The manager enqueued the sentinel on its way out.
		procErr := sess.Queue.Wait(context.WithoutCancel(ctx))
		r.finishSession(sess, "failed", procErr)

		if procErr != nil {
			return fmt.Errorf("sample log failure in session %s: %w", sess.ID, procErr)
		}
		if errors.Is(runErr, transport.ErrAdapterUnavailable) {
			return fmt.Errorf("transport adapter unavailable: %w", runErr)
		}

		r.mu.Lock()
		if sess.Processor.Stats().Recorded > 0 {
			r.failures = 0
		}
		r.failures++
		attempt := r.failures
		r.mu.Unlock()

		delay, ok := r.strategy.Next(attempt, runErr)
		if !ok {
			r.logger.Warn("Not reconnecting", zap.Int("attempt", attempt), zap.Error(runErr))
			return fmt.Errorf("session %s ended: %w", sess.ID, runErr)
		}

		r.metrics.ObserveBackoff(delay.Seconds())
		r.logger.Info("Reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(runErr),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("Shutdown during reconnect backoff")
			return nil
		case <-timer.C:
		}
	}
}

// Shutdown releases the connection, drains the current session and waits
// for Run to return. It returns ctx.Err() if the drain outlasts ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	r.logger.Info("Shutting down pipeline")
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline shutdown: %w", ctx.Err())
	}
}

// Snapshot returns runner and connection state
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Running:    r.running,
		Sessions:   r.sessions,
		Failures:   r.failures,
		Connection: r.manager.Status(),
		Totals:     r.totals,
	}
	if r.current != nil {
		snap.SessionID = r.current.ID
		cur := r.current.Processor.Stats()
		snap.Totals.Recorded += cur.Recorded
		snap.Totals.Rejected += cur.Rejected
		snap.Totals.Discarded += cur.Discarded
		if cur.LastSample != nil {
			snap.Totals.LastSample = cur.LastSample
		}
	}
	return snap
}

// Ready reports whether the pipeline is streaming from the sensor
func (r *Runner) Ready() bool {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	return running && r.manager.State() == connection.StateStreaming
}

// runManager runs one connection cycle, cutting it short if the processor
// exits with an error so a durability failure does not wait for the link
func (r *Runner) runManager(ctx context.Context, sess *Session) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-sess.Queue.Done():
			if sess.Queue.Err() != nil {
				cancel()
			}
		case <-sessCtx.Done():
		}
	}()

	return r.manager.Run(sessCtx, sess.ID, sess.Queue)
}

func (r *Runner) startSession() (*Session, error) {
	r.mu.Lock()
	truncate := r.config.TruncateOnStart && !r.truncated
	r.mu.Unlock()

	writer, err := r.openWriter(truncate)
	if err != nil {
		return nil, fmt.Errorf("failed to open sample writer: %w", err)
	}

	sess := &Session{
		ID:        uuid.New().String(),
		Queue:     queue.New(r.config.QueueCapacity),
		StartedAt: time.Now(),
	}

	opts := []processor.Option{
		processor.WithSessionID(sess.ID),
		processor.WithMetrics(r.metrics),
	}
	if r.config.MaxFrameSize > 0 {
		opts = append(opts, processor.WithMaxFrameSize(r.config.MaxFrameSize))
	}
	if r.publisher != nil {
		opts = append(opts, processor.WithPublisher(r.publisher))
	}
	sess.Processor = processor.New(sess.Queue, writer, r.logger, opts...)
	sess.Processor.Start()

	r.mu.Lock()
	r.truncated = true
	r.current = sess
	r.sessions++
	r.mu.Unlock()

	r.logger.Info("Session started", zap.String("session_id", sess.ID), zap.Bool("truncated_log", truncate))
	r.publish(model.EventSessionStarted, sess.ID, nil)
	return sess, nil
}

func (r *Runner) finishSession(sess *Session, outcome string, procErr error) {
	stats := sess.Processor.Stats()

	r.mu.Lock()
	r.totals.Recorded += stats.Recorded
	r.totals.Rejected += stats.Rejected
	r.totals.Discarded += stats.Discarded
	if stats.LastSample != nil {
		r.totals.LastSample = stats.LastSample
	}
	if r.current == sess {
		r.current = nil
	}
	r.mu.Unlock()

	r.metrics.ObserveSession(outcome)

	fields := []zap.Field{
		zap.String("session_id", sess.ID),
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(sess.StartedAt)),
		zap.Int64("recorded", stats.Recorded),
		zap.Int64("rejected", stats.Rejected),
	}
	if procErr != nil {
		r.logger.Error("Session finished with processor error", append(fields, zap.Error(procErr))...)
	} else {
		r.logger.Info("Session finished", fields...)
	}

	r.publish(model.EventSessionFinished, sess.ID, map[string]interface{}{
		"outcome":  outcome,
		"recorded": stats.Recorded,
		"rejected": stats.Rejected,
	})
}

func (r *Runner) publish(t model.EventType, sessionID string, data map[string]interface{}) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(model.PipelineEvent{
		Type:      t,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now(),
	})
}
