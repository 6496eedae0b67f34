// internal/processor/processor.go
package processor

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sensor-reader/internal/events"
	"sensor-reader/internal/frame"
	"sensor-reader/internal/metrics"
	"sensor-reader/internal/model"
	"sensor-reader/internal/queue"
)

// SampleWriter persists records durably. Append must not return until the
// record is on stable storage.
type SampleWriter interface {
	Append(rec model.SampleRecord) error
	Close() error
}

// Stats is a snapshot of processor counters
type Stats struct {
	Recorded   int64              `json:"recorded"`
	Rejected   int64              `json:"rejected"`
	Discarded  int64              `json:"discarded"`
	LastSample *model.SampleRecord `json:"last_sample,omitempty"`
}

// Processor is the single consumer of a packet queue. It frames tokens,
// validates packets and appends each reading to the sample log.
type Processor struct {
	queue     *queue.PacketQueue
	writer    SampleWriter
	assembler *frame.Assembler
	logger    *zap.Logger

	clock     func() time.Time
	sessionID string
	publisher events.Publisher
	metrics   *metrics.Pipeline

	recorded  atomic.Int64
	rejected  atomic.Int64
	discarded atomic.Int64
	last      atomic.Pointer[model.SampleRecord]
}

// Option configures a Processor
type Option func(*Processor)

// WithClock overrides the timestamp source
func WithClock(clock func() time.Time) Option {
	return func(p *Processor) { p.clock = clock }
}

// WithSessionID tags logs and events with the connection session id
func WithSessionID(id string) Option {
	return func(p *Processor) { p.sessionID = id }
}

// WithPublisher sends recorded and rejected packets to an observer
func WithPublisher(pub events.Publisher) Option {
	return func(p *Processor) { p.publisher = pub }
}

// WithMetrics records processor activity on the given collectors
func WithMetrics(m *metrics.Pipeline) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithMaxFrameSize bounds the frame buffer
func WithMaxFrameSize(n int) Option {
	return func(p *Processor) {
		p.assembler = frame.NewAssemblerWith(model.PacketTerminator, n)
	}
}

// New creates a processor consuming q and writing to w
func New(q *queue.PacketQueue, w SampleWriter, logger *zap.Logger, opts ...Option) *Processor {
	p := &Processor{
		queue:     q,
		writer:    w,
		assembler: frame.NewAssembler(),
		logger:    logger,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.sessionID != "" {
		p.logger = p.logger.With(zap.String("session_id", p.sessionID))
	}
	return p
}

// Start runs the processor on its own goroutine. The exit is observable
// through the queue's Done and Wait.
func (p *Processor) Start() {
	go func() {
		_ = p.Run()
	}()
}

// Run consumes tokens until the sentinel is observed or a record cannot be
// made durable. The writer is closed and the queue acknowledged on every
// exit path.
func (p *Processor) Run() (err error) {
	p.logger.Info("Packet processor started")

	defer func() {
		if cerr := p.writer.Close(); cerr != nil {
			p.logger.Error("Failed to close sample writer", zap.Error(cerr))
			if err == nil {
				err = cerr
			}
		}
		p.queue.Ack(err)

		if err != nil {
			p.logger.Error("Packet processor stopped", zap.Error(err))
		} else {
			p.logger.Info("Packet processor drained",
				zap.Int64("recorded", p.recorded.Load()),
				zap.Int64("rejected", p.rejected.Load()),
			)
		}
	}()

	for {
		tok := p.queue.Get()
		p.metrics.ObserveQueueDepth(p.queue.Len())

		res, ferr := p.assembler.Push(tok)
		if ferr != nil {
			p.reject(nil, ferr)
			continue
		}

		switch res.Kind {
		case frame.ResultShutdown:
			if len(res.Discarded) > 0 {
				p.discarded.Add(1)
				p.logger.Debug("Discarding partial packet at shutdown",
					zap.String("partial", res.Discarded.String()),
				)
			}
			return nil

		case frame.ResultPacket:
			if err := p.handlePacket(res.Packet); err != nil {
				return err
			}
		}
	}
}

func (p *Processor) handlePacket(pkt model.Packet) error {
	reading, err := Parse(pkt)
	if err != nil {
		p.reject(pkt, err)
		return nil
	}

	rec := model.SampleRecord{Timestamp: p.clock(), Reading: reading}

	start := time.Now()
	if err := p.writer.Append(rec); err != nil {
		return fmt.Errorf("failed to persist sample: %w", err)
	}
	elapsed := time.Since(start)

	p.recorded.Add(1)
	p.last.Store(&rec)
	p.metrics.ObserveSample(rec.Reading, float64(rec.Timestamp.UnixMicro())/1e6, elapsed.Seconds())

	p.logger.Debug("Sample recorded",
		zap.Int64("reading", rec.Reading),
		zap.Time("timestamp", rec.Timestamp),
	)

	p.publish(model.EventSampleRecorded, map[string]interface{}{
		"reading":   rec.Reading,
		"timestamp": rec.Timestamp,
	})
	return nil
}

func (p *Processor) reject(pkt model.Packet, err error) {
	p.rejected.Add(1)
	reason := rejectReason(err)
	p.metrics.ObserveRejected(reason)

	p.logger.Warn("Packet rejected",
		zap.String("reason", reason),
		zap.String("packet", pkt.String()),
		zap.Error(err),
	)

	p.publish(model.EventPacketRejected, map[string]interface{}{
		"reason": reason,
		"packet": pkt.String(),
		"error":  err.Error(),
	})
}

func (p *Processor) publish(t model.EventType, data map[string]interface{}) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(model.PipelineEvent{
		Type:      t,
		SessionID: p.sessionID,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// Stats returns a snapshot of the processor counters
func (p *Processor) Stats() Stats {
	return Stats{
		Recorded:   p.recorded.Load(),
		Rejected:   p.rejected.Load(),
		Discarded:  p.discarded.Load(),
		LastSample: p.last.Load(),
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, model.ErrEmptyPacket):
		return "empty"
	case errors.Is(err, model.ErrFrameOverflow):
		return "overflow"
	case errors.Is(err, model.ErrMalformedPacket):
		return "malformed"
	default:
		return "unknown"
	}
}
