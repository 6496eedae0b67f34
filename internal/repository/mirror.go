// internal/repository/mirror.go
package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sensor-reader/internal/metrics"
	"sensor-reader/internal/model"
)

const insertTimeout = 5 * time.Second

// EventSource is the pipeline event bus
type EventSource interface {
	Subscribe(eventTypes ...model.EventType) <-chan model.PipelineEvent
	Unsubscribe(subscriber <-chan model.PipelineEvent)
}

// Calibrator converts a raw reading to a moisture percentage
type Calibrator interface {
	Percent(reading int64) decimal.Decimal
}

// Mirror copies recorded samples into a SampleRepository. It runs off the
// event bus, so a slow or unavailable database never blocks the durable
// log; failed inserts are logged and counted.
type Mirror struct {
	repo       SampleRepository
	source     EventSource
	calibrator Calibrator
	metrics    *metrics.Pipeline
	logger     *zap.Logger

	events <-chan model.PipelineEvent
	done   chan struct{}
}

// NewMirror creates a mirror. calibrator may be nil.
func NewMirror(repo SampleRepository, source EventSource, calibrator Calibrator, m *metrics.Pipeline, logger *zap.Logger) *Mirror {
	return &Mirror{
		repo:       repo,
		source:     source,
		calibrator: calibrator,
		metrics:    m,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start subscribes to recorded samples and mirrors them until Stop
func (m *Mirror) Start() {
	m.events = m.source.Subscribe(model.EventSampleRecorded)
	go func() {
		defer close(m.done)
		for event := range m.events {
			m.mirror(event)
		}
	}()
}

// Stop unsubscribes and waits for the in-flight insert
func (m *Mirror) Stop() {
	if m.events == nil {
		return
	}
	m.source.Unsubscribe(m.events)
	<-m.done
}

func (m *Mirror) mirror(event model.PipelineEvent) {
	reading, ok := event.Data["reading"].(int64)
	if !ok {
		m.logger.Warn("Sample event without reading", zap.String("session_id", event.SessionID))
		return
	}
	ts, ok := event.Data["timestamp"].(time.Time)
	if !ok {
		ts = event.Timestamp
	}

	sample := MirroredSample{
		SessionID: event.SessionID,
		Record:    model.SampleRecord{Timestamp: ts, Reading: reading},
	}
	if m.calibrator != nil {
		sample.Moisture = decimal.NewNullDecimal(m.calibrator.Percent(reading))
	}

	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	if err := m.repo.Insert(ctx, sample); err != nil {
		m.metrics.ObserveMirrorError()
		m.logger.Error("Failed to mirror sample",
			zap.Error(err),
			zap.String("session_id", event.SessionID),
			zap.Int64("reading", reading),
		)
	}
}
