// internal/repository/mirror_test.go
package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sensor-reader/internal/events"
	"sensor-reader/internal/metrics"
	"sensor-reader/internal/model"
)

type memRepository struct {
	mu      sync.Mutex
	samples []MirroredSample
	err     error
}

func (r *memRepository) Insert(_ context.Context, sample MirroredSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.samples = append(r.samples, sample)
	return nil
}

func (r *memRepository) Recent(_ context.Context, limit int) ([]model.SampleRecord, error) {
	return nil, nil
}

func (r *memRepository) CountSince(_ context.Context, since time.Time) (int64, error) {
	return 0, nil
}

func (r *memRepository) inserted() []MirroredSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MirroredSample(nil), r.samples...)
}

type halfCalibrator struct{}

func (halfCalibrator) Percent(reading int64) decimal.Decimal {
	return decimal.NewFromInt(reading).Div(decimal.NewFromInt(2))
}

func startMirror(t *testing.T, repo SampleRepository, m *metrics.Pipeline) (*events.Bus, *Mirror) {
	t.Helper()
	bus := events.NewBus(zap.NewNop())
	go bus.Start()

	mirror := NewMirror(repo, bus, halfCalibrator{}, m, zap.NewNop())
	mirror.Start()
	t.Cleanup(func() {
		mirror.Stop()
		bus.Stop()
	})
	return bus, mirror
}

func TestMirror_InsertsRecordedSamples(t *testing.T) {
	repo := &memRepository{}
	bus, _ := startMirror(t, repo, nil)

	ts := time.Unix(1700000000, 250000000)
	bus.Publish(model.PipelineEvent{
		Type:      model.EventSampleRecorded,
		SessionID: "sess-1",
		Data:      map[string]interface{}{"reading": int64(423), "timestamp": ts},
		Timestamp: time.Now(),
	})
	bus.Publish(model.PipelineEvent{
		Type:      model.EventPacketRejected,
		SessionID: "sess-1",
		Data:      map[string]interface{}{"reason": "malformed"},
		Timestamp: time.Now(),
	})

	require.Eventually(t, func() bool { return len(repo.inserted()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := repo.inserted()[0]
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, int64(423), got.Record.Reading)
	assert.True(t, ts.Equal(got.Record.Timestamp))
	require.True(t, got.Moisture.Valid)
	assert.Equal(t, "211.5", got.Moisture.Decimal.String())
}

func TestMirror_IgnoresEventsWithoutReading(t *testing.T) {
	repo := &memRepository{}
	bus, mirror := startMirror(t, repo, nil)

	bus.Publish(model.PipelineEvent{Type: model.EventSampleRecorded, Data: map[string]interface{}{"reading": "423"}})
	bus.Publish(model.PipelineEvent{
		Type:      model.EventSampleRecorded,
		Data:      map[string]interface{}{"reading": int64(7)},
		Timestamp: time.Unix(1700000000, 0),
	})

	require.Eventually(t, func() bool { return len(repo.inserted()) == 1 }, 2*time.Second, 10*time.Millisecond)
	mirror.Stop()
	assert.Equal(t, int64(7), repo.inserted()[0].Record.Reading)
	assert.True(t, time.Unix(1700000000, 0).Equal(repo.inserted()[0].Record.Timestamp))
}

func TestMirror_CountsFailures(t *testing.T) {
	m := metrics.NewPipeline()
	repo := &memRepository{err: errors.New("connection refused")}
	bus, _ := startMirror(t, repo, m)

	for i := 0; i < 3; i++ {
		bus.Publish(model.PipelineEvent{
			Type: model.EventSampleRecorded,
			Data: map[string]interface{}{"reading": int64(i)},
		})
	}

	require.Eventually(t, func() bool { return testutil.ToFloat64(m.MirrorErrors) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, repo.inserted())
}
