package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPipeline_NilIsSafe(t *testing.T) {
	var p *Pipeline
	p.ObserveSample(1, 1, 0.1)
	p.ObserveRejected("malformed")
	p.ObserveBytes(4)
	p.ObserveQueueDepth(2)
	p.SetState("STREAMING", []string{"IDLE", "STREAMING"})
	p.ObserveSession("failed")
	p.ObserveMirrorError()
	p.ObserveBackoff(1)
	assert.Nil(t, p.Registry())
}

func TestPipeline_Counters(t *testing.T) {
	p := NewPipeline()

	p.ObserveSample(423, 1700000000, 0.002)
	p.ObserveSample(12, 1700001800, 0.002)
	p.ObserveRejected("malformed")
	p.ObserveRejected("malformed")
	p.ObserveRejected("empty")
	p.ObserveBytes(6)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.SamplesWritten))
	assert.Equal(t, 12.0, testutil.ToFloat64(p.LastReading))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.PacketsRejected.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.PacketsRejected.WithLabelValues("empty")))
	assert.Equal(t, 6.0, testutil.ToFloat64(p.BytesReceived))
}

func TestPipeline_SetState(t *testing.T) {
	p := NewPipeline()
	all := []string{"IDLE", "SCANNING", "STREAMING"}

	p.SetState("SCANNING", all)
	p.SetState("STREAMING", all)

	assert.Equal(t, 0.0, testutil.ToFloat64(p.ConnectionState.WithLabelValues("SCANNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.ConnectionState.WithLabelValues("STREAMING")))
}
