// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Pipeline holds the prometheus collectors for the ingest pipeline. A nil
// *Pipeline is valid and records nothing.
type Pipeline struct {
	registry *prometheus.Registry

	SamplesWritten   prometheus.Counter
	PacketsRejected  *prometheus.CounterVec
	BytesReceived    prometheus.Counter
	ConnectionState  *prometheus.GaugeVec
	Sessions         *prometheus.CounterVec
	LastReading      prometheus.Gauge
	LastSampleTime   prometheus.Gauge
	AppendDuration   prometheus.Histogram
	QueueDepth       prometheus.Gauge
	MirrorErrors     prometheus.Counter
	ReconnectBackoff prometheus.Gauge
}

// NewPipeline creates and registers the pipeline collectors on a private
// registry together with the Go runtime and process collectors
func NewPipeline() *Pipeline {
	p := &Pipeline{
		registry: prometheus.NewRegistry(),

		SamplesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensor_reader",
			Subsystem: "samples",
			Name:      "written_total",
			Help:      "Samples durably appended to the output log",
		}),
		PacketsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensor_reader",
			Subsystem: "packets",
			Name:      "rejected_total",
			Help:      "Packets discarded by framing or validation",
		}, []string{"reason"}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensor_reader",
			Subsystem: "stream",
			Name:      "bytes_received_total",
			Help:      "Characters read from the transport",
		}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sensor_reader",
			Subsystem: "connection",
			Name:      "state",
			Help:      "1 for the current connection manager state, 0 otherwise",
		}, []string{"state"}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensor_reader",
			Subsystem: "sessions",
			Name:      "total",
			Help:      "Finished connection sessions by outcome",
		}, []string{"outcome"}),
		LastReading: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensor_reader",
			Subsystem: "samples",
			Name:      "last_reading",
			Help:      "Most recent persisted reading",
		}),
		LastSampleTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensor_reader",
			Subsystem: "samples",
			Name:      "last_timestamp_seconds",
			Help:      "Unix time of the most recent persisted reading",
		}),
		AppendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sensor_reader",
			Subsystem: "storage",
			Name:      "append_duration_seconds",
			Help:      "Time to write, flush and sync one record",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensor_reader",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Tokens waiting in the packet queue",
		}),
		MirrorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensor_reader",
			Subsystem: "mirror",
			Name:      "errors_total",
			Help:      "Samples that could not be mirrored to the database",
		}),
		ReconnectBackoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensor_reader",
			Subsystem: "connection",
			Name:      "reconnect_backoff_seconds",
			Help:      "Delay before the next connection attempt",
		}),
	}

	p.registry.MustRegister(
		p.SamplesWritten,
		p.PacketsRejected,
		p.BytesReceived,
		p.ConnectionState,
		p.Sessions,
		p.LastReading,
		p.LastSampleTime,
		p.AppendDuration,
		p.QueueDepth,
		p.MirrorErrors,
		p.ReconnectBackoff,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return p
}

// Registry returns the prometheus registry backing the collectors
func (p *Pipeline) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

// ObserveSample records a durable append
func (p *Pipeline) ObserveSample(reading int64, unixSeconds float64, appendSeconds float64) {
	if p == nil {
		return
	}
	p.SamplesWritten.Inc()
	p.LastReading.Set(float64(reading))
	p.LastSampleTime.Set(unixSeconds)
	p.AppendDuration.Observe(appendSeconds)
}

// ObserveRejected counts a discarded packet
func (p *Pipeline) ObserveRejected(reason string) {
	if p == nil {
		return
	}
	p.PacketsRejected.WithLabelValues(reason).Inc()
}

// ObserveBytes counts characters read from the transport
func (p *Pipeline) ObserveBytes(n int) {
	if p == nil {
		return
	}
	p.BytesReceived.Add(float64(n))
}

// ObserveQueueDepth records the current queue length
func (p *Pipeline) ObserveQueueDepth(n int) {
	if p == nil {
		return
	}
	p.QueueDepth.Set(float64(n))
}

// SetState marks state as the current connection state
func (p *Pipeline) SetState(state string, all []string) {
	if p == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		p.ConnectionState.WithLabelValues(s).Set(v)
	}
}

// ObserveSession counts a finished session
func (p *Pipeline) ObserveSession(outcome string) {
	if p == nil {
		return
	}
	p.Sessions.WithLabelValues(outcome).Inc()
}

// ObserveMirrorError counts a failed database mirror write
func (p *Pipeline) ObserveMirrorError() {
	if p == nil {
		return
	}
	p.MirrorErrors.Inc()
}

// ObserveBackoff records the delay before the next reconnect
func (p *Pipeline) ObserveBackoff(seconds float64) {
	if p == nil {
		return
	}
	p.ReconnectBackoff.Set(seconds)
}
