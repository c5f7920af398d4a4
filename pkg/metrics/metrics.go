// Package metrics exports region, registry and stream counters to
// Prometheus. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmregion/pkg/registry"
	"github.com/srediag/shmregion/pkg/shm"
	"github.com/srediag/shmregion/pkg/stream"
)

const Namespace = "shmregion"

var (
	_ shm.Observer      = (*Metrics)(nil)
	_ registry.Observer = (*Metrics)(nil)
	_ stream.Observer   = (*Metrics)(nil)
)

// Metrics holds the collectors.
type Metrics struct {
	writes         *prometheus.CounterVec
	writeBytes     *prometheus.CounterVec
	reads          *prometheus.CounterVec
	entries        prometheus.Gauge
	attachFailures *prometheus.CounterVec
	chunks         prometheus.Counter
	chunkBytes     prometheus.Counter
	backpressure   *prometheus.CounterVec
	sessions       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "region",
			Name:      "writes_total",
			Help:      "Count of published region writes.",
		}, []string{"region"}),
		writeBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "region",
			Name:      "write_bytes_total",
			Help:      "Payload bytes published to regions.",
		}, []string{"region"}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "region",
			Name:      "reads_total",
			Help:      "Count of region reads by outcome.",
		}, []string{"region", "status"}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "entries",
			Help:      "Number of registry entries.",
		}),
		attachFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "attach_failures_total",
			Help:      "Count of failed attaches to a registered locator.",
		}, []string{"name"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "chunks_total",
			Help:      "Count of chunks delivered to sinks.",
		}),
		chunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "bytes_total",
			Help:      "Payload bytes delivered to sinks.",
		}),
		backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "backpressure_total",
			Help:      "Count of producer waits on a full ring.",
		}, []string{"outcome"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "session_transitions_total",
			Help:      "Count of session state transitions.",
		}, []string{"state"}),
	}
	for _, c := range []prometheus.Collector{
		m.writes, m.writeBytes, m.reads, m.entries, m.attachFailures,
		m.chunks, m.chunkBytes, m.backpressure, m.sessions,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MustNew is New that panics on a registration error.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Metrics) ObserveWrite(region string, bytes int) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(region).Inc()
	m.writeBytes.WithLabelValues(region).Add(float64(bytes))
}

func (m *Metrics) ObserveRead(region, status string) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(region, status).Inc()
}

func (m *Metrics) ObserveEntries(n int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(n))
}

func (m *Metrics) ObserveAttachFailure(name string) {
	if m == nil {
		return
	}
	m.attachFailures.WithLabelValues(name).Inc()
}

func (m *Metrics) ObserveChunk(bytes int) {
	if m == nil {
		return
	}
	m.chunks.Inc()
	m.chunkBytes.Add(float64(bytes))
}

func (m *Metrics) ObserveBackpressure(timedOut bool) {
	if m == nil {
		return
	}
	outcome := "waited"
	if timedOut {
		outcome = "timeout"
	}
	m.backpressure.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSession(state string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(state).Inc()
}
