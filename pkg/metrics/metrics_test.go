package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func families(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func labelled(mf *dto.MetricFamily, value string) *dto.Metric {
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetValue() == value {
				return m
			}
		}
	}
	return nil
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveWrite("state", 100)
	m.ObserveWrite("state", 28)
	m.ObserveRead("state", "data")
	m.ObserveRead("state", "unchanged")
	m.ObserveRead("state", "unchanged")
	m.ObserveEntries(3)
	m.ObserveAttachFailure("peer")
	m.ObserveChunk(64)
	m.ObserveChunk(36)
	m.ObserveBackpressure(false)
	m.ObserveBackpressure(true)
	m.ObserveSession("finalized")

	got := families(t, reg)
	assert.Equal(t, 2.0, got["shmregion_region_writes_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 128.0, got["shmregion_region_write_bytes_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 2.0, labelled(got["shmregion_region_reads_total"], "unchanged").GetCounter().GetValue())
	assert.Equal(t, 3.0, got["shmregion_registry_entries"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 1.0, labelled(got["shmregion_registry_attach_failures_total"], "peer").GetCounter().GetValue())
	assert.Equal(t, 2.0, got["shmregion_stream_chunks_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 100.0, got["shmregion_stream_bytes_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, labelled(got["shmregion_stream_backpressure_total"], "timeout").GetCounter().GetValue())
	assert.Equal(t, 1.0, labelled(got["shmregion_stream_session_transitions_total"], "finalized").GetCounter().GetValue())
}

func TestMetricsDoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustNew(reg)
	_, err := New(reg)
	assert.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveWrite("x", 1)
		m.ObserveRead("x", "empty")
		m.ObserveEntries(1)
		m.ObserveAttachFailure("x")
		m.ObserveChunk(1)
		m.ObserveBackpressure(true)
		m.ObserveSession("failed")
	})
}
