package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestNewUploadMetricsRegistersEveryCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewUploadMetrics(registry)
	require.NotNil(t, m)
	// A vector shows up in Gather only once it has at least one child.
	m.ChunksTotal.WithLabelValues("success")

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 6)
}

func TestObserveChunkCompleteRecordsOutcomeAndDuration(t *testing.T) {
	m := NewUploadMetrics(prometheus.NewRegistry())

	m.ObserveChunkComplete("success", 10*time.Millisecond)

	assert.Equal(t, float64(1), counterValue(t, m.ChunksTotal.WithLabelValues("success")))
}

func TestAddBytesWrittenIgnoresNonPositive(t *testing.T) {
	m := NewUploadMetrics(prometheus.NewRegistry())

	m.AddBytesWritten(0)
	m.AddBytesWritten(-5)
	assert.Equal(t, float64(0), counterValue(t, m.BytesWrittenTotal))

	m.AddBytesWritten(128)
	assert.Equal(t, float64(128), counterValue(t, m.BytesWrittenTotal))
}

func TestSetActiveUploads(t *testing.T) {
	m := NewUploadMetrics(prometheus.NewRegistry())

	m.SetActiveUploads(3)
	assert.Equal(t, float64(3), gaugeValue(t, m.ActiveUploads))

	m.SetActiveUploads(1)
	assert.Equal(t, float64(1), gaugeValue(t, m.ActiveUploads))
}

func TestAddAllowanceGranted(t *testing.T) {
	m := NewUploadMetrics(prometheus.NewRegistry())

	m.AddAllowanceGranted(1024)
	m.AddAllowanceGranted(0)
	assert.Equal(t, float64(1024), counterValue(t, m.AllowanceBytesTotal))
}

func TestNilUploadMetricsIsNoOp(t *testing.T) {
	var m *UploadMetrics

	assert.NotPanics(t, func() {
		m.ObserveChunkComplete("success", time.Second)
		m.AddBytesWritten(10)
		m.SetActiveUploads(2)
		m.AddAllowanceGranted(10)
		m.ObservePause(time.Second)
	})
}
