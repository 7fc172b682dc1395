// Package metrics exposes Prometheus collectors for the upload pipeline.
// A nil *UploadMetrics is a valid, zero-overhead no-op receiver, so callers
// that don't wire a registerer pay nothing for instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// UploadMetrics tracks Prometheus metrics for the chunk processor and rate
// limiter. All metrics use the "chunkstream_" prefix. Methods handle a nil
// receiver gracefully.
type UploadMetrics struct {
	// ChunksTotal counts completed process() calls by outcome.
	// Labels: outcome=[success, invalid_crc, stream_disconnected, cancelled, pause_timeout, incorrect_request]
	ChunksTotal *prometheus.CounterVec

	// ChunkDuration tracks wall time from process() start to its listener
	// callback.
	ChunkDuration prometheus.Histogram

	// BytesWrittenTotal counts bytes appended to content targets across all
	// uploads.
	BytesWrittenTotal prometheus.Counter

	// ActiveUploads gauges the number of uploads currently registered in
	// the rate limiter's entry registry.
	ActiveUploads prometheus.Gauge

	// AllowanceBytesTotal counts bytes granted by the rate limiter across
	// every tick, summed over every entry.
	AllowanceBytesTotal prometheus.Counter

	// PauseDuration tracks how long a chunk spends parked on the paused
	// flag before resuming or timing out.
	PauseDuration prometheus.Histogram
}

// NewUploadMetrics creates and registers the upload pipeline's Prometheus
// metrics against registerer. If registerer is nil,
// prometheus.DefaultRegisterer is used. Callers construct one UploadMetrics
// per registerer; registering twice against the same registerer panics, the
// same contract prometheus.Registerer.MustRegister always carries.
func NewUploadMetrics(registerer prometheus.Registerer) *UploadMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &UploadMetrics{
		ChunksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkstream_chunks_total",
				Help: "Total process() calls by outcome",
			},
			[]string{"outcome"},
		),
		ChunkDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chunkstream_chunk_duration_seconds",
				Help:    "Time from process() start to its listener callback",
				Buckets: prometheus.DefBuckets,
			},
		),
		BytesWrittenTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chunkstream_bytes_written_total",
				Help: "Total bytes appended to content targets",
			},
		),
		ActiveUploads: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chunkstream_active_uploads",
				Help: "Uploads currently tracked by the rate limiter's entry registry",
			},
		),
		AllowanceBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chunkstream_allowance_bytes_total",
				Help: "Total bytes granted by the rate limiter across every tick",
			},
		),
		PauseDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chunkstream_pause_duration_seconds",
				Help:    "Time a chunk spends parked on the paused flag",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	registerer.MustRegister(
		m.ChunksTotal,
		m.ChunkDuration,
		m.BytesWrittenTotal,
		m.ActiveUploads,
		m.AllowanceBytesTotal,
		m.PauseDuration,
	)

	return m
}

// ObserveChunkComplete records one finished process() call.
func (m *UploadMetrics) ObserveChunkComplete(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(outcome).Inc()
	m.ChunkDuration.Observe(duration.Seconds())
}

// AddBytesWritten records bytes appended to a content target.
func (m *UploadMetrics) AddBytesWritten(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesWrittenTotal.Add(float64(n))
}

// SetActiveUploads records the current size of the rate limiter's entry
// registry.
func (m *UploadMetrics) SetActiveUploads(n int) {
	if m == nil {
		return
	}
	m.ActiveUploads.Set(float64(n))
}

// AddAllowanceGranted records bytes granted in one rate limiter tick,
// summed across every entry.
func (m *UploadMetrics) AddAllowanceGranted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.AllowanceBytesTotal.Add(float64(n))
}

// ObservePause records how long a chunk was parked on the paused flag.
func (m *UploadMetrics) ObservePause(duration time.Duration) {
	if m == nil {
		return
	}
	m.PauseDuration.Observe(duration.Seconds())
}
