package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreMetrics tracks latency and outcome of backing store calls. One set
// is registered per subsystem: "metadata" for the key/value store and
// "objectstore" for room content.
type StoreMetrics struct {
	// LatencyHistogram labels: operation, status
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal labels: operation, status
	RequestsTotal *prometheus.CounterVec

	// BytesTotal labels: operation. Only object store calls report bytes.
	BytesTotal *prometheus.CounterVec
}

// NewMetadataMetrics registers metadata store metrics with the default
// registry.
func NewMetadataMetrics() *StoreMetrics {
	return NewStoreMetricsWithRegistry(prometheus.DefaultRegisterer, "metadata")
}

// NewObjectStoreMetrics registers object store metrics with the default
// registry.
func NewObjectStoreMetrics() *StoreMetrics {
	return NewStoreMetricsWithRegistry(prometheus.DefaultRegisterer, "objectstore")
}

// NewStoreMetricsWithRegistry registers store metrics under subsystem
// with reg.
func NewStoreMetricsWithRegistry(reg prometheus.Registerer, subsystem string) *StoreMetrics {
	f := promauto.With(reg)
	return &StoreMetrics{
		LatencyHistogram: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "operation_latency_seconds",
			Help:    "Store operation latency in seconds, broken down by operation and status.",
			Buckets: DefaultLatencyBuckets,
		}, []string{"operation", "status"}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "operations_total",
			Help: "Store operations, broken down by operation and status.",
		}, []string{"operation", "status"}),
		BytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "bytes_total",
			Help: "Bytes moved by successful store operations.",
		}, []string{"operation"}),
	}
}

// RecordOp implements metadata.MetricsRecorder.
func (m *StoreMetrics) RecordOp(op string, durationSeconds float64, success bool) {
	if m == nil {
		return
	}
	s := status(success)
	m.LatencyHistogram.WithLabelValues(op, s).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(op, s).Inc()
}

// ObjectRecorder adapts m to objectstore.MetricsRecorder.
func (m *StoreMetrics) ObjectRecorder() ObjectRecorder {
	return ObjectRecorder{m: m}
}

// ObjectRecorder records object store calls including byte counts.
type ObjectRecorder struct {
	m *StoreMetrics
}

func (r ObjectRecorder) RecordOp(op string, durationSeconds float64, success bool, bytes int64) {
	if r.m == nil {
		return
	}
	r.m.RecordOp(op, durationSeconds, success)
	if success && bytes > 0 {
		r.m.BytesTotal.WithLabelValues(op).Add(float64(bytes))
	}
}
