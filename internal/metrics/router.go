package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolve outcome label values.
const (
	ResolveCached    = "cached"
	ResolveLoaded    = "loaded"
	ResolveTimeout   = "timeout"
	ResolveCancelled = "cancelled"
	ResolveNoWorkers = "no_workers"
)

// RouterMetrics holds edge router metrics.
type RouterMetrics struct {
	// ClientsActive is the number of authenticated client connections.
	ClientsActive prometheus.Gauge

	// WorkerLinks is the number of worker links that completed init.
	WorkerLinks prometheus.Gauge

	// DirectoryRooms is the number of rooms in the directory.
	DirectoryRooms prometheus.Gauge

	// ResolveTotal counts room resolutions. Labels: outcome
	ResolveTotal *prometheus.CounterVec

	// ResolveLatency is the time from resolve start to a bound worker.
	ResolveLatency prometheus.Histogram

	// EnvelopesTotal counts envelopes. Labels: direction (in, out), type
	EnvelopesTotal *prometheus.CounterVec

	// MalformedTotal counts envelopes rejected at decode.
	MalformedTotal prometheus.Counter

	// ClientClosesTotal counts client closes. Labels: reason
	ClientClosesTotal *prometheus.CounterVec

	// MergesTotal counts directory merges. Labels: outcome
	MergesTotal *prometheus.CounterVec

	// RebindsTotal counts clients moved to a new worker without
	// disconnecting.
	RebindsTotal prometheus.Counter
}

// NewRouterMetrics registers router metrics with the default registry.
func NewRouterMetrics() *RouterMetrics {
	return NewRouterMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewRouterMetricsWithRegistry registers router metrics with reg.
func NewRouterMetricsWithRegistry(reg prometheus.Registerer) *RouterMetrics {
	f := promauto.With(reg)
	const subsystem = "router"
	return &RouterMetrics{
		ClientsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "clients_active",
			Help: "Current number of authenticated client connections.",
		}),
		WorkerLinks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "worker_links",
			Help: "Current number of initialized worker links.",
		}),
		DirectoryRooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "directory_rooms",
			Help: "Number of rooms in the local directory.",
		}),
		ResolveTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "resolve_total",
			Help: "Room resolutions, broken down by outcome.",
		}, []string{"outcome"}),
		ResolveLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "resolve_latency_seconds",
			Help:    "Time taken to resolve a room to a worker.",
			Buckets: DefaultLatencyBuckets,
		}),
		EnvelopesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "envelopes_total",
			Help: "Envelopes exchanged with workers, broken down by direction and type.",
		}, []string{"direction", "type"}),
		MalformedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "malformed_envelopes_total",
			Help: "Envelopes from workers that failed to decode.",
		}),
		ClientClosesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "client_closes_total",
			Help: "Client connections closed, broken down by reason.",
		}, []string{"reason"}),
		MergesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "directory_merges_total",
			Help: "Directory merges, broken down by outcome.",
		}, []string{"outcome"}),
		RebindsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "rebinds_total",
			Help: "Clients transparently rebound to another worker.",
		}),
	}
}

func (m *RouterMetrics) RecordResolve(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ResolveTotal.WithLabelValues(outcome).Inc()
	if outcome == ResolveCached || outcome == ResolveLoaded {
		m.ResolveLatency.Observe(durationSeconds)
	}
}

func (m *RouterMetrics) RecordEnvelope(direction, tag string) {
	if m == nil {
		return
	}
	m.EnvelopesTotal.WithLabelValues(direction, tag).Inc()
}

func (m *RouterMetrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.MalformedTotal.Inc()
}

func (m *RouterMetrics) RecordClientClose(reason string) {
	if m == nil {
		return
	}
	m.ClientClosesTotal.WithLabelValues(reason).Inc()
}

func (m *RouterMetrics) RecordMerge(outcome string) {
	if m == nil {
		return
	}
	m.MergesTotal.WithLabelValues(outcome).Inc()
}

func (m *RouterMetrics) RecordRebind() {
	if m == nil {
		return
	}
	m.RebindsTotal.Inc()
}

func (m *RouterMetrics) ClientConnected() {
	if m == nil {
		return
	}
	m.ClientsActive.Inc()
}

func (m *RouterMetrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.ClientsActive.Dec()
}

func (m *RouterMetrics) SetWorkerLinks(n int) {
	if m == nil {
		return
	}
	m.WorkerLinks.Set(float64(n))
}

func (m *RouterMetrics) SetDirectoryRooms(n int) {
	if m == nil {
		return
	}
	m.DirectoryRooms.Set(float64(n))
}
