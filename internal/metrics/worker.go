package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Load result label values.
const (
	LoadClaimed   = "claimed"
	LoadCreated   = "created"
	LoadDuplicate = "duplicate"
	LoadNotFound  = "not_found"
	LoadFailed    = "failed"
)

// WorkerMetrics holds room worker metrics.
type WorkerMetrics struct {
	// RoomsActive is the number of rooms this worker holds.
	RoomsActive prometheus.Gauge

	// ClientsJoined is the number of clients joined across all rooms.
	ClientsJoined prometheus.Gauge

	// RouterLinks is the number of connected routers.
	RouterLinks prometheus.Gauge

	// LoadsTotal counts load requests. Labels: result
	LoadsTotal *prometheus.CounterVec

	// UnloadsTotal counts rooms released. Labels: reason (idle, superseded,
	// faulted, shutdown)
	UnloadsTotal *prometheus.CounterVec

	// StepFaultsTotal counts room steps that panicked or failed.
	StepFaultsTotal prometheus.Counter

	// StepLatency is the time spent in one room step. Labels: step
	StepLatency *prometheus.HistogramVec

	// GossipSentTotal counts gossip envelopes sent.
	GossipSentTotal prometheus.Counter

	// PersistTotal counts room persists. Labels: status
	PersistTotal *prometheus.CounterVec
}

// NewWorkerMetrics registers worker metrics with the default registry.
func NewWorkerMetrics() *WorkerMetrics {
	return NewWorkerMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewWorkerMetricsWithRegistry registers worker metrics with reg.
func NewWorkerMetricsWithRegistry(reg prometheus.Registerer) *WorkerMetrics {
	f := promauto.With(reg)
	const subsystem = "worker"
	return &WorkerMetrics{
		RoomsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "rooms_active",
			Help: "Current number of rooms held by this worker.",
		}),
		ClientsJoined: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "clients_joined",
			Help: "Current number of clients joined to rooms on this worker.",
		}),
		RouterLinks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "router_links",
			Help: "Current number of connected routers.",
		}),
		LoadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "loads_total",
			Help: "Room load requests, broken down by result.",
		}, []string{"result"}),
		UnloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "unloads_total",
			Help: "Rooms released, broken down by reason.",
		}, []string{"reason"}),
		StepFaultsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "step_faults_total",
			Help: "Room steps that panicked.",
		}),
		StepLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "step_latency_seconds",
			Help:    "Time spent processing one room step.",
			Buckets: DefaultLatencyBuckets,
		}, []string{"step"}),
		GossipSentTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "gossip_sent_total",
			Help: "Gossip envelopes sent to routers.",
		}),
		PersistTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "persist_total",
			Help: "Room persists on eviction, broken down by status.",
		}, []string{"status"}),
	}
}

func (m *WorkerMetrics) RecordLoad(result string) {
	if m == nil {
		return
	}
	m.LoadsTotal.WithLabelValues(result).Inc()
}

func (m *WorkerMetrics) RecordUnload(reason string) {
	if m == nil {
		return
	}
	m.UnloadsTotal.WithLabelValues(reason).Inc()
}

func (m *WorkerMetrics) RecordStep(step string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StepLatency.WithLabelValues(step).Observe(durationSeconds)
}

func (m *WorkerMetrics) RecordFault() {
	if m == nil {
		return
	}
	m.StepFaultsTotal.Inc()
}

func (m *WorkerMetrics) RecordGossip() {
	if m == nil {
		return
	}
	m.GossipSentTotal.Inc()
}

func (m *WorkerMetrics) RecordPersist(success bool) {
	if m == nil {
		return
	}
	m.PersistTotal.WithLabelValues(status(success)).Inc()
}

func (m *WorkerMetrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.RoomsActive.Set(float64(n))
}

func (m *WorkerMetrics) AddClients(delta int) {
	if m == nil {
		return
	}
	m.ClientsJoined.Add(float64(delta))
}

func (m *WorkerMetrics) SetRouterLinks(n int) {
	if m == nil {
		return
	}
	m.RouterLinks.Set(float64(n))
}
