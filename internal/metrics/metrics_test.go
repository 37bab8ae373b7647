package metrics

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/tubesync/tubesync/internal/logging"
)

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestRouterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRouterMetricsWithRegistry(reg)

	m.RecordResolve(ResolveLoaded, 0.2)
	m.RecordResolve(ResolveCached, 0.001)
	m.RecordResolve(ResolveTimeout, 3)
	m.RecordEnvelope("out", "load")
	m.RecordEnvelope("out", "load")
	m.RecordMerge("inserted")
	m.RecordClientClose("room_not_found")
	m.RecordRebind()
	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()
	m.SetWorkerLinks(3)
	m.SetDirectoryRooms(5)

	if got := testutil.ToFloat64(m.ResolveTotal.WithLabelValues(ResolveTimeout)); got != 1 {
		t.Errorf("timeout resolves = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EnvelopesTotal.WithLabelValues("out", "load")); got != 2 {
		t.Errorf("load envelopes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ClientsActive); got != 1 {
		t.Errorf("clients = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.WorkerLinks); got != 3 {
		t.Errorf("links = %v, want 3", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	latency := findMetricFamily(mfs, "tubesync_router_resolve_latency_seconds")
	if latency == nil {
		t.Fatal("resolve latency histogram not registered")
	}
	// Timeouts are counted but not observed as latency.
	if got := latency.Metric[0].GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("latency samples = %d, want 2", got)
	}
}

func TestWorkerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWorkerMetricsWithRegistry(reg)

	m.RecordLoad(LoadClaimed)
	m.RecordLoad(LoadDuplicate)
	m.RecordUnload("idle")
	m.RecordFault()
	m.RecordStep("join", 0.001)
	m.RecordGossip()
	m.RecordPersist(true)
	m.RecordPersist(false)
	m.SetRooms(4)
	m.AddClients(3)
	m.AddClients(-1)

	if got := testutil.ToFloat64(m.LoadsTotal.WithLabelValues(LoadClaimed)); got != 1 {
		t.Errorf("claimed loads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PersistTotal.WithLabelValues(StatusFailure)); got != 1 {
		t.Errorf("failed persists = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ClientsJoined); got != 2 {
		t.Errorf("clients = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RoomsActive); got != 4 {
		t.Errorf("rooms = %v, want 4", got)
	}
}

func TestStoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	meta := NewStoreMetricsWithRegistry(reg, "metadata")
	objects := NewStoreMetricsWithRegistry(reg, "objectstore")

	meta.RecordOp("get", 0.001, true)
	meta.RecordOp("put", 0.002, false)
	rec := objects.ObjectRecorder()
	rec.RecordOp("put", 0.01, true, 1024)
	rec.RecordOp("get", 0.01, false, 0)

	if got := testutil.ToFloat64(meta.RequestsTotal.WithLabelValues("put", StatusFailure)); got != 1 {
		t.Errorf("failed puts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(objects.BytesTotal.WithLabelValues("put")); got != 1024 {
		t.Errorf("put bytes = %v, want 1024", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, name := range []string{
		"tubesync_metadata_operation_latency_seconds",
		"tubesync_objectstore_operations_total",
		"tubesync_objectstore_bytes_total",
	} {
		if findMetricFamily(mfs, name) == nil {
			t.Errorf("%s not registered", name)
		}
	}
}

func TestNilReceiversAreNoops(t *testing.T) {
	var r *RouterMetrics
	var w *WorkerMetrics
	var s *StoreMetrics

	r.RecordResolve(ResolveLoaded, 1)
	r.ClientConnected()
	w.RecordLoad(LoadClaimed)
	w.SetRooms(1)
	s.RecordOp("get", 1, true)
	s.ObjectRecorder().RecordOp("get", 1, true, 1)
}

func TestServerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWorkerMetricsWithRegistry(reg)
	m.RecordGossip()

	s := NewServerWithRegistry("127.0.0.1:0", reg, logging.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "tubesync_worker_gossip_sent_total 1") {
		t.Errorf("metrics output missing gossip counter:\n%s", body)
	}
}

func TestServerCloseWithoutStart(t *testing.T) {
	s := NewServer(":0", logging.Nop())
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
