// Package server runs the health endpoint shared by tubesyncd's router and
// worker processes: /healthz for liveness, /readyz for readiness and the
// pprof handlers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tubesync/tubesync/internal/logging"
)

// ReadinessChecker is one dependency that /readyz consults.
type ReadinessChecker interface {
	Name() string
	CheckReady(ctx context.Context) error
}

// Status values reported in HealthStatus.
const (
	StatusOK           = "ok"
	StatusNotReady     = "not_ready"
	StatusShuttingDown = "shutting_down"
)

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is one entry of HealthStatus.Checks.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// DefaultReadinessTimeout bounds each readiness check.
const DefaultReadinessTimeout = 5 * time.Second

// HealthServer serves health endpoints on its own listener.
type HealthServer struct {
	addr   string
	logger *logging.Logger

	shuttingDown atomic.Bool

	mu        sync.RWMutex
	boundAddr string
	server    *http.Server
	checks    []ReadinessChecker
	timeout   time.Duration
	handlers  map[string]http.Handler
}

// NewHealthServer creates a server for addr. Nothing listens until Start.
func NewHealthServer(addr string, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &HealthServer{
		addr:     addr,
		logger:   logger.Named("health"),
		timeout:  DefaultReadinessTimeout,
		handlers: make(map[string]http.Handler),
	}
}

// RegisterHandler mounts an extra handler. Call before Start.
func (h *HealthServer) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[pattern] = handler
}

// RegisterReadinessCheck adds a check to /readyz.
func (h *HealthServer) RegisterReadinessCheck(c ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// SetReadinessTimeout changes the per-check timeout.
func (h *HealthServer) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeout = d
}

// SetShuttingDown makes both endpoints report 503 so load balancers drain
// the process before it exits.
func (h *HealthServer) SetShuttingDown() {
	h.shuttingDown.Store(true)
}

// IsShuttingDown reports whether SetShuttingDown was called.
func (h *HealthServer) IsShuttingDown() bool {
	return h.shuttingDown.Load()
}

// Handler returns the health mux.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)

	h.mu.RLock()
	for pattern, handler := range h.handlers {
		mux.Handle(pattern, handler)
	}
	h.mu.RUnlock()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Start listens and serves in the background.
func (h *HealthServer) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	h.mu.Lock()
	h.server = srv
	h.boundAddr = ln.Addr().String()
	h.mu.Unlock()

	h.logger.Infof("health server listening", map[string]any{"addr": ln.Addr().String()})
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Errorf("health server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (h *HealthServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.boundAddr != "" {
		return h.boundAddr
	}
	return h.addr
}

// Close stops the server.
func (h *HealthServer) Close() error {
	h.mu.RLock()
	srv := h.server
	h.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// CheckHealth reports liveness.
func (h *HealthServer) CheckHealth() HealthStatus {
	if h.shuttingDown.Load() {
		return HealthStatus{Status: StatusShuttingDown}
	}
	return HealthStatus{Status: StatusOK}
}

// CheckReadiness runs every registered check.
func (h *HealthServer) CheckReadiness(ctx context.Context) HealthStatus {
	if h.shuttingDown.Load() {
		return HealthStatus{Status: StatusShuttingDown}
	}

	h.mu.RLock()
	checks := append([]ReadinessChecker(nil), h.checks...)
	timeout := h.timeout
	h.mu.RUnlock()

	status := HealthStatus{Status: StatusOK, Checks: make(map[string]CheckResult, len(checks))}
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := c.CheckReady(cctx)
		cancel()
		if err != nil {
			status.Status = StatusNotReady
			status.Checks[c.Name()] = CheckResult{Message: err.Error()}
			continue
		}
		status.Checks[c.Name()] = CheckResult{Healthy: true}
	}
	return status
}

// CheckNames lists the registered readiness checks.
func (h *HealthServer) CheckNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for _, c := range h.checks {
		names = append(names, c.Name())
	}
	sort.Strings(names)
	return names
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, r, h.CheckHealth())
}

func (h *HealthServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, r, h.CheckReadiness(r.Context()))
}

func writeStatus(w http.ResponseWriter, r *http.Request, status HealthStatus) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusOK {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if r.Method != http.MethodHead {
		_ = json.NewEncoder(w).Encode(status)
	}
}
