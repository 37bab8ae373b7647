// Package router implements the edge router. It accepts client websocket
// connections, resolves each client's room to the worker holding it,
// forwards client frames as client_msg envelopes and fans room_msg
// envelopes back out to the clients bound at this router.
//
// The router never talks to another router. All it knows about room
// placement comes from loaded, unloaded and gossip envelopes merged into
// its private directory.
package router

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tubesync/tubesync/internal/directory"
	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/link"
	"github.com/tubesync/tubesync/internal/logging"
	"github.com/tubesync/tubesync/internal/metrics"
)

// Config holds router settings.
type Config struct {
	// ResolveTimeout bounds the wait for a worker to claim an unknown room.
	ResolveTimeout time.Duration

	// AuthTimeout bounds the wait for a client's auth frame.
	AuthTimeout time.Duration

	// InitTimeout bounds the wait for a worker's init envelope.
	InitTimeout time.Duration

	// ReconnectMin and ReconnectMax bound the worker redial backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// SendTimeout bounds a blocked send to a worker link.
	SendTimeout time.Duration

	Link link.Config
}

// DefaultConfig returns the defaults used by tubesyncd.
func DefaultConfig() Config {
	return Config{
		ResolveTimeout: 3 * time.Second,
		AuthTimeout:    20 * time.Second,
		InitTimeout:    20 * time.Second,
		ReconnectMin:   500 * time.Millisecond,
		ReconnectMax:   5 * time.Second,
		SendTimeout:    5 * time.Second,
		Link:           link.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = d.ResolveTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = d.ReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = d.ReconnectMax
		if c.ReconnectMax < c.ReconnectMin {
			c.ReconnectMax = c.ReconnectMin
		}
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	return c
}

// Deps are optional collaborators.
type Deps struct {
	Metrics *metrics.RouterMetrics
	Clock   clockwork.Clock
	Logger  *logging.Logger
}

// Router is safe for concurrent use.
type Router struct {
	cfg     Config
	dir     *directory.Directory
	metrics *metrics.RouterMetrics
	clock   clockwork.Clock
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	links    map[string]*workerLink
	ready    map[envelope.WorkerID]*workerLink
	sessions map[envelope.ClientID]*session
	byRoom   map[envelope.RoomName]map[envelope.ClientID]*session
	closed   bool
}

// New creates a router with no worker links. Call SetWorkers to connect.
func New(cfg Config, deps Deps) *Router {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = logging.DefaultLogger()
	}
	logger := deps.Logger.Named("router")

	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		cfg:      cfg.withDefaults(),
		dir:      directory.New(logger),
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		links:    make(map[string]*workerLink),
		ready:    make(map[envelope.WorkerID]*workerLink),
		sessions: make(map[envelope.ClientID]*session),
		byRoom:   make(map[envelope.RoomName]map[envelope.ClientID]*session),
	}
}

// Directory exposes the router's room directory.
func (r *Router) Directory() *directory.Directory { return r.dir }

// Handler serves the client endpoint and the HTTP API.
func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/room/list", r.serveRoomList)
	mux.HandleFunc("GET /api/status", r.serveStatus)
	mux.HandleFunc("GET /api/state", r.serveState)
	mux.HandleFunc("GET /api/room/", r.serveClient)
	return mux
}

// WorkerLinks returns the number of worker links that completed init.
func (r *Router) WorkerLinks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ready)
}

// Shutdown closes every client with 1001, then every worker link.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.closeWith(1001, "router shutting down")
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withClockTimeout is context.WithTimeout driven by the router's clock.
func (r *Router) withClockTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	t := r.clock.AfterFunc(d, cancel)
	return ctx, func() {
		t.Stop()
		cancel()
	}
}

// resolve returns the directory entry for name, broadcasting load and
// waiting up to ResolveTimeout when the room is unknown.
func (r *Router) resolve(ctx context.Context, name envelope.RoomName) (directory.Entry, error) {
	start := r.clock.Now()
	if e, ok := r.dir.Lookup(name); ok {
		if r.isReady(e.Worker) {
			r.metrics.RecordResolve(metrics.ResolveCached, r.clock.Since(start).Seconds())
			return e, nil
		}
		r.dir.RetractFrom(name, e.Worker)
	}

	wctx, cancel := r.withClockTimeout(ctx, r.cfg.ResolveTimeout)
	defer cancel()

	sent := r.broadcast(wctx, envelope.Load{Room: name})
	e, err := r.dir.Wait(wctx, name)
	switch {
	case err == nil:
		r.metrics.RecordResolve(metrics.ResolveLoaded, r.clock.Since(start).Seconds())
		return e, nil
	case ctx.Err() != nil:
		r.metrics.RecordResolve(metrics.ResolveCancelled, 0)
		return directory.Entry{}, ctx.Err()
	case sent == 0:
		r.metrics.RecordResolve(metrics.ResolveNoWorkers, 0)
		return directory.Entry{}, &WorkerUnavailableError{}
	default:
		r.metrics.RecordResolve(metrics.ResolveTimeout, 0)
		return directory.Entry{}, &RoomNotFoundError{Room: name}
	}
}

func (r *Router) isReady(id envelope.WorkerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ready[id]
	return ok
}

func (r *Router) readyLinks() []*workerLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*workerLink, 0, len(r.ready))
	for _, l := range r.ready {
		out = append(out, l)
	}
	return out
}

// sendTo sends msg to the worker with the given id.
func (r *Router) sendTo(ctx context.Context, id envelope.WorkerID, msg envelope.B2M) error {
	r.mu.Lock()
	l := r.ready[id]
	r.mu.Unlock()
	if l == nil {
		return &WorkerUnavailableError{Worker: id}
	}
	return l.send(ctx, msg)
}

// broadcast sends msg to every ready worker and returns how many accepted
// it.
func (r *Router) broadcast(ctx context.Context, msg envelope.B2M) int {
	n := 0
	for _, l := range r.readyLinks() {
		if err := l.send(ctx, msg); err != nil {
			l.logger.Debugf("broadcast send failed", map[string]any{"type": envelope.TagOfB2M(msg), "error": err.Error()})
			continue
		}
		n++
	}
	return n
}

func (r *Router) addSession(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sessions[s.id] = s
	set := r.byRoom[s.room]
	if set == nil {
		set = make(map[envelope.ClientID]*session)
		r.byRoom[s.room] = set
	}
	set[s.id] = s
	return true
}

func (r *Router) removeSession(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	if set := r.byRoom[s.room]; set != nil {
		if set[s.id] == s {
			delete(set, s.id)
		}
		if len(set) == 0 {
			delete(r.byRoom, s.room)
		}
	}
}

func (r *Router) roomSessions(name envelope.RoomName) []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byRoom[name]
	out := make([]*session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

func (r *Router) allSessions() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// rebindRoom detaches every client of name bound to worker and starts
// re-resolution for each.
func (r *Router) rebindRoom(name envelope.RoomName, worker envelope.WorkerID, cause error) {
	r.rebind(r.roomSessions(name), worker, cause)
}

// rebindWorker detaches every client bound to worker.
func (r *Router) rebindWorker(worker envelope.WorkerID, cause error) {
	r.rebind(r.allSessions(), worker, cause)
}

func (r *Router) rebind(sessions []*session, worker envelope.WorkerID, cause error) {
	for _, s := range sessions {
		if !s.detach(worker) {
			continue
		}
		r.metrics.RecordRebind()
		s.notify(cause)
		s.wake()
	}
}
