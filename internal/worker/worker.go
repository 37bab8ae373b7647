// Package worker runs the stateful side of the system: it claims rooms on
// request, runs each room as its own actor, evicts idle rooms and keeps
// every connected router informed through loaded, unloaded and periodic
// gossip envelopes.
package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tubesync/tubesync/internal/auth"
	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/epoch"
	"github.com/tubesync/tubesync/internal/events"
	"github.com/tubesync/tubesync/internal/link"
	"github.com/tubesync/tubesync/internal/logging"
	"github.com/tubesync/tubesync/internal/metrics"
	"github.com/tubesync/tubesync/internal/room"
	"github.com/tubesync/tubesync/internal/roomstore"
)

// Config holds worker settings.
type Config struct {
	ID     envelope.WorkerID
	Region string

	// AdvertisePort is announced in init so routers know where to reach
	// this worker.
	AdvertisePort int

	GossipInterval time.Duration
	IdleTimeout    time.Duration

	// LoadTimeout bounds each call to the room store and the epoch issuer.
	LoadTimeout time.Duration

	// AutoCreate creates an empty temporary room when storage has none.
	AutoCreate bool

	// InboxSize is the per-room step queue length.
	InboxSize int

	Link link.Config
}

// DefaultConfig returns the defaults used by tubesyncd.
func DefaultConfig() Config {
	return Config{
		GossipInterval: 10 * time.Second,
		IdleTimeout:    120 * time.Second,
		LoadTimeout:    10 * time.Second,
		AutoCreate:     true,
		InboxSize:      1024,
		Link:           link.DefaultConfig(),
	}
}

// Deps are the collaborators a worker drives. Logic, Store and Issuer are
// required.
type Deps struct {
	Logic   room.Logic
	Store   roomstore.Store
	Issuer  epoch.Issuer
	Auth    auth.Validator
	Events  events.Sink
	Metrics *metrics.WorkerMetrics
	Clock   clockwork.Clock
	Logger  *logging.Logger
}

// Worker owns a set of rooms and serves router links.
type Worker struct {
	cfg     Config
	logic   room.Logic
	store   roomstore.Store
	issuer  epoch.Issuer
	auth    auth.Validator
	events  events.Sink
	metrics *metrics.WorkerMetrics
	clock   clockwork.Clock
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// announceMu orders room announcements on the links. A gossip
	// snapshot and its sends never interleave with Loaded or Unloaded.
	announceMu sync.Mutex

	mu      sync.Mutex
	rooms   map[envelope.RoomName]*actor
	loading map[envelope.RoomName]struct{}
	links   map[*routerLink]struct{}
	closed  bool
}

// New builds a worker. Call Start before serving links.
func New(cfg Config, deps Deps) *Worker {
	d := DefaultConfig()
	if cfg.ID == "" {
		cfg.ID = envelope.NewWorkerID()
	}
	if cfg.GossipInterval <= 0 {
		cfg.GossipInterval = d.GossipInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = d.LoadTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = d.InboxSize
	}
	if deps.Auth == nil {
		deps.Auth = auth.AllowAll{}
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = logging.DefaultLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:     cfg,
		logic:   deps.Logic,
		store:   deps.Store,
		issuer:  deps.Issuer,
		auth:    deps.Auth,
		events:  deps.Events,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		logger:  deps.Logger.Named("worker").With(map[string]any{"worker": string(cfg.ID)}),
		ctx:     ctx,
		cancel:  cancel,
		rooms:   make(map[envelope.RoomName]*actor),
		loading: make(map[envelope.RoomName]struct{}),
		links:   make(map[*routerLink]struct{}),
	}
}

// ID returns the worker's identity.
func (w *Worker) ID() envelope.WorkerID { return w.cfg.ID }

// Start launches the gossip loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.gossipLoop()
	w.logger.Infof("worker started", map[string]any{
		"port":   w.cfg.AdvertisePort,
		"gossip": w.cfg.GossipInterval.String(),
		"idle":   w.cfg.IdleTimeout.String(),
	})
}

// Handler serves router links at /balancer and a JSON view of held rooms
// at /status.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/balancer", w.serveLink)
	mux.HandleFunc("/status", w.serveStatus)
	return mux
}

// Shutdown releases every room, persisting the ones that are not
// temporary, then closes all router links.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.cancel()
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	w.mu.Lock()
	links := make([]*routerLink, 0, len(w.links))
	for l := range w.links {
		links = append(links, l)
	}
	w.mu.Unlock()
	for _, l := range links {
		_ = l.conn.Close(1001, "worker shutting down")
	}
	return err
}

func (w *Worker) gossipLoop() {
	defer w.wg.Done()
	ticker := w.clock.NewTicker(w.cfg.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.Chan():
			w.announceMu.Lock()
			msg := w.gossip()
			for _, l := range w.linkSnapshot() {
				l.send(msg)
				w.metrics.RecordGossip()
			}
			w.announceMu.Unlock()
		}
	}
}

// gossip snapshots every held room. Callers that send the snapshot hold
// announceMu.
func (w *Worker) gossip() envelope.Gossip {
	w.mu.Lock()
	actors := make([]*actor, 0, len(w.rooms))
	for _, a := range w.rooms {
		actors = append(actors, a)
	}
	w.mu.Unlock()

	rooms := make([]envelope.GossipRoom, 0, len(actors))
	for _, a := range actors {
		rooms = append(rooms, envelope.GossipRoom{Room: a.metadata(), LoadEpoch: a.epoch})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Room.Name < rooms[j].Room.Name })
	return envelope.Gossip{Rooms: rooms}
}

func (w *Worker) linkSnapshot() []*routerLink {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*routerLink, 0, len(w.links))
	for l := range w.links {
		out = append(out, l)
	}
	return out
}

// broadcast sends msg on every router link. Room announcements are sent
// with announceMu held.
func (w *Worker) broadcast(msg envelope.M2B) {
	for _, l := range w.linkSnapshot() {
		l.send(msg)
	}
}

func (w *Worker) lookup(name envelope.RoomName) *actor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rooms[name]
}

// removeActor drops a from the room table if it is still the registered
// actor for its room.
func (w *Worker) removeActor(a *actor) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rooms[a.name] != a {
		return false
	}
	delete(w.rooms, a.name)
	w.metrics.SetRooms(len(w.rooms))
	return true
}

func (w *Worker) publish(kind events.Kind, a *actor, reason string) {
	e := events.NewEvent(kind, a.name, w.cfg.ID, a.epoch)
	e.Users = a.metadata().Users
	e.Reason = reason
	w.events.Publish(w.ctx, e)
}

// RoomStatus describes one held room.
type RoomStatus struct {
	Name     envelope.RoomName     `json:"name"`
	Epoch    envelope.Epoch        `json:"epoch"`
	Metadata envelope.RoomMetadata `json:"metadata"`
}

// Status is the worker's self description.
type Status struct {
	ID      envelope.WorkerID `json:"id"`
	Region  string            `json:"region,omitempty"`
	Routers int               `json:"routers"`
	Rooms   []RoomStatus      `json:"rooms"`
}

// Status reports held rooms and connected routers.
func (w *Worker) Status() Status {
	g := w.gossip()
	st := Status{
		ID:     w.cfg.ID,
		Region: w.cfg.Region,
		Rooms:  make([]RoomStatus, 0, len(g.Rooms)),
	}
	for _, r := range g.Rooms {
		st.Rooms = append(st.Rooms, RoomStatus{Name: r.Room.Name, Epoch: r.LoadEpoch, Metadata: r.Room})
	}
	st.Routers = len(w.linkSnapshot())
	return st
}

func (w *Worker) serveStatus(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(rw, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(w.Status())
}
