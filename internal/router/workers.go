package router

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tubesync/tubesync/internal/directory"
	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/link"
	"github.com/tubesync/tubesync/internal/logging"
)

// workerLink maintains the connection to one worker address, redialing
// with backoff until the address is removed or the router shuts down.
type workerLink struct {
	r      *Router
	addr   string
	ctx    context.Context
	cancel context.CancelFunc
	logger *logging.Logger

	// Set once init arrives; guarded by r.mu.
	conn   *link.Conn
	id     envelope.WorkerID
	region string
}

// SetWorkers reconciles worker links with addrs. New addresses are dialed;
// links to addresses no longer listed are closed. An address is host:port
// or a full ws:// URL.
func (r *Router) SetWorkers(addrs []string) {
	want := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		if a = strings.TrimSpace(a); a != "" {
			want[a] = struct{}{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for addr := range want {
		if _, ok := r.links[addr]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(r.ctx)
		l := &workerLink{
			r:      r,
			addr:   addr,
			ctx:    ctx,
			cancel: cancel,
			logger: r.logger.With(map[string]any{"workerAddr": addr}),
		}
		r.links[addr] = l
		r.wg.Add(1)
		go l.run()
	}
	for addr, l := range r.links {
		if _, ok := want[addr]; !ok {
			delete(r.links, addr)
			l.cancel()
		}
	}
}

func linkURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + addr + "/balancer"
}

func (l *workerLink) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.r.cfg.ReconnectMin
	b.MaxInterval = l.r.cfg.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(b, l.ctx)
}

func (l *workerLink) run() {
	defer l.r.wg.Done()
	url := linkURL(l.addr)

	for {
		var conn *link.Conn
		dial := func() error {
			c, err := link.Dial(l.ctx, url, l.r.cfg.Link, l.logger)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}
		notify := func(err error, next time.Duration) {
			l.logger.Debugf("worker dial failed", map[string]any{"error": err.Error(), "retryIn": next.String()})
		}
		if err := backoff.RetryNotify(dial, l.newBackoff(), notify); err != nil {
			return
		}

		l.serve(conn)
		if l.ctx.Err() != nil {
			return
		}
	}
}

// serve runs one connected link until it drops.
func (l *workerLink) serve(conn *link.Conn) {
	r := l.r
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-l.ctx.Done():
			_ = conn.Close(1001, "router shutting down")
		case <-stop:
		}
	}()

	timer := r.clock.AfterFunc(r.cfg.InitTimeout, func() {
		_ = conn.Close(envelope.CodeUnknown, "init timeout")
	})
	msg, err := conn.RecvM2B()
	timer.Stop()
	if err != nil {
		l.logger.Warnf("worker link closed before init", map[string]any{"error": err.Error()})
		_ = conn.Close(envelope.CodeUnknown, "expected init")
		return
	}
	init, ok := msg.(envelope.Init)
	if !ok {
		l.logger.Warnf("first envelope was not init", map[string]any{"type": envelope.TagOfM2B(msg)})
		_ = conn.Close(envelope.CodeUnknown, "expected init")
		return
	}
	r.metrics.RecordEnvelope("in", envelope.TagInit)

	id := init.ID
	if id == "" {
		id = envelope.WorkerID(l.addr)
	}
	logger := l.logger.With(map[string]any{"worker": string(id)})

	r.mu.Lock()
	l.conn = conn
	l.id = id
	l.region = init.Region
	r.ready[id] = l
	n := len(r.ready)
	r.mu.Unlock()
	r.metrics.SetWorkerLinks(n)
	logger.Infof("worker link up", map[string]any{"port": init.Port, "region": init.Region})

	for {
		msg, err := conn.RecvM2B()
		if err != nil {
			var malformed *envelope.MalformedEnvelopeError
			if errors.As(err, &malformed) {
				r.metrics.RecordMalformed()
				logger.Warnf("malformed envelope", map[string]any{"tag": malformed.Tag, "error": err.Error()})
				continue
			}
			break
		}
		r.metrics.RecordEnvelope("in", envelope.TagOfM2B(msg))
		r.handle(id, msg)
	}

	r.mu.Lock()
	current := r.ready[id] == l
	if current {
		delete(r.ready, id)
	}
	l.conn = nil
	n = len(r.ready)
	r.mu.Unlock()
	r.metrics.SetWorkerLinks(n)

	reason := ""
	if err := conn.Err(); err != nil {
		reason = err.Error()
	}
	logger.Infof("worker link down", map[string]any{"reason": reason})
	if !current {
		return
	}

	removed := r.dir.RetractAllFor(id)
	r.metrics.SetDirectoryRooms(r.dir.Len())
	if len(removed) > 0 {
		logger.Infof("retracted rooms of lost worker", map[string]any{"rooms": len(removed)})
	}
	r.rebindWorker(id, &WorkerUnavailableError{Worker: id})
}

func (l *workerLink) send(ctx context.Context, msg envelope.B2M) error {
	l.r.mu.Lock()
	conn := l.conn
	l.r.mu.Unlock()
	if conn == nil {
		return &WorkerUnavailableError{Worker: l.id}
	}
	ctx, cancel := context.WithTimeout(ctx, l.r.cfg.SendTimeout)
	defer cancel()
	if err := conn.SendB2M(ctx, msg); err != nil {
		return err
	}
	l.r.metrics.RecordEnvelope("out", envelope.TagOfB2M(msg))
	return nil
}

// handle applies one worker envelope.
func (r *Router) handle(from envelope.WorkerID, msg envelope.M2B) {
	switch m := msg.(type) {
	case envelope.Init:
		r.logger.Debugf("repeated init ignored", map[string]any{"worker": string(from)})

	case envelope.Loaded:
		name := envelope.NormalizeRoomName(string(m.Room.Name))
		res := r.dir.Merge(directory.Entry{Room: name, Worker: from, Epoch: m.LoadEpoch, Metadata: m.Room})
		r.afterMerge(name, from, res)

	case envelope.Unloaded:
		name := envelope.NormalizeRoomName(string(m.Name))
		r.dir.RetractFrom(name, from)
		r.rebindRoom(name, from, &RoomUnloadedError{Room: name})

	case envelope.Gossip:
		res := r.dir.ApplyGossip(from, m.Rooms)
		for i, mr := range res.Merges {
			r.afterMerge(envelope.NormalizeRoomName(string(m.Rooms[i].Room.Name)), from, mr)
		}
		for _, e := range res.Removed {
			r.logger.Infof("gossip no longer lists room", map[string]any{"room": string(e.Room), "worker": string(from)})
			r.rebindRoom(e.Room, from, &RoomUnloadedError{Room: e.Room})
		}

	case envelope.RoomMsg:
		r.deliver(from, m)

	case envelope.Kick:
		r.mu.Lock()
		s := r.sessions[m.ClientID]
		r.mu.Unlock()
		if s != nil && s.detach(from) {
			s.closeWith(m.Reason, envelope.CodeName(m.Reason))
		}
	}
	r.metrics.SetDirectoryRooms(r.dir.Len())
}

// afterMerge tells workers whose claim lost a merge to drop the room, and
// moves clients off a replaced worker.
func (r *Router) afterMerge(name envelope.RoomName, from envelope.WorkerID, res directory.MergeResult) {
	r.metrics.RecordMerge(res.Outcome.String())
	prev := res.Previous.Worker

	switch res.Outcome {
	case directory.Stale:
		if prev == from {
			return
		}
		r.logger.Infof("stale claim, unloading", map[string]any{
			"room": string(name), "worker": string(from), "owner": string(prev), "ownerEpoch": int64(res.Previous.Epoch),
		})
		if err := r.sendTo(r.ctx, from, envelope.Unload{Room: name}); err != nil {
			r.logger.Debugf("unload send failed", map[string]any{"room": string(name), "error": err.Error()})
		}

	case directory.Replaced:
		if prev == from {
			return
		}
		r.logger.Infof("room moved to newer claim", map[string]any{
			"room": string(name), "from": string(prev), "to": string(from),
		})
		if err := r.sendTo(r.ctx, prev, envelope.Unload{Room: name}); err != nil {
			r.logger.Debugf("unload send failed", map[string]any{"room": string(name), "error": err.Error()})
		}
		r.rebindRoom(name, prev, &RoomUnloadedError{Room: name})
	}
}

// deliver fans a room message out to clients bound to (room, from).
func (r *Router) deliver(from envelope.WorkerID, m envelope.RoomMsg) {
	name := envelope.NormalizeRoomName(string(m.Room))
	for _, s := range r.roomSessions(name) {
		if m.ClientID != "" && s.id != m.ClientID {
			continue
		}
		if s.boundTo() != from {
			continue
		}
		s.write(m.Payload)
	}
}

// WorkerStatus describes one worker link.
type WorkerStatus struct {
	ID      envelope.WorkerID `json:"id"`
	Address string            `json:"address"`
	Region  string            `json:"region,omitempty"`
	Rooms   int               `json:"rooms"`
}

func (r *Router) workerStatuses() []WorkerStatus {
	r.mu.Lock()
	out := make([]WorkerStatus, 0, len(r.ready))
	for id, l := range r.ready {
		out = append(out, WorkerStatus{ID: id, Address: l.addr, Region: l.region})
	}
	r.mu.Unlock()

	for i := range out {
		out[i].Rooms = len(r.dir.RoomsFor(out[i].ID))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
