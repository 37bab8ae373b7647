package worker

import (
	"errors"
	"net/http"
	"sync"

	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/link"
	"github.com/tubesync/tubesync/internal/logging"
)

// routerLink is one connected router.
type routerLink struct {
	w      *Worker
	conn   *link.Conn
	logger *logging.Logger

	mu      sync.Mutex
	clients map[envelope.ClientID]envelope.RoomName
}

func (l *routerLink) bind(client envelope.ClientID, name envelope.RoomName) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clients[client] = name
}

// unbind forgets client if it is still bound to name.
func (l *routerLink) unbind(client envelope.ClientID, name envelope.RoomName) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.clients[client] == name {
		delete(l.clients, client)
	}
}

func (l *routerLink) roomOf(client envelope.ClientID) (envelope.RoomName, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	name, ok := l.clients[client]
	return name, ok
}

// send queues msg without blocking. A router that cannot keep up is
// disconnected; it resynchronizes from gossip after reconnecting.
func (l *routerLink) send(msg envelope.M2B) {
	data, err := envelope.EncodeM2B(msg)
	if err != nil {
		l.logger.Errorf("encode failed", map[string]any{"type": envelope.TagOfM2B(msg), "error": err.Error()})
		return
	}
	if err := l.conn.TrySend(data); err != nil {
		if errors.Is(err, link.ErrSendBufferFull) {
			l.logger.Warnf("router not keeping up, closing link", map[string]any{"type": envelope.TagOfM2B(msg)})
			_ = l.conn.Close(envelope.CodeUnknown, "send buffer full")
		}
	}
}

func (w *Worker) serveLink(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		http.Error(rw, "worker shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := link.Accept(rw, r, w.cfg.Link, w.logger)
	if err != nil {
		w.logger.Warnf("router link upgrade failed", map[string]any{"remote": r.RemoteAddr, "error": err.Error()})
		return
	}

	l := &routerLink{
		w:       w,
		conn:    conn,
		logger:  w.logger.With(map[string]any{"router": conn.RemoteAddr()}),
		clients: make(map[envelope.ClientID]envelope.RoomName),
	}

	w.announceMu.Lock()
	w.mu.Lock()
	w.links[l] = struct{}{}
	n := len(w.links)
	w.mu.Unlock()
	l.send(envelope.Init{Port: w.cfg.AdvertisePort, ID: w.cfg.ID, Region: w.cfg.Region})
	l.send(w.gossip())
	w.announceMu.Unlock()
	w.metrics.SetRouterLinks(n)
	l.logger.Info("router link up")

	l.readLoop()

	w.mu.Lock()
	delete(w.links, l)
	n = len(w.links)
	w.mu.Unlock()
	w.metrics.SetRouterLinks(n)
	l.dropClients()
	l.logger.Infof("router link down", map[string]any{"reason": errString(conn.Err())})
}

func (l *routerLink) readLoop() {
	for {
		msg, err := l.conn.RecvB2M()
		if err != nil {
			var malformed *envelope.MalformedEnvelopeError
			if errors.As(err, &malformed) {
				l.logger.Warnf("malformed envelope", map[string]any{"tag": malformed.Tag, "error": err.Error()})
				continue
			}
			return
		}
		l.dispatch(msg)
	}
}

func (l *routerLink) dispatch(msg envelope.B2M) {
	w := l.w
	switch m := msg.(type) {
	case envelope.Load:
		w.handleLoad(l, envelope.NormalizeRoomName(string(m.Room)))

	case envelope.Join:
		name := envelope.NormalizeRoomName(string(m.Room))
		a := w.lookup(name)
		if a == nil {
			// The router's directory is stale; make it retract and re-resolve.
			l.send(envelope.Unloaded{Name: name})
			return
		}
		l.bind(m.Client, name)
		if !a.tryEnqueue(step{kind: stepJoin, client: m.Client, token: m.Token, link: l}) {
			l.unbind(m.Client, name)
			l.logger.Warnf("room inbox full, rejecting join", map[string]any{"room": string(name), "client": string(m.Client)})
			l.send(envelope.Kick{ClientID: m.Client, Reason: envelope.CodeRoomFaulted})
		}

	case envelope.Leave:
		name, ok := l.roomOf(m.Client)
		if !ok {
			return
		}
		l.unbind(m.Client, name)
		if a := w.lookup(name); a != nil {
			s := step{kind: stepLeave, client: m.Client, link: l}
			if !a.tryEnqueue(s) {
				go a.enqueue(s)
			}
		}

	case envelope.ClientMsg:
		name, ok := l.roomOf(m.ClientID)
		if !ok {
			l.logger.Debugf("message for unbound client dropped", map[string]any{"client": string(m.ClientID)})
			return
		}
		a := w.lookup(name)
		if a == nil {
			return
		}
		if !a.tryEnqueue(step{kind: stepMessage, client: m.ClientID, link: l, payload: m.Payload}) {
			l.logger.Warnf("room inbox full, dropping message", map[string]any{"room": string(name), "client": string(m.ClientID)})
		}

	case envelope.Unload:
		name := envelope.NormalizeRoomName(string(m.Room))
		if a := w.lookup(name); a != nil {
			l.logger.Infof("router reports newer claim, unloading", map[string]any{"room": string(name), "epoch": int64(a.epoch)})
			go a.enqueue(step{kind: stepUnload})
		}
	}
}

// dropClients treats every client joined through this link as having left.
func (l *routerLink) dropClients() {
	l.mu.Lock()
	rooms := make(map[envelope.RoomName]struct{})
	for _, name := range l.clients {
		rooms[name] = struct{}{}
	}
	l.clients = make(map[envelope.ClientID]envelope.RoomName)
	l.mu.Unlock()

	for name := range rooms {
		if a := l.w.lookup(name); a != nil {
			go a.enqueue(step{kind: stepLinkLost, link: l})
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
