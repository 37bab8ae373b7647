package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/events"
	"github.com/tubesync/tubesync/internal/room"
)

type stepKind int

const (
	stepJoin stepKind = iota
	stepLeave
	stepMessage
	stepIdle
	stepUnload
	stepLinkLost
)

func (k stepKind) String() string {
	switch k {
	case stepJoin:
		return "join"
	case stepLeave:
		return "leave"
	case stepMessage:
		return "client_msg"
	case stepIdle:
		return "idle"
	case stepUnload:
		return "unload"
	case stepLinkLost:
		return "link_lost"
	default:
		return "unknown"
	}
}

type step struct {
	kind    stepKind
	client  envelope.ClientID
	token   string
	link    *routerLink
	payload json.RawMessage
	gen     uint64
}

// Unload reasons, used in logs, events and metrics.
const (
	reasonIdle       = "idle"
	reasonSuperseded = "superseded"
	reasonFaulted    = "faulted"
	reasonShutdown   = "shutdown"
)

// actor owns one room session. Every step runs on the actor's goroutine,
// so the session is never touched concurrently.
type actor struct {
	w       *Worker
	name    envelope.RoomName
	epoch   envelope.Epoch
	session room.Session

	inbox chan step
	done  chan struct{}

	// meta is the last metadata snapshot, readable from any goroutine.
	meta atomic.Pointer[envelope.RoomMetadata]

	// Actor goroutine only.
	members   map[envelope.ClientID]*routerLink
	idleGen   uint64
	idleTimer clockwork.Timer

	stopOnce sync.Once
}

func newActor(w *Worker, name envelope.RoomName, ep envelope.Epoch, session room.Session) *actor {
	a := &actor{
		w:       w,
		name:    name,
		epoch:   ep,
		session: session,
		inbox:   make(chan step, w.cfg.InboxSize),
		done:    make(chan struct{}),
		members: make(map[envelope.ClientID]*routerLink),
	}
	a.snapshot()
	return a
}

func (a *actor) metadata() envelope.RoomMetadata {
	return *a.meta.Load()
}

func (a *actor) snapshot() {
	m := a.session.Metadata()
	m.Name = a.name
	a.meta.Store(&m)
}

// tryEnqueue queues s without blocking. It reports false when the inbox is
// full or the actor has stopped.
func (a *actor) tryEnqueue(s step) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.inbox <- s:
		return true
	default:
		return false
	}
}

// enqueue queues s, waiting for inbox space. Used for steps that must not
// be lost, such as leaves.
func (a *actor) enqueue(s step) bool {
	select {
	case a.inbox <- s:
		return true
	case <-a.done:
		return false
	}
}

func (a *actor) run() {
	defer a.w.wg.Done()
	defer close(a.done)

	a.armIdle()
	for {
		select {
		case <-a.w.ctx.Done():
			a.release(reasonShutdown, true)
			return
		case s := <-a.inbox:
			if stop := a.handle(s); stop {
				return
			}
		}
	}
}

// handle runs one step inside a recover boundary. A panicking step faults
// the room; other rooms are unaffected.
func (a *actor) handle(s step) (stop bool) {
	start := a.w.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			a.w.metrics.RecordFault()
			a.w.logger.Errorf("room step panicked", map[string]any{
				"room":  string(a.name),
				"step":  s.kind.String(),
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			a.release(reasonFaulted, false)
			stop = true
			return
		}
		a.w.metrics.RecordStep(s.kind.String(), a.w.clock.Since(start).Seconds())
	}()

	switch s.kind {
	case stepJoin:
		a.join(s)
	case stepLeave:
		a.leave(s.client, s.link)
	case stepMessage:
		a.message(s)
	case stepLinkLost:
		for client, l := range a.members {
			if l == s.link {
				a.leave(client, l)
			}
		}
	case stepIdle:
		if s.gen == a.idleGen && len(a.members) == 0 {
			a.release(reasonIdle, true)
			return true
		}
	case stepUnload:
		a.release(reasonSuperseded, false)
		return true
	}
	a.snapshot()
	return false
}

func (a *actor) join(s step) {
	ctx, cancel := context.WithTimeout(a.w.ctx, a.w.cfg.LoadTimeout)
	err := a.w.auth.Validate(ctx, s.token, a.name, s.client)
	cancel()
	if err != nil {
		terr := &TokenInvalidError{Client: s.client, Room: a.name, Err: err}
		a.w.logger.Infof("join rejected", map[string]any{"room": string(a.name), "client": string(s.client), "error": terr.Error()})
		s.link.unbind(s.client, a.name)
		s.link.send(envelope.Kick{ClientID: s.client, Reason: envelope.CodeInvalidToken})
		return
	}

	a.stopIdle()
	if prev, ok := a.members[s.client]; ok && prev != s.link {
		prev.unbind(s.client, a.name)
	}
	if _, ok := a.members[s.client]; !ok {
		a.w.metrics.AddClients(1)
	}
	a.members[s.client] = s.link
	a.deliver(a.session.Join(s.client), s.link)
}

func (a *actor) leave(client envelope.ClientID, from *routerLink) {
	l, ok := a.members[client]
	if !ok || (from != nil && l != from) {
		return
	}
	a.remove(client)
}

// remove drops a member, runs the session's leave hook and arms the idle
// timer once the room is empty.
func (a *actor) remove(client envelope.ClientID) {
	out := a.session.Leave(client)
	delete(a.members, client)
	a.w.metrics.AddClients(-1)
	a.deliver(out, nil)
	if len(a.members) == 0 {
		a.armIdle()
	}
}

func (a *actor) message(s step) {
	if l, ok := a.members[s.client]; !ok || l != s.link {
		a.w.logger.Debugf("message from non-member dropped", map[string]any{"room": string(a.name), "client": string(s.client)})
		return
	}
	out, err := a.session.Process(s.client, s.payload)
	if err != nil {
		a.w.logger.Debugf("room rejected message", map[string]any{
			"room":   string(a.name),
			"client": string(s.client),
			"error":  err.Error(),
		})
	}
	a.deliver(out, s.link)
}

// deliver routes session output. Targeted messages go to the link the
// client joined through; broadcasts go once to every link with a member.
// A kicked member is removed after the batch, as if it had left.
func (a *actor) deliver(out []room.Outgoing, fallback *routerLink) {
	var kicked []envelope.ClientID
	for _, o := range out {
		if o.Client != "" {
			l := a.members[o.Client]
			if l == nil {
				l = fallback
			}
			if l == nil {
				continue
			}
			if o.Kick {
				l.send(envelope.Kick{ClientID: o.Client, Reason: o.Reason})
				if a.members[o.Client] == l {
					l.unbind(o.Client, a.name)
					kicked = append(kicked, o.Client)
				}
				continue
			}
			l.send(envelope.RoomMsg{Room: a.name, ClientID: o.Client, Payload: o.Payload})
			continue
		}

		msg := envelope.RoomMsg{Room: a.name, Payload: o.Payload}
		seen := make(map[*routerLink]struct{}, 1)
		for _, l := range a.members {
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			l.send(msg)
		}
	}

	for _, client := range kicked {
		if _, ok := a.members[client]; ok {
			a.remove(client)
		}
	}
}

func (a *actor) armIdle() {
	a.stopIdle()
	gen := a.idleGen
	a.idleTimer = a.w.clock.AfterFunc(a.w.cfg.IdleTimeout, func() {
		a.enqueue(step{kind: stepIdle, gen: gen})
	})
}

func (a *actor) stopIdle() {
	a.idleGen++
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
}

// release removes the room from the worker, optionally persisting it
// first, and tells every router. Persisting happens before the room leaves
// the table so a concurrent load cannot read older content.
func (a *actor) release(reason string, persist bool) {
	a.stopOnce.Do(func() {
		a.stopIdle()
		if persist {
			a.persist()
		}

		for client, l := range a.members {
			l.unbind(client, a.name)
		}
		a.w.metrics.AddClients(-len(a.members))
		a.members = nil

		// Unloaded must not be overtaken by a gossip that still lists the room.
		a.w.announceMu.Lock()
		removed := a.w.removeActor(a)
		if removed {
			a.w.broadcast(envelope.Unloaded{Name: a.name})
		}
		a.w.announceMu.Unlock()
		if !removed {
			return
		}
		a.w.metrics.RecordUnload(reason)

		kind := events.KindUnloaded
		switch reason {
		case reasonIdle:
			kind = events.KindEvicted
		case reasonFaulted:
			kind = events.KindFaulted
		case reasonSuperseded:
			kind = events.KindSuperseded
		}
		a.w.publish(kind, a, reason)
		a.w.logger.Infof("room released", map[string]any{
			"room":   string(a.name),
			"epoch":  int64(a.epoch),
			"reason": reason,
		})
	})
}

// persist writes the final snapshot unless the room is temporary or a
// newer claim exists.
func (a *actor) persist() {
	if a.metadata().IsTemporary {
		return
	}

	// Shutdown cancels the worker context, so persist on a fresh one.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(a.w.ctx), a.w.cfg.LoadTimeout)
	defer cancel()

	current, err := a.w.issuer.Current(ctx, a.name)
	if err != nil {
		a.w.logger.Warnf("epoch check failed before persist", map[string]any{"room": string(a.name), "error": err.Error()})
	} else if current > a.epoch {
		a.w.logger.Warnf("skipping persist, room was claimed elsewhere", map[string]any{
			"room":    string(a.name),
			"epoch":   int64(a.epoch),
			"current": int64(current),
		})
		return
	}

	content, err := a.safeSnapshot()
	if err == nil {
		err = a.w.store.PersistRoom(ctx, a.name, content)
	}
	a.w.metrics.RecordPersist(err == nil)
	if err != nil {
		a.w.logger.Errorf("persist failed", map[string]any{"room": string(a.name), "error": err.Error()})
	}
}

func (a *actor) safeSnapshot() (c room.Content, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: snapshot of %s panicked: %v", a.name, r)
		}
	}()
	c = a.session.Snapshot()
	c.Metadata.Name = a.name
	return c, nil
}
