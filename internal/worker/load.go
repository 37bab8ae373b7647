package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/events"
	"github.com/tubesync/tubesync/internal/metrics"
	"github.com/tubesync/tubesync/internal/room"
	"github.com/tubesync/tubesync/internal/roomstore"
)

// handleLoad starts a claim for name unless one is held or in flight. A
// duplicate request for a held room is answered with a gossip snapshot on
// the requesting link only.
func (w *Worker) handleLoad(from *routerLink, name envelope.RoomName) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if _, held := w.rooms[name]; held {
		w.mu.Unlock()
		w.metrics.RecordLoad(metrics.LoadDuplicate)
		w.announceMu.Lock()
		from.send(w.gossip())
		w.announceMu.Unlock()
		return
	}
	if _, inFlight := w.loading[name]; inFlight {
		w.mu.Unlock()
		w.metrics.RecordLoad(metrics.LoadDuplicate)
		return
	}
	w.loading[name] = struct{}{}
	w.mu.Unlock()

	go w.load(name)
}

// load reads the room, claims a new epoch and starts its actor. Every
// failure leaves the room unloaded; the requesting router times out.
func (w *Worker) load(name envelope.RoomName) {
	defer func() {
		w.mu.Lock()
		delete(w.loading, name)
		w.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.LoadTimeout)
	defer cancel()

	result := metrics.LoadClaimed
	content, err := w.store.LoadRoom(ctx, name)
	if errors.Is(err, roomstore.ErrRoomNotFound) {
		if !w.cfg.AutoCreate {
			w.metrics.RecordLoad(metrics.LoadNotFound)
			w.logger.Infof("load failed, room does not exist", map[string]any{"room": string(name)})
			return
		}
		content, err = room.NewTemporary(name), nil
		result = metrics.LoadCreated
	}
	if err != nil {
		w.metrics.RecordLoad(metrics.LoadFailed)
		w.logger.Warnf("load failed", map[string]any{"room": string(name), "error": err.Error()})
		return
	}
	content.Metadata.Name = name

	session, err := w.open(content)
	if err != nil {
		w.metrics.RecordLoad(metrics.LoadFailed)
		w.logger.Warnf("open failed", map[string]any{"room": string(name), "error": err.Error()})
		return
	}

	ep, err := w.issuer.Next(ctx, name, w.cfg.ID)
	if err != nil {
		w.metrics.RecordLoad(metrics.LoadFailed)
		w.logger.Warnf("epoch claim failed", map[string]any{"room": string(name), "error": err.Error()})
		return
	}

	a := newActor(w, name, ep, session)

	w.announceMu.Lock()
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.announceMu.Unlock()
		return
	}
	w.rooms[name] = a
	w.wg.Add(1)
	n := len(w.rooms)
	w.mu.Unlock()
	w.broadcast(envelope.Loaded{Room: a.metadata(), LoadEpoch: ep})
	w.announceMu.Unlock()

	go a.run()

	w.metrics.SetRooms(n)
	w.metrics.RecordLoad(result)
	w.publish(events.KindLoaded, a, result)
	w.logger.Infof("room claimed", map[string]any{
		"room":      string(name),
		"epoch":     int64(ep),
		"temporary": content.Metadata.IsTemporary,
	})
}

// open builds a session, converting a panicking Logic into an error.
func (w *Worker) open(content room.Content) (s room.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: open %s panicked: %v", content.Metadata.Name, r)
		}
	}()
	s, err = w.logic.Open(content)
	if err == nil {
		_ = s.Metadata()
	}
	return s, err
}
