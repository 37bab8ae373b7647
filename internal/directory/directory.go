// Package directory implements the router-local room directory: a soft,
// eventually consistent map from room to the worker that holds it.
//
// Entries are only ever replaced by claims with a strictly greater load
// epoch, so replaying old or duplicate announcements never moves a room
// backwards. Reads go through an immutable snapshot and never block on
// writers.
package directory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/logging"
)

// Entry is one directory row.
type Entry struct {
	Room     envelope.RoomName
	Worker   envelope.WorkerID
	Epoch    envelope.Epoch
	Metadata envelope.RoomMetadata
}

// Outcome describes what a merge did.
type Outcome int

const (
	// Inserted means the room was absent and is now mapped.
	Inserted Outcome = iota
	// Replaced means a strictly greater epoch displaced the stored entry.
	Replaced
	// Refreshed means the same worker re-announced the same epoch; only
	// the cached metadata changed.
	Refreshed
	// Stale means the incoming epoch was lower than the stored one.
	Stale
	// Conflict means a different worker announced the stored epoch.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	case Refreshed:
		return "refreshed"
	case Stale:
		return "stale"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// MergeResult is returned by Merge. Previous holds the stored entry for
// every outcome except Inserted.
type MergeResult struct {
	Outcome  Outcome
	Previous Entry
}

// Changed reports whether the merge altered which worker holds the room.
func (r MergeResult) Changed() bool {
	return r.Outcome == Inserted || r.Outcome == Replaced
}

type table map[envelope.RoomName]Entry

// Directory is safe for concurrent use.
type Directory struct {
	mu      sync.Mutex
	current atomic.Pointer[table]
	waiters map[envelope.RoomName]map[chan struct{}]struct{}
	logger  *logging.Logger
}

// New creates an empty directory.
func New(logger *logging.Logger) *Directory {
	if logger == nil {
		logger = logging.Global()
	}
	d := &Directory{
		waiters: make(map[envelope.RoomName]map[chan struct{}]struct{}),
		logger:  logger.Named("directory"),
	}
	empty := make(table)
	d.current.Store(&empty)
	return d
}

func (d *Directory) load() table {
	return *d.current.Load()
}

// copyLocked returns a writable copy of the current table. Callers hold d.mu.
func (d *Directory) copyLocked() table {
	cur := d.load()
	next := make(table, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	return next
}

func (d *Directory) publishLocked(t table) {
	d.current.Store(&t)
}

// Lookup returns the worker currently believed to hold room.
func (d *Directory) Lookup(room envelope.RoomName) (Entry, bool) {
	e, ok := d.load()[room]
	return e, ok
}

// Merge applies a claim. A claim is inserted when the room is unknown and
// replaces the stored entry only when its epoch is strictly greater.
func (d *Directory) Merge(e Entry) MergeResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mergeLocked(e)
}

func (d *Directory) mergeLocked(e Entry) MergeResult {
	if e.Metadata.Name == "" {
		e.Metadata.Name = e.Room
	}
	cur := d.load()
	prev, ok := cur[e.Room]
	if !ok {
		next := d.copyLocked()
		next[e.Room] = e
		d.publishLocked(next)
		d.notifyLocked(e.Room)
		return MergeResult{Outcome: Inserted}
	}

	switch {
	case e.Epoch > prev.Epoch:
		next := d.copyLocked()
		next[e.Room] = e
		d.publishLocked(next)
		d.notifyLocked(e.Room)
		return MergeResult{Outcome: Replaced, Previous: prev}
	case e.Epoch < prev.Epoch:
		return MergeResult{Outcome: Stale, Previous: prev}
	case e.Worker != prev.Worker:
		d.logger.Warnf("equal epoch claimed by different workers, keeping stored entry", map[string]any{
			"room":         e.Room,
			"epoch":        e.Epoch,
			"storedWorker": prev.Worker,
			"otherWorker":  e.Worker,
		})
		return MergeResult{Outcome: Conflict, Previous: prev}
	default:
		next := d.copyLocked()
		next[e.Room] = e
		d.publishLocked(next)
		return MergeResult{Outcome: Refreshed, Previous: prev}
	}
}

// Retract removes room unconditionally.
func (d *Directory) Retract(room envelope.RoomName) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.load()[room]
	if !ok {
		return Entry{}, false
	}
	next := d.copyLocked()
	delete(next, room)
	d.publishLocked(next)
	return prev, true
}

// RetractFrom removes room only if it is currently mapped to worker. A
// release announced by a worker that already lost the room must not
// disturb the newer owner's entry.
func (d *Directory) RetractFrom(room envelope.RoomName, worker envelope.WorkerID) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.load()[room]
	if !ok || prev.Worker != worker {
		return Entry{}, false
	}
	next := d.copyLocked()
	delete(next, room)
	d.publishLocked(next)
	return prev, true
}

// RetractAllFor removes every entry that points at worker and returns them.
func (d *Directory) RetractAllFor(worker envelope.WorkerID) []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	var removed []Entry
	next := d.copyLocked()
	for room, e := range next {
		if e.Worker == worker {
			removed = append(removed, e)
			delete(next, room)
		}
	}
	if len(removed) > 0 {
		d.publishLocked(next)
	}
	sortEntries(removed)
	return removed
}

// GossipResult reports what a gossip snapshot changed.
type GossipResult struct {
	// Merges holds one result per gossiped room, in snapshot order.
	Merges []MergeResult
	// Removed holds entries that pointed at the gossiping worker but were
	// missing from its snapshot.
	Removed []Entry
}

// ApplyGossip merges every room in a worker's snapshot, then drops entries
// still pointing at that worker which the snapshot no longer lists.
func (d *Directory) ApplyGossip(worker envelope.WorkerID, rooms []envelope.GossipRoom) GossipResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	res := GossipResult{Merges: make([]MergeResult, 0, len(rooms))}
	held := make(map[envelope.RoomName]struct{}, len(rooms))
	for _, r := range rooms {
		name := envelope.NormalizeRoomName(string(r.Room.Name))
		held[name] = struct{}{}
		res.Merges = append(res.Merges, d.mergeLocked(Entry{
			Room:     name,
			Worker:   worker,
			Epoch:    r.LoadEpoch,
			Metadata: r.Room,
		}))
	}

	var next table
	for room, e := range d.load() {
		if e.Worker != worker {
			continue
		}
		if _, ok := held[room]; ok {
			continue
		}
		if next == nil {
			next = d.copyLocked()
		}
		delete(next, room)
		res.Removed = append(res.Removed, e)
	}
	if next != nil {
		d.publishLocked(next)
	}
	sortEntries(res.Removed)
	return res
}

// Wait blocks until room has an entry or ctx is done.
func (d *Directory) Wait(ctx context.Context, room envelope.RoomName) (Entry, error) {
	d.mu.Lock()
	if e, ok := d.load()[room]; ok {
		d.mu.Unlock()
		return e, nil
	}
	ch := make(chan struct{})
	set := d.waiters[room]
	if set == nil {
		set = make(map[chan struct{}]struct{})
		d.waiters[room] = set
	}
	set[ch] = struct{}{}
	d.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			if set, ok := d.waiters[room]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(d.waiters, room)
				}
			}
			d.mu.Unlock()
			return Entry{}, ctx.Err()
		case <-ch:
			if e, ok := d.Lookup(room); ok {
				return e, nil
			}
			// Retracted between notify and read; wait again.
			d.mu.Lock()
			if e, ok := d.load()[room]; ok {
				d.mu.Unlock()
				return e, nil
			}
			ch = make(chan struct{})
			set := d.waiters[room]
			if set == nil {
				set = make(map[chan struct{}]struct{})
				d.waiters[room] = set
			}
			set[ch] = struct{}{}
			d.mu.Unlock()
		}
	}
}

func (d *Directory) notifyLocked(room envelope.RoomName) {
	set, ok := d.waiters[room]
	if !ok {
		return
	}
	for ch := range set {
		close(ch)
	}
	delete(d.waiters, room)
}

// Snapshot returns every entry sorted by room name.
func (d *Directory) Snapshot() []Entry {
	cur := d.load()
	out := make([]Entry, 0, len(cur))
	for _, e := range cur {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

// Len returns the number of mapped rooms.
func (d *Directory) Len() int {
	return len(d.load())
}

// RoomsFor returns the rooms mapped to worker.
func (d *Directory) RoomsFor(worker envelope.WorkerID) []envelope.RoomName {
	var rooms []envelope.RoomName
	for room, e := range d.load() {
		if e.Worker == worker {
			rooms = append(rooms, room)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Room < entries[j].Room })
}
