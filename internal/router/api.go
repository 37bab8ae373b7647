package router

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/tubesync/tubesync/internal/envelope"
)

// Status is the router's self description.
type Status struct {
	Workers []WorkerStatus `json:"workers"`
	Rooms   int            `json:"rooms"`
	Clients int            `json:"clients"`
}

// Status reports worker links, directory size and connected clients.
func (r *Router) Status() Status {
	r.mu.Lock()
	clients := len(r.sessions)
	r.mu.Unlock()
	return Status{
		Workers: r.workerStatuses(),
		Rooms:   r.dir.Len(),
		Clients: clients,
	}
}

// PublicRooms lists public rooms known to the directory, busiest first.
func (r *Router) PublicRooms() []envelope.RoomMetadata {
	rooms := make([]envelope.RoomMetadata, 0)
	for _, e := range r.dir.Snapshot() {
		if e.Metadata.Visibility != envelope.VisibilityPublic {
			continue
		}
		m := e.Metadata
		m.Name = e.Room
		rooms = append(rooms, m)
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		if rooms[i].Users != rooms[j].Users {
			return rooms[i].Users > rooms[j].Users
		}
		return rooms[i].Name < rooms[j].Name
	})
	return rooms
}

// StateEntry is one directory row as served by /api/state.
type StateEntry struct {
	Room     envelope.RoomName     `json:"room"`
	Worker   envelope.WorkerID     `json:"worker"`
	Epoch    envelope.Epoch        `json:"epoch"`
	Metadata envelope.RoomMetadata `json:"metadata"`
}

func (r *Router) serveRoomList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, r.PublicRooms())
}

func (r *Router) serveStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, r.Status())
}

func (r *Router) serveState(w http.ResponseWriter, _ *http.Request) {
	snap := r.dir.Snapshot()
	out := make([]StateEntry, 0, len(snap))
	for _, e := range snap {
		out = append(out, StateEntry{Room: e.Room, Worker: e.Worker, Epoch: e.Epoch, Metadata: e.Metadata})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
