// Package room is the boundary between the worker runtime and the room
// business logic. The worker owns scheduling, membership and persistence; a
// Session owns everything a room means to its users and is driven one step
// at a time.
package room

import (
	"encoding/json"

	"github.com/tubesync/tubesync/internal/envelope"
)

// Content is what gets persisted for a room between loads.
type Content struct {
	Metadata envelope.RoomMetadata `json:"metadata"`
	State    json.RawMessage       `json:"state,omitempty"`
}

// Outgoing is one message produced by a session step.
type Outgoing struct {
	// Client targets a single client. Empty broadcasts to the whole room.
	Client  envelope.ClientID
	Payload json.RawMessage

	// Kick closes Client's connection with Reason instead of delivering
	// Payload.
	Kick   bool
	Reason uint16
}

// Broadcast addresses payload to every client in the room.
func Broadcast(payload json.RawMessage) Outgoing {
	return Outgoing{Payload: payload}
}

// To addresses payload to one client.
func To(client envelope.ClientID, payload json.RawMessage) Outgoing {
	return Outgoing{Client: client, Payload: payload}
}

// KickClient disconnects client with reason.
func KickClient(client envelope.ClientID, reason uint16) Outgoing {
	return Outgoing{Client: client, Kick: true, Reason: reason}
}

// Session is a loaded room. Calls are never concurrent; the worker
// serializes every step for a room.
type Session interface {
	Metadata() envelope.RoomMetadata
	Join(client envelope.ClientID) []Outgoing
	Leave(client envelope.ClientID) []Outgoing
	Process(client envelope.ClientID, payload json.RawMessage) ([]Outgoing, error)

	// Snapshot returns the content to persist on eviction.
	Snapshot() Content
}

// Logic builds sessions from stored content.
type Logic interface {
	Open(content Content) (Session, error)
}

// LogicFunc adapts a function to Logic.
type LogicFunc func(Content) (Session, error)

func (f LogicFunc) Open(c Content) (Session, error) { return f(c) }

// NewTemporary returns content for a room created on first use.
func NewTemporary(name envelope.RoomName) Content {
	return Content{
		Metadata: envelope.RoomMetadata{
			Name:        name,
			Title:       string(name),
			IsTemporary: true,
			Visibility:  envelope.VisibilityPublic,
			QueueMode:   "manual",
		},
	}
}
