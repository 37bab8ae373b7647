// Package envelope defines the messages exchanged between routers and
// workers. Each direction is a closed set of variants encoded as
// {"type": <tag>, "payload": {...}}; anything else is rejected with a
// MalformedEnvelopeError at the transport boundary.
package envelope

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// RoomName identifies a room cluster-wide. Names are compared
// case-insensitively; use NormalizeRoomName before storing one.
type RoomName string

// NormalizeRoomName returns the canonical form of a room name.
func NormalizeRoomName(s string) RoomName {
	return RoomName(strings.ToLower(strings.TrimSpace(s)))
}

func (r RoomName) String() string { return string(r) }

// ClientID identifies one client's session at a router. It is not reused
// while the underlying connection is alive.
type ClientID string

// NewClientID returns a fresh random client id.
func NewClientID() ClientID { return ClientID(uuid.NewString()) }

func (c ClientID) String() string { return string(c) }

// WorkerID identifies a worker process. It is announced in Init.
type WorkerID string

// NewWorkerID returns a fresh random worker id.
func NewWorkerID() WorkerID { return WorkerID(uuid.NewString()) }

func (w WorkerID) String() string { return string(w) }

// Epoch is the cluster-wide load epoch of a room claim. It only breaks
// ownership ties and says nothing about room content.
type Epoch int64

// Visibility controls whether a room shows up in listings.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
)

// Valid reports whether v is one of the known visibilities.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate:
		return true
	}
	return false
}

// RoomMetadata is the worker-produced snapshot routers cache alongside
// directory entries.
type RoomMetadata struct {
	Name          RoomName        `json:"name"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	IsTemporary   bool            `json:"isTemporary"`
	Visibility    Visibility      `json:"visibility"`
	QueueMode     string          `json:"queueMode"`
	CurrentSource json.RawMessage `json:"currentSource,omitempty"`
	Users         int             `json:"users"`
}

// Close and kick codes shared by routers and workers.
const (
	CodeUnknown           uint16 = 4000
	CodeInvalidURL        uint16 = 4001
	CodeRoomNotFound      uint16 = 4002
	CodeRoomUnloaded      uint16 = 4003
	CodeMissingAuth       uint16 = 4004
	CodeInvalidToken      uint16 = 4005
	CodeWorkerUnavailable uint16 = 4006
	CodeRoomFaulted       uint16 = 4007
)

// CodeName returns a short label for a close code, used in logs and metrics.
func CodeName(code uint16) string {
	switch code {
	case CodeUnknown:
		return "unknown"
	case CodeInvalidURL:
		return "invalid_url"
	case CodeRoomNotFound:
		return "room_not_found"
	case CodeRoomUnloaded:
		return "room_unloaded"
	case CodeMissingAuth:
		return "missing_auth"
	case CodeInvalidToken:
		return "invalid_token"
	case CodeWorkerUnavailable:
		return "worker_unavailable"
	case CodeRoomFaulted:
		return "room_faulted"
	case 1000:
		return "normal"
	case 1001:
		return "going_away"
	default:
		return "other"
	}
}
