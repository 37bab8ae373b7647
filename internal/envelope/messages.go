package envelope

import "encoding/json"

// B2M is a router-to-worker message. The set of implementations is closed.
type B2M interface {
	b2mTag() string
}

// M2B is a worker-to-router message. The set of implementations is closed.
type M2B interface {
	m2bTag() string
}

// Router-to-worker tags.
const (
	TagLoad      = "load"
	TagJoin      = "join"
	TagLeave     = "leave"
	TagClientMsg = "client_msg"
	TagUnload    = "unload"
)

// Worker-to-router tags.
const (
	TagInit     = "init"
	TagLoaded   = "loaded"
	TagUnloaded = "unloaded"
	TagGossip   = "gossip"
	TagRoomMsg  = "room_msg"
	TagKick     = "kick"
)

// Load asks a worker to claim a room.
type Load struct {
	Room RoomName `json:"room"`
}

// Join binds a client to a room held by the worker.
type Join struct {
	Room   RoomName `json:"room"`
	Client ClientID `json:"client"`
	Token  string   `json:"token"`
}

// Leave unbinds a client.
type Leave struct {
	Client ClientID `json:"client"`
}

// ClientMsg carries an opaque client frame to the client's room.
type ClientMsg struct {
	ClientID ClientID        `json:"client_id"`
	Payload  json.RawMessage `json:"payload"`
}

// Unload tells a worker its claim on a room has been superseded.
type Unload struct {
	Room RoomName `json:"room"`
}

func (Load) b2mTag() string      { return TagLoad }
func (Join) b2mTag() string      { return TagJoin }
func (Leave) b2mTag() string     { return TagLeave }
func (ClientMsg) b2mTag() string { return TagClientMsg }
func (Unload) b2mTag() string    { return TagUnload }

// Init is the first message on every link. ID and Region were added after
// Port and are optional on the wire.
type Init struct {
	Port   int      `json:"port"`
	ID     WorkerID `json:"id,omitempty"`
	Region string   `json:"region,omitempty"`
}

// Loaded announces a fresh claim.
type Loaded struct {
	Room      RoomMetadata `json:"room"`
	LoadEpoch Epoch        `json:"load_epoch"`
}

// Unloaded announces that the worker released a room.
type Unloaded struct {
	Name RoomName `json:"name"`
}

// GossipRoom is one held room in a Gossip snapshot.
type GossipRoom struct {
	Room      RoomMetadata `json:"room"`
	LoadEpoch Epoch        `json:"load_epoch"`
}

// Gossip lists every room the worker currently holds.
type Gossip struct {
	Rooms []GossipRoom `json:"rooms"`
}

// RoomMsg carries an opaque payload for one client (ClientID set) or for
// every client of the room.
type RoomMsg struct {
	Room     RoomName        `json:"room"`
	ClientID ClientID        `json:"client_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Kick forcibly disconnects a client.
type Kick struct {
	ClientID ClientID `json:"client_id"`
	Reason   uint16   `json:"reason"`
}

func (Init) m2bTag() string     { return TagInit }
func (Loaded) m2bTag() string   { return TagLoaded }
func (Unloaded) m2bTag() string { return TagUnloaded }
func (Gossip) m2bTag() string   { return TagGossip }
func (RoomMsg) m2bTag() string  { return TagRoomMsg }
func (Kick) m2bTag() string     { return TagKick }

// TagOfB2M returns the wire tag of m.
func TagOfB2M(m B2M) string { return m.b2mTag() }

// TagOfM2B returns the wire tag of m.
func TagOfM2B(m M2B) string { return m.m2bTag() }
