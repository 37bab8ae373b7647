package room

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tubesync/tubesync/internal/envelope"
)

const maxChatHistory = 50

// Relay is the default Logic. It keeps a roster and a short chat history,
// lets clients update the room's title and description, and fans every
// other message out to the room.
type Relay struct{}

// Open implements Logic.
func (Relay) Open(c Content) (Session, error) {
	s := &relaySession{
		meta:    c.Metadata,
		members: make(map[envelope.ClientID]struct{}),
	}
	if len(c.State) > 0 {
		if err := json.Unmarshal(c.State, &s.state); err != nil {
			return nil, fmt.Errorf("room: decode state for %s: %w", c.Metadata.Name, err)
		}
	}
	if s.meta.Visibility == "" {
		s.meta.Visibility = envelope.VisibilityPublic
	}
	s.meta.Users = 0
	return s, nil
}

type relayState struct {
	Chat []chatLine `json:"chat,omitempty"`
}

type chatLine struct {
	From envelope.ClientID `json:"from"`
	Text string            `json:"text"`
}

type relaySession struct {
	meta    envelope.RoomMetadata
	state   relayState
	members map[envelope.ClientID]struct{}
}

// inbound is the subset of client messages the relay understands.
type inbound struct {
	Action      string `json:"action"`
	Text        string `json:"text,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Visibility  string `json:"visibility,omitempty"`
}

func (s *relaySession) Metadata() envelope.RoomMetadata {
	m := s.meta
	m.Users = len(s.members)
	return m
}

func (s *relaySession) Join(client envelope.ClientID) []Outgoing {
	s.members[client] = struct{}{}
	return []Outgoing{
		To(client, mustJSON(map[string]any{
			"action": "sync",
			"room":   s.Metadata(),
			"users":  s.roster(),
			"chat":   s.state.Chat,
		})),
		Broadcast(mustJSON(map[string]any{"action": "user", "event": "joined", "client": client})),
	}
}

func (s *relaySession) Leave(client envelope.ClientID) []Outgoing {
	if _, ok := s.members[client]; !ok {
		return nil
	}
	delete(s.members, client)
	return []Outgoing{
		Broadcast(mustJSON(map[string]any{"action": "user", "event": "left", "client": client})),
	}
}

func (s *relaySession) Process(client envelope.ClientID, payload json.RawMessage) ([]Outgoing, error) {
	if _, ok := s.members[client]; !ok {
		return nil, fmt.Errorf("room: %s is not a member of %s", client, s.meta.Name)
	}

	var msg inbound
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("room: decode message from %s: %w", client, err)
	}

	switch msg.Action {
	case "chat":
		line := chatLine{From: client, Text: msg.Text}
		s.state.Chat = append(s.state.Chat, line)
		if len(s.state.Chat) > maxChatHistory {
			s.state.Chat = s.state.Chat[len(s.state.Chat)-maxChatHistory:]
		}
		return []Outgoing{Broadcast(mustJSON(map[string]any{"action": "chat", "from": client, "text": msg.Text}))}, nil
	case "settings":
		if msg.Title != "" {
			s.meta.Title = msg.Title
		}
		if msg.Description != "" {
			s.meta.Description = msg.Description
		}
		if v := envelope.Visibility(msg.Visibility); v.Valid() {
			s.meta.Visibility = v
		}
		return []Outgoing{Broadcast(mustJSON(map[string]any{"action": "settings", "room": s.Metadata()}))}, nil
	case "ping":
		return []Outgoing{To(client, mustJSON(map[string]any{"action": "pong"}))}, nil
	default:
		return []Outgoing{Broadcast(mustJSON(map[string]any{"action": "relay", "from": client, "payload": payload}))}, nil
	}
}

func (s *relaySession) Snapshot() Content {
	meta := s.meta
	meta.Users = 0
	return Content{Metadata: meta, State: mustJSON(s.state)}
}

func (s *relaySession) roster() []envelope.ClientID {
	out := make([]envelope.ClientID, 0, len(s.members))
	for c := range s.members {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("room: marshal %T: %v", v, err))
	}
	return b
}
