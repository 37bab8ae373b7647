// Package events publishes room lifecycle events from workers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/logging"
)

// Kind is the lifecycle transition an Event reports.
type Kind string

const (
	KindLoaded     Kind = "loaded"
	KindUnloaded   Kind = "unloaded"
	KindEvicted    Kind = "evicted"
	KindFaulted    Kind = "faulted"
	KindSuperseded Kind = "superseded"
)

// Event is one room lifecycle transition.
type Event struct {
	Kind   Kind              `json:"kind"`
	Room   envelope.RoomName `json:"room"`
	Worker envelope.WorkerID `json:"worker"`
	Epoch  envelope.Epoch    `json:"epoch"`
	Users  int               `json:"users"`
	Reason string            `json:"reason,omitempty"`

	// Timestamp is Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(kind Kind, room envelope.RoomName, worker envelope.WorkerID, epoch envelope.Epoch) Event {
	return Event{
		Kind:      kind,
		Room:      room,
		Worker:    worker,
		Epoch:     epoch,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Encode returns the JSON form published by every sink.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Sink receives events. Publish must not block on I/O; sinks that ship
// events elsewhere do so asynchronously.
type Sink interface {
	Publish(ctx context.Context, e Event)
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close() error                   { return nil }

// LogSink writes events to a logger.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink returns a sink logging at info level.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Publish(_ context.Context, e Event) {
	fields := map[string]any{
		"kind":   string(e.Kind),
		"room":   string(e.Room),
		"worker": string(e.Worker),
		"epoch":  int64(e.Epoch),
		"users":  e.Users,
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}
	s.logger.Infof("room event", fields)
}

func (s *LogSink) Close() error { return nil }
