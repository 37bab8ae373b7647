package events

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tubesync/tubesync/internal/logging"
)

func TestEncode(t *testing.T) {
	e := Event{
		Kind:      KindEvicted,
		Room:      "abc",
		Worker:    "w1",
		Epoch:     7,
		Reason:    "idle",
		Timestamp: 1700000000000,
	}
	data, err := Encode(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"kind": "evicted",
		"room": "abc",
		"worker": "w1",
		"epoch": 7,
		"users": 0,
		"reason": "idle",
		"timestamp": 1700000000000
	}`, string(data))
}

func TestNewEventStampsTime(t *testing.T) {
	e := NewEvent(KindLoaded, "abc", "w1", 3)
	assert.NotZero(t, e.Timestamp)
	assert.Equal(t, KindLoaded, e.Kind)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatJSON, Output: &buf})
	sink := NewLogSink(logger)

	sink.Publish(context.Background(), Event{Kind: KindFaulted, Room: "abc", Worker: "w1", Epoch: 9, Reason: "panic"})
	require.NoError(t, sink.Close())

	var entry logging.Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "events", entry.Component)
	assert.Equal(t, "faulted", entry.Fields["kind"])
	assert.Equal(t, "panic", entry.Fields["reason"])
	assert.Equal(t, float64(9), entry.Fields["epoch"])
}

func TestNopSink(t *testing.T) {
	var s Sink = Nop{}
	s.Publish(context.Background(), Event{})
	assert.NoError(t, s.Close())
}

func TestKafkaSinkValidation(t *testing.T) {
	ctx := context.Background()
	_, err := NewKafkaSink(ctx, KafkaConfig{Topic: "rooms"}, logging.Nop())
	assert.Error(t, err)
	_, err = NewKafkaSink(ctx, KafkaConfig{Brokers: []string{"localhost:9092"}}, logging.Nop())
	assert.Error(t, err)
}
