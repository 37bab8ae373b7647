// Package roomstore persists room content between loads.
package roomstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/tubesync/tubesync/internal/compress"
	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/logging"
	"github.com/tubesync/tubesync/internal/objectstore"
	"github.com/tubesync/tubesync/internal/room"
)

// ErrRoomNotFound is returned by LoadRoom when nothing was ever persisted
// for the room.
var ErrRoomNotFound = errors.New("roomstore: room not found")

// Store loads and persists room content.
type Store interface {
	LoadRoom(ctx context.Context, name envelope.RoomName) (room.Content, error)
	PersistRoom(ctx context.Context, name envelope.RoomName, content room.Content) error
}

const (
	keyPrefix = "rooms/"
	codecMeta = "codec"
)

// ObjectStore keeps one object per room, compressed with a configurable
// codec. The codec name is stored with the object, so changing it only
// affects new writes.
type ObjectStore struct {
	objects objectstore.Store
	codec   compress.Codec
	logger  *logging.Logger
}

// NewObjectStore returns a Store writing with codec.
func NewObjectStore(objects objectstore.Store, codec compress.Codec, logger *logging.Logger) *ObjectStore {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &ObjectStore{objects: objects, codec: codec, logger: logger.Named("roomstore")}
}

// Key returns the object key for a room.
func Key(name envelope.RoomName) string {
	return keyPrefix + url.PathEscape(string(name)) + ".json"
}

func (s *ObjectStore) LoadRoom(ctx context.Context, name envelope.RoomName) (room.Content, error) {
	data, meta, err := s.objects.Get(ctx, Key(name))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return room.Content{}, ErrRoomNotFound
		}
		return room.Content{}, fmt.Errorf("roomstore: load %s: %w", name, err)
	}

	codec, err := compress.Lookup(meta.Metadata[codecMeta])
	if err != nil {
		return room.Content{}, fmt.Errorf("roomstore: load %s: %w", name, err)
	}
	raw, err := codec.Decode(data)
	if err != nil {
		return room.Content{}, fmt.Errorf("roomstore: load %s: %w", name, err)
	}

	var content room.Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return room.Content{}, fmt.Errorf("roomstore: decode %s: %w", name, err)
	}
	content.Metadata.Name = name
	return content, nil
}

func (s *ObjectStore) PersistRoom(ctx context.Context, name envelope.RoomName, content room.Content) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("roomstore: encode %s: %w", name, err)
	}
	data, err := s.codec.Encode(raw)
	if err != nil {
		return fmt.Errorf("roomstore: persist %s: %w", name, err)
	}

	err = s.objects.Put(ctx, Key(name), data, objectstore.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{codecMeta: s.codec.Name()},
	})
	if err != nil {
		return fmt.Errorf("roomstore: persist %s: %w", name, err)
	}

	s.logger.Debugf("room persisted", map[string]any{
		"room":  name,
		"codec": s.codec.Name(),
		"raw":   len(raw),
		"bytes": len(data),
	})
	return nil
}

var _ Store = (*ObjectStore)(nil)
