// Package objectstore defines the blob storage used to persist room content
// between loads.
//
// Room snapshots are small and written whole, so the interface deals in byte
// slices rather than streams:
//
//	data, meta, err := store.Get(ctx, "rooms/lobby.json.zstd")
//	if errors.Is(err, objectstore.ErrNotFound) {
//	    // first load of this room
//	}
package objectstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrPreconditionFailed is returned when a conditional write fails.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrBucketNotFound is returned when the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied is returned when the credentials lack permission.
	ErrAccessDenied = errors.New("access denied")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("objectstore: store closed")
)

// ObjectError wraps an error with the operation and key that produced it.
type ObjectError struct {
	Op  string
	Key string
	Err error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("objectstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	ETag        string

	// LastModified is a Unix timestamp in milliseconds.
	LastModified int64

	// Metadata holds user-defined pairs, such as the codec that wrote the
	// object.
	Metadata map[string]string
}

// PutOptions configures a Put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string

	// IfNoneMatch set to "*" fails the write with ErrPreconditionFailed if
	// the key already exists.
	IfNoneMatch string
}

// Store is implemented by MemoryStore and the S3 store. Implementations are
// safe for concurrent use.
type Store interface {
	// Put writes data at key, replacing any existing object unless
	// opts.IfNoneMatch forbids it.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error

	// Get returns the object body and its metadata, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, ObjectMeta, error)

	// Head returns metadata without the body, or ErrNotFound.
	Head(ctx context.Context, key string) (ObjectMeta, error)

	// Delete is idempotent for missing keys.
	Delete(ctx context.Context, key string) error

	// List returns objects with the given prefix in key order.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)

	Close() error
}
