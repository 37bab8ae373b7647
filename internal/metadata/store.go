// Package metadata defines the key/value store that backs cluster-wide
// coordination: per-room load epoch counters and worker registrations.
//
// Every write returns a version that increases on each modification of a
// key, which makes compare-and-set loops possible. Ephemeral keys vanish
// when the writer's session ends and are used for service discovery.
package metadata

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("metadata: key not found")

	// ErrVersionMismatch is returned when a conditional write observes a
	// different version than expected.
	ErrVersionMismatch = errors.New("metadata: version mismatch")

	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("metadata: store closed")
)

// Version is a key's version. Zero means the key has never been written.
type Version int64

// KV is a key with its value and version.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is the result of a Get.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// Notification reports a change to a key.
type Notification struct {
	Key     string
	Version Version
	Deleted bool
}

// NotificationStream delivers notifications in order.
type NotificationStream interface {
	// Next blocks until a notification arrives or ctx is done.
	Next(ctx context.Context) (Notification, error)
	Close() error
}

// PutOption configures Put.
type PutOption func(*putOptions)

type putOptions struct {
	expectedVersion *Version
}

// WithExpectedVersion makes Put conditional on the key's current version.
// Version 0 means the key must not exist.
func WithExpectedVersion(v Version) PutOption {
	return func(o *putOptions) { o.expectedVersion = &v }
}

// ExtractExpectedVersion returns the expected version set by opts, if any.
func ExtractExpectedVersion(opts []PutOption) *Version {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

// DeleteOption configures Delete.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	expectedVersion *Version
}

// WithDeleteExpectedVersion makes Delete conditional on the key's version.
func WithDeleteExpectedVersion(v Version) DeleteOption {
	return func(o *deleteOptions) { o.expectedVersion = &v }
}

// ExtractDeleteExpectedVersion returns the expected version set by opts, if any.
func ExtractDeleteExpectedVersion(opts []DeleteOption) *Version {
	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

// MetadataStore is implemented by the Oxia-backed store and by MemoryStore.
type MetadataStore interface {
	// Get returns Exists=false for a missing key rather than an error.
	Get(ctx context.Context, key string) (GetResult, error)

	// Put writes value and returns the new version. With
	// WithExpectedVersion it fails with ErrVersionMismatch when the stored
	// version differs.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete is idempotent for missing keys.
	Delete(ctx context.Context, key string, opts ...DeleteOption) error

	// List returns keys in [startKey, endKey) in lexicographic order. An
	// empty endKey lists every key with prefix startKey. limit <= 0 means
	// no limit.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// Notifications subscribes to changes in the store's namespace.
	Notifications(ctx context.Context) (NotificationStream, error)

	// PutEphemeral writes a key that is removed when this client's session
	// ends.
	PutEphemeral(ctx context.Context, key string, value []byte) (Version, error)

	Close() error
}
