// Package oxia implements metadata.MetadataStore on top of an Oxia cluster.
//
// Each tubesync cluster should use its own Oxia namespace. Ephemeral keys
// are tied to the client session and disappear when a worker stops
// heart-beating, which is what worker discovery relies on.
package oxia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/tubesync/tubesync/internal/metadata"
)

// Config configures the Oxia store.
type Config struct {
	// ServiceAddress is the Oxia endpoint, e.g. "localhost:6648".
	ServiceAddress string

	// Namespace scopes every key.
	Namespace string

	// RequestTimeout bounds individual requests. Zero keeps the client default.
	RequestTimeout time.Duration

	// SessionTimeout controls how long ephemeral keys survive a silent
	// client. Zero keeps the client default.
	SessionTimeout time.Duration
}

// Store implements metadata.MetadataStore.
type Store struct {
	client oxiaclient.SyncClient

	mu     sync.RWMutex
	closed bool
}

// New connects to Oxia.
func New(_ context.Context, cfg Config) (*Store, error) {
	if cfg.ServiceAddress == "" {
		return nil, errors.New("oxia: service address is required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("oxia: namespace is required")
	}

	opts := []oxiaclient.ClientOption{oxiaclient.WithNamespace(cfg.Namespace)}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, oxiaclient.WithSessionTimeout(cfg.SessionTimeout))
	}

	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("oxia: create client: %w", err)
	}
	return &Store{client: client}, nil
}

// Oxia versions start at 0 while metadata.Version reserves 0 for "never
// written", so every version is shifted by one at this boundary.
func toMetadataVersion(v int64) metadata.Version { return metadata.Version(v + 1) }
func toOxiaVersion(v metadata.Version) int64     { return int64(v - 1) }

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return metadata.ErrStoreClosed
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (metadata.GetResult, error) {
	if err := s.checkOpen(); err != nil {
		return metadata.GetResult{}, err
	}
	_, value, version, err := s.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			return metadata.GetResult{}, nil
		}
		return metadata.GetResult{}, fmt.Errorf("oxia: get %s: %w", key, err)
	}
	return metadata.GetResult{
		Value:   value,
		Version: toMetadataVersion(version.VersionId),
		Exists:  true,
	}, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var oxiaOpts []oxiaclient.PutOption
	if expected := metadata.ExtractExpectedVersion(opts); expected != nil {
		if *expected == 0 {
			oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedRecordNotExists())
		} else {
			oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(toOxiaVersion(*expected)))
		}
	}
	_, version, err := s.client.Put(ctx, key, value, oxiaOpts...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			return 0, metadata.ErrVersionMismatch
		}
		return 0, fmt.Errorf("oxia: put %s: %w", key, err)
	}
	return toMetadataVersion(version.VersionId), nil
}

func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.DeleteOption) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var oxiaOpts []oxiaclient.DeleteOption
	if expected := metadata.ExtractDeleteExpectedVersion(opts); expected != nil {
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(toOxiaVersion(*expected)))
	}
	err := s.client.Delete(ctx, key, oxiaOpts...)
	switch {
	case err == nil, errors.Is(err, oxiaclient.ErrKeyNotFound):
		return nil
	case errors.Is(err, oxiaclient.ErrUnexpectedVersionId):
		return metadata.ErrVersionMismatch
	default:
		return fmt.Errorf("oxia: delete %s: %w", key, err)
	}
}

func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	// Oxia orders '/' specially: "<prefix>//" bounds the direct children of
	// a prefix ending in '/'.
	if endKey == "" {
		if len(startKey) > 0 && startKey[len(startKey)-1] == '/' {
			endKey = startKey + "/"
		} else {
			endKey = prefixEnd(startKey)
		}
	}

	results := s.client.RangeScan(ctx, startKey, endKey)
	var kvs []metadata.KV
	for r := range results {
		if r.Err != nil {
			go drain(results)
			return nil, fmt.Errorf("oxia: list %s: %w", startKey, r.Err)
		}
		kvs = append(kvs, metadata.KV{
			Key:     r.Key,
			Value:   r.Value,
			Version: toMetadataVersion(r.Version.VersionId),
		})
		if limit > 0 && len(kvs) >= limit {
			go drain(results)
			break
		}
	}
	return kvs, nil
}

func (s *Store) Notifications(ctx context.Context) (metadata.NotificationStream, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	n, err := s.client.GetNotifications()
	if err != nil {
		return nil, fmt.Errorf("oxia: subscribe: %w", err)
	}
	return &notificationStream{src: n, subs: ctx}, nil
}

func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte) (metadata.Version, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	_, version, err := s.client.Put(ctx, key, value, oxiaclient.Ephemeral())
	if err != nil {
		return 0, fmt.Errorf("oxia: put ephemeral %s: %w", key, err)
	}
	return toMetadataVersion(version.VersionId), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

func drain(results <-chan oxiaclient.GetResult) {
	for range results {
	}
}

var _ metadata.MetadataStore = (*Store)(nil)
