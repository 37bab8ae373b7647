package metadata

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process MetadataStore. It backs single-node
// deployments and tests; ephemeral keys live until DropEphemeral or Close.
type MemoryStore struct {
	mu          sync.RWMutex
	data        map[string]KV
	ephemeral   map[string]struct{}
	nextVersion Version
	subscribers map[*memoryStream]struct{}
	closed      bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:        make(map[string]KV),
		ephemeral:   make(map[string]struct{}),
		nextVersion: 1,
		subscribers: make(map[*memoryStream]struct{}),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return GetResult{}, ErrStoreClosed
	}
	kv, ok := m.data[key]
	if !ok {
		return GetResult{}, nil
	}
	return GetResult{Value: kv.Value, Version: kv.Version, Exists: true}, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	if expected := ExtractExpectedVersion(opts); expected != nil {
		existing, ok := m.data[key]
		switch {
		case !ok && *expected != 0:
			return 0, ErrVersionMismatch
		case ok && existing.Version != *expected:
			return 0, ErrVersionMismatch
		}
	}
	delete(m.ephemeral, key)
	return m.writeLocked(key, value), nil
}

func (m *MemoryStore) writeLocked(key string, value []byte) Version {
	v := m.nextVersion
	m.nextVersion++
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = KV{Key: key, Value: stored, Version: v}
	m.publishLocked(Notification{Key: key, Version: v})
	return v
}

func (m *MemoryStore) Delete(_ context.Context, key string, opts ...DeleteOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	existing, ok := m.data[key]
	if !ok {
		return nil
	}
	if expected := ExtractDeleteExpectedVersion(opts); expected != nil && existing.Version != *expected {
		return ErrVersionMismatch
	}
	m.deleteLocked(key)
	return nil
}

func (m *MemoryStore) deleteLocked(key string) {
	delete(m.data, key)
	delete(m.ephemeral, key)
	m.publishLocked(Notification{Key: key, Deleted: true})
}

func (m *MemoryStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	var keys []string
	for k := range m.data {
		if endKey == "" {
			if strings.HasPrefix(k, startKey) {
				keys = append(keys, k)
			}
		} else if k >= startKey && k < endKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]KV, len(keys))
	for i, k := range keys {
		out[i] = m.data[k]
	}
	return out, nil
}

func (m *MemoryStore) PutEphemeral(_ context.Context, key string, value []byte) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	m.ephemeral[key] = struct{}{}
	return m.writeLocked(key, value), nil
}

// DropEphemeral removes every ephemeral key, as a session expiry would.
func (m *MemoryStore) DropEphemeral() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.ephemeral {
		m.deleteLocked(key)
	}
}

func (m *MemoryStore) Notifications(_ context.Context) (NotificationStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	s := &memoryStream{store: m, ch: make(chan Notification, 256), done: make(chan struct{})}
	m.subscribers[s] = struct{}{}
	return s, nil
}

// publishLocked drops notifications for subscribers that fall behind
// rather than blocking writers.
func (m *MemoryStore) publishLocked(n Notification) {
	for s := range m.subscribers {
		select {
		case s.ch <- n:
		default:
		}
	}
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for s := range m.subscribers {
		s.closeOnce.Do(func() { close(s.done) })
	}
	m.subscribers = nil
	return nil
}

type memoryStream struct {
	store     *MemoryStore
	ch        chan Notification
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memoryStream) Next(ctx context.Context) (Notification, error) {
	select {
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	case n := <-s.ch:
		return n, nil
	case <-s.done:
		return Notification{}, ErrStoreClosed
	}
}

func (s *memoryStream) Close() error {
	s.store.mu.Lock()
	delete(s.store.subscribers, s)
	s.store.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

var _ MetadataStore = (*MemoryStore)(nil)
