package metadata

import (
	"context"
	"time"
)

// MetricsRecorder receives per-operation latency. It keeps this package
// independent of the metrics package.
type MetricsRecorder interface {
	RecordOp(op string, durationSeconds float64, success bool)
}

// InstrumentedStore wraps a MetadataStore and records every call.
type InstrumentedStore struct {
	store   MetadataStore
	metrics MetricsRecorder
}

// NewInstrumentedStore wraps store. A nil recorder passes calls through.
func NewInstrumentedStore(store MetadataStore, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) record(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordOp(op, time.Since(start).Seconds(), err == nil)
	}
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (GetResult, error) {
	start := time.Now()
	res, err := s.store.Get(ctx, key)
	s.record("get", start, err)
	return res, err
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	start := time.Now()
	v, err := s.store.Put(ctx, key, value, opts...)
	s.record("put", start, err)
	return v, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string, opts ...DeleteOption) error {
	start := time.Now()
	err := s.store.Delete(ctx, key, opts...)
	s.record("delete", start, err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error) {
	start := time.Now()
	kvs, err := s.store.List(ctx, startKey, endKey, limit)
	s.record("list", start, err)
	return kvs, err
}

// Notifications is a long-lived stream and is not timed.
func (s *InstrumentedStore) Notifications(ctx context.Context) (NotificationStream, error) {
	return s.store.Notifications(ctx)
}

func (s *InstrumentedStore) PutEphemeral(ctx context.Context, key string, value []byte) (Version, error) {
	start := time.Now()
	v, err := s.store.PutEphemeral(ctx, key, value)
	s.record("put_ephemeral", start, err)
	return v, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

var _ MetadataStore = (*InstrumentedStore)(nil)
