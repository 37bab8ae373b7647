package objectstore

import (
	"context"
	"time"
)

// MetricsRecorder receives one call per store operation. The metrics package
// implements it so this package stays free of Prometheus imports.
type MetricsRecorder interface {
	RecordOp(op string, durationSeconds float64, success bool, bytes int64)
}

// InstrumentedStore wraps a Store and reports every operation to a
// MetricsRecorder.
type InstrumentedStore struct {
	store   Store
	metrics MetricsRecorder
}

// NewInstrumentedStore wraps store. A nil recorder makes the wrapper a
// passthrough.
func NewInstrumentedStore(store Store, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) record(op string, start time.Time, err error, n int64) {
	if s.metrics != nil {
		s.metrics.RecordOp(op, time.Since(start).Seconds(), err == nil, n)
	}
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	start := time.Now()
	err := s.store.Put(ctx, key, data, opts)
	s.record("put", start, err, int64(len(data)))
	return err
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) ([]byte, ObjectMeta, error) {
	start := time.Now()
	data, meta, err := s.store.Get(ctx, key)
	s.record("get", start, err, int64(len(data)))
	return data, meta, err
}

func (s *InstrumentedStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	start := time.Now()
	meta, err := s.store.Head(ctx, key)
	s.record("head", start, err, 0)
	return meta, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.store.Delete(ctx, key)
	s.record("delete", start, err, 0)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	start := time.Now()
	result, err := s.store.List(ctx, prefix)
	s.record("list", start, err, 0)
	return result, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

var _ Store = (*InstrumentedStore)(nil)
