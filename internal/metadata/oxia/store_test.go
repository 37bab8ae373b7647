package oxia

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tubesync/tubesync/internal/metadata"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	srv := StartTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := New(ctx, Config{
		ServiceAddress: srv.Addr(),
		Namespace:      "default",
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewRequiresAddressAndNamespace(t *testing.T) {
	if _, err := New(context.Background(), Config{Namespace: "default"}); err == nil {
		t.Error("expected error without service address")
	}
	if _, err := New(context.Background(), Config{ServiceAddress: "localhost:6648"}); err == nil {
		t.Error("expected error without namespace")
	}
}

func TestStoreCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := "/tubesync/v1/clusters/test/rooms/abc/epoch"

	v1, err := s.Put(ctx, key, []byte("1"), metadata.WithExpectedVersion(0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v1 == 0 {
		t.Fatal("version 0 is reserved for missing keys")
	}
	if _, err := s.Put(ctx, key, []byte("1"), metadata.WithExpectedVersion(0)); !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("second create: got %v, want ErrVersionMismatch", err)
	}

	v2, err := s.Put(ctx, key, []byte("2"), metadata.WithExpectedVersion(v1))
	if err != nil {
		t.Fatalf("cas update: %v", err)
	}
	if v2 <= v1 {
		t.Errorf("version did not increase: %d -> %d", v1, v2)
	}
	if _, err := s.Put(ctx, key, []byte("3"), metadata.WithExpectedVersion(v1)); !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("stale cas: got %v, want ErrVersionMismatch", err)
	}

	res, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(res.Value) != "2" || res.Version != v2 {
		t.Errorf("Get = %+v", res)
	}
}

func TestStoreEphemeralList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	prefix := "/tubesync/v1/clusters/test/workers/"

	for _, id := range []string{"w1", "w2"} {
		if _, err := s.PutEphemeral(ctx, prefix+id, []byte(id)); err != nil {
			t.Fatalf("PutEphemeral: %v", err)
		}
	}

	kvs, err := s.List(ctx, prefix, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(kvs) != 2 {
		t.Fatalf("List returned %d keys, want 2", len(kvs))
	}

	if err := s.Delete(ctx, prefix+"w1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, prefix+"w1"); err != nil {
		t.Errorf("Delete of missing key should be idempotent: %v", err)
	}
}

func TestStoreClosed(t *testing.T) {
	s := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Get(context.Background(), "/x"); !errors.Is(err, metadata.ErrStoreClosed) {
		t.Errorf("Get after close: %v", err)
	}
}
