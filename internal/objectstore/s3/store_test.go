package s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tubesync/tubesync/internal/objectstore"
)

// fakeS3 answers the handful of path-style object calls the store makes.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Path is /<bucket>/<key>.
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if len(parts) < 2 || parts[1] == "" {
		http.Error(w, "unsupported", http.StatusNotImplemented)
		return
	}
	key := parts[1]

	switch r.Method {
	case http.MethodPut:
		if r.Header.Get("If-None-Match") == "*" {
			if _, ok := f.objects[key]; ok {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.types[key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", f.types[key])
		w.Header().Set("ETag", `"etag"`)
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStore(t *testing.T) (*Store, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := New(context.Background(), Config{
		Bucket:          "rooms",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	})
	require.NoError(t, err)
	return store, fake
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestStore(t)

	err := store.Put(ctx, "rooms/lobby.json", []byte(`{"name":"lobby"}`), objectstore.PutOptions{
		ContentType: "application/json",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"lobby"}`, string(fake.objects["rooms/lobby.json"]))

	data, meta, err := store.Get(ctx, "rooms/lobby.json")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"lobby"}`, string(data))
	assert.Equal(t, "application/json", meta.ContentType)

	require.NoError(t, store.Delete(ctx, "rooms/lobby.json"))
	_, _, err = store.Get(ctx, "rooms/lobby.json")
	assert.True(t, errors.Is(err, objectstore.ErrNotFound), "got %v", err)
}

func TestHeadMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Head(context.Background(), "nope")
	assert.True(t, errors.Is(err, objectstore.ErrNotFound), "got %v", err)
}

func TestClosedStore(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Close())
	err := store.Put(context.Background(), "k", nil, objectstore.PutOptions{})
	assert.ErrorIs(t, err, objectstore.ErrClosed)
}
