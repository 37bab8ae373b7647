package epoch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/metadata"
	"github.com/tubesync/tubesync/internal/metadata/oxia"
)

func TestStoreIssuerIncrements(t *testing.T) {
	ctx := context.Background()
	issuer := NewStoreIssuer(metadata.NewMemoryStore(), StoreIssuerConfig{ClusterID: "test"})

	cur, err := issuer.Current(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, envelope.Epoch(0), cur)

	for want := envelope.Epoch(1); want <= 3; want++ {
		got, err := issuer.Next(ctx, "abc", "w1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	other, err := issuer.Next(ctx, "xyz", "w1")
	require.NoError(t, err)
	assert.Equal(t, envelope.Epoch(1), other, "counters are per room")

	cur, err = issuer.Current(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, envelope.Epoch(3), cur)
}

func TestStoreIssuerConcurrentClaimsAreUnique(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMemoryStore()
	const claims = 20

	var (
		mu   sync.Mutex
		seen = make(map[envelope.Epoch]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < claims; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			issuer := NewStoreIssuer(store, StoreIssuerConfig{ClusterID: "test", MaxAttempts: 200})
			e, err := issuer.Next(ctx, "abc", envelope.WorkerID(rune('a'+i)))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			assert.False(t, seen[e], "epoch %d issued twice", e)
			seen[e] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, seen, claims)
	for e := envelope.Epoch(1); e <= claims; e++ {
		assert.True(t, seen[e], "epoch %d missing", e)
	}
}

type conflictingStore struct {
	*metadata.MemoryStore
}

func (conflictingStore) Put(context.Context, string, []byte, ...metadata.PutOption) (metadata.Version, error) {
	return 0, metadata.ErrVersionMismatch
}

func TestStoreIssuerGivesUpUnderContention(t *testing.T) {
	issuer := NewStoreIssuer(conflictingStore{metadata.NewMemoryStore()}, StoreIssuerConfig{
		ClusterID:   "test",
		MaxAttempts: 3,
	})
	_, err := issuer.Next(context.Background(), "abc", "w1")
	assert.ErrorIs(t, err, ErrContended)
}

type failingStore struct {
	*metadata.MemoryStore
}

var errUnavailable = errors.New("unavailable")

func (failingStore) Get(context.Context, string) (metadata.GetResult, error) {
	return metadata.GetResult{}, errUnavailable
}

func TestStoreIssuerPropagatesStoreErrors(t *testing.T) {
	issuer := NewStoreIssuer(failingStore{metadata.NewMemoryStore()}, StoreIssuerConfig{ClusterID: "test"})
	_, err := issuer.Next(context.Background(), "abc", "w1")
	assert.ErrorIs(t, err, errUnavailable)
}

func TestStoreIssuerOnOxia(t *testing.T) {
	srv := oxia.StartTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := oxia.New(ctx, oxia.Config{ServiceAddress: srv.Addr(), Namespace: "default"})
	require.NoError(t, err)
	defer store.Close()

	a := NewStoreIssuer(store, StoreIssuerConfig{ClusterID: "oxia-test"})
	b := NewStoreIssuer(store, StoreIssuerConfig{ClusterID: "oxia-test"})

	e1, err := a.Next(ctx, "abc", "w1")
	require.NoError(t, err)
	e2, err := b.Next(ctx, "abc", "w2")
	require.NoError(t, err)
	assert.Greater(t, e2, e1)

	cur, err := a.Current(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, e2, cur)
}

func TestClockIssuerStrictlyIncreasing(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	issuer := NewClockIssuer(clock)
	ctx := context.Background()

	first, err := issuer.Next(ctx, "abc", "w1")
	require.NoError(t, err)
	second, err := issuer.Next(ctx, "abc", "w1")
	require.NoError(t, err)
	assert.Greater(t, second, first, "same millisecond still increases")

	clock.Advance(time.Millisecond)
	third, err := issuer.Next(ctx, "abc", "w1")
	require.NoError(t, err)
	assert.Greater(t, third, second)
	assert.Equal(t, int64(1_700_000_000_001), int64(third)>>clockWorkerBits)

	cur, err := issuer.Current(ctx, "abc")
	require.NoError(t, err)
	assert.Zero(t, cur)
}

func TestClockIssuerLaterClaimWins(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	w1 := NewClockIssuer(clock)
	w2 := NewClockIssuer(clock)
	ctx := context.Background()

	e1, _ := w1.Next(ctx, "abc", "w1")
	clock.Advance(5 * time.Millisecond)
	e2, _ := w2.Next(ctx, "abc", "w2")
	assert.Greater(t, e2, e1)
}
