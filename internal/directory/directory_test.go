package directory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/logging"
)

func entry(room string, worker string, epoch int64) Entry {
	return Entry{
		Room:     envelope.RoomName(room),
		Worker:   envelope.WorkerID(worker),
		Epoch:    envelope.Epoch(epoch),
		Metadata: envelope.RoomMetadata{Name: envelope.RoomName(room)},
	}
}

func newDirectory() *Directory {
	return New(logging.Nop())
}

func TestMergeInsertAndLookup(t *testing.T) {
	d := newDirectory()

	res := d.Merge(entry("abc", "w1", 7))
	assert.Equal(t, Inserted, res.Outcome)
	assert.True(t, res.Changed())

	got, ok := d.Lookup("abc")
	require.True(t, ok)
	assert.Equal(t, envelope.WorkerID("w1"), got.Worker)
	assert.Equal(t, envelope.Epoch(7), got.Epoch)

	_, ok = d.Lookup("missing")
	assert.False(t, ok)
}

func TestMergeOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		incoming Entry
		outcome  Outcome
		worker   envelope.WorkerID
		epoch    envelope.Epoch
	}{
		{"higher epoch replaces", entry("abc", "w2", 8), Replaced, "w2", 8},
		{"lower epoch is stale", entry("abc", "w2", 6), Stale, "w1", 7},
		{"equal epoch other worker is a conflict", entry("abc", "w2", 7), Conflict, "w1", 7},
		{"equal epoch same worker refreshes", entry("abc", "w1", 7), Refreshed, "w1", 7},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := newDirectory()
			d.Merge(entry("abc", "w1", 7))

			res := d.Merge(tc.incoming)
			assert.Equal(t, tc.outcome, res.Outcome)
			assert.Equal(t, envelope.WorkerID("w1"), res.Previous.Worker)

			got, ok := d.Lookup("abc")
			require.True(t, ok)
			assert.Equal(t, tc.worker, got.Worker)
			assert.Equal(t, tc.epoch, got.Epoch)
		})
	}
}

func TestMergeRefreshUpdatesMetadata(t *testing.T) {
	d := newDirectory()
	d.Merge(entry("abc", "w1", 7))

	refreshed := entry("abc", "w1", 7)
	refreshed.Metadata.Users = 4
	d.Merge(refreshed)

	got, _ := d.Lookup("abc")
	assert.Equal(t, 4, got.Metadata.Users)
}

func TestMergeIsMonotonic(t *testing.T) {
	for e1 := int64(1); e1 < 5; e1++ {
		for e2 := e1 + 1; e2 <= 5; e2++ {
			a := newDirectory()
			a.Merge(entry("r", "w2", e2))
			a.Merge(entry("r", "w1", e1))

			b := newDirectory()
			b.Merge(entry("r", "w2", e2))

			assert.Equal(t, b.Snapshot(), a.Snapshot(), "e1=%d e2=%d", e1, e2)
		}
	}
}

func TestMergeOrderIndependent(t *testing.T) {
	claims := []Entry{
		entry("abc", "w1", 7),
		entry("abc", "w2", 8),
		entry("xyz", "w1", 3),
		entry("xyz", "w3", 9),
		entry("abc", "w3", 2),
	}
	want := newDirectory()
	for _, c := range claims {
		want.Merge(c)
	}

	// every rotation of the claim order converges on the same table
	for shift := 1; shift < len(claims); shift++ {
		d := newDirectory()
		for i := range claims {
			d.Merge(claims[(i+shift)%len(claims)])
		}
		assert.Equal(t, want.Snapshot(), d.Snapshot(), "shift=%d", shift)
	}
}

func gossipRooms(epochs map[string]int64) []envelope.GossipRoom {
	var rooms []envelope.GossipRoom
	for name, epoch := range epochs {
		rooms = append(rooms, envelope.GossipRoom{
			Room:      envelope.RoomMetadata{Name: envelope.RoomName(name)},
			LoadEpoch: envelope.Epoch(epoch),
		})
	}
	return rooms
}

func TestApplyGossipIdempotent(t *testing.T) {
	rooms := gossipRooms(map[string]int64{"abc": 7, "def": 2})

	once := newDirectory()
	once.Merge(entry("def", "w2", 5))
	once.ApplyGossip("w1", rooms)

	twice := newDirectory()
	twice.Merge(entry("def", "w2", 5))
	twice.ApplyGossip("w1", rooms)
	res := twice.ApplyGossip("w1", rooms)

	assert.Equal(t, once.Snapshot(), twice.Snapshot())
	assert.Empty(t, res.Removed)
	for _, m := range res.Merges {
		assert.False(t, m.Changed())
	}
}

func TestApplyGossipRemovesMissingRooms(t *testing.T) {
	d := newDirectory()
	d.Merge(entry("abc", "w1", 7))
	d.Merge(entry("old", "w1", 3))
	d.Merge(entry("other", "w2", 4))

	res := d.ApplyGossip("w1", gossipRooms(map[string]int64{"abc": 7}))

	require.Len(t, res.Removed, 1)
	assert.Equal(t, envelope.RoomName("old"), res.Removed[0].Room)
	_, ok := d.Lookup("old")
	assert.False(t, ok)
	_, ok = d.Lookup("other")
	assert.True(t, ok, "rooms of other workers are untouched")
}

func TestApplyGossipNormalizesNames(t *testing.T) {
	d := newDirectory()
	d.ApplyGossip("w1", gossipRooms(map[string]int64{"ABC": 1}))
	_, ok := d.Lookup("abc")
	assert.True(t, ok)
}

func TestRetract(t *testing.T) {
	d := newDirectory()
	d.Merge(entry("abc", "w1", 7))

	prev, ok := d.Retract("abc")
	require.True(t, ok)
	assert.Equal(t, envelope.WorkerID("w1"), prev.Worker)
	assert.Equal(t, 0, d.Len())

	_, ok = d.Retract("abc")
	assert.False(t, ok)
}

func TestRetractFromIgnoresOtherOwner(t *testing.T) {
	d := newDirectory()
	d.Merge(entry("abc", "w2", 8))

	_, ok := d.RetractFrom("abc", "w1")
	assert.False(t, ok)
	_, ok = d.Lookup("abc")
	assert.True(t, ok)

	_, ok = d.RetractFrom("abc", "w2")
	assert.True(t, ok)
}

func TestRetractAllFor(t *testing.T) {
	d := newDirectory()
	d.Merge(entry("a", "w1", 1))
	d.Merge(entry("b", "w1", 2))
	d.Merge(entry("c", "w2", 3))

	removed := d.RetractAllFor("w1")
	require.Len(t, removed, 2)
	assert.Equal(t, envelope.RoomName("a"), removed[0].Room)
	assert.Equal(t, envelope.RoomName("b"), removed[1].Room)
	assert.Equal(t, []envelope.RoomName{"c"}, d.RoomsFor("w2"))
	assert.Empty(t, d.RoomsFor("w1"))
}

func TestWaitReturnsExistingEntry(t *testing.T) {
	d := newDirectory()
	d.Merge(entry("abc", "w1", 7))

	got, err := d.Wait(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, envelope.WorkerID("w1"), got.Worker)
}

func TestWaitWakesOnMerge(t *testing.T) {
	d := newDirectory()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan Entry, 1)
	go func() {
		e, err := d.Wait(ctx, "abc")
		if err == nil {
			done <- e
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	d.Merge(entry("abc", "w1", 7))

	e, ok := <-done
	require.True(t, ok)
	assert.Equal(t, envelope.WorkerID("w1"), e.Worker)
}

func TestWaitTimesOut(t *testing.T) {
	d := newDirectory()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Wait(ctx, "abc")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.waiters, "cancelled waiters are cleaned up")
}

func TestConcurrentMergeAndLookup(t *testing.T) {
	d := newDirectory()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for e := int64(1); e <= 100; e++ {
				d.Merge(entry("abc", string(rune('a'+w)), e*8+int64(w)))
				d.Lookup("abc")
			}
		}(w)
	}
	wg.Wait()

	got, ok := d.Lookup("abc")
	require.True(t, ok)
	assert.Equal(t, envelope.Epoch(100*8+7), got.Epoch)
}
