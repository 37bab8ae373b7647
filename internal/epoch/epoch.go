// Package epoch issues load epochs: per-room integers that grow strictly
// across the whole cluster each time some worker claims the room.
package epoch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/metadata"
	"github.com/tubesync/tubesync/internal/metadata/keys"
)

// ErrContended is returned when a claim lost the compare-and-set race too
// many times in a row.
var ErrContended = errors.New("epoch: counter contended")

// Issuer hands out load epochs.
type Issuer interface {
	// Next returns an epoch greater than every epoch previously issued for
	// room.
	Next(ctx context.Context, room envelope.RoomName, worker envelope.WorkerID) (envelope.Epoch, error)

	// Current returns the latest epoch issued for room, or 0 when the
	// issuer cannot tell.
	Current(ctx context.Context, room envelope.RoomName) (envelope.Epoch, error)
}

// Record is the value stored under a room's epoch key.
type Record struct {
	Epoch      envelope.Epoch    `json:"epoch"`
	Worker     envelope.WorkerID `json:"worker"`
	IssuedAtMs int64             `json:"issuedAtMs"`
}

// StoreIssuer keeps one counter per room in the metadata store and bumps it
// with compare-and-set, so two concurrent claims can never receive the same
// value.
type StoreIssuer struct {
	meta        metadata.MetadataStore
	clusterID   string
	clock       clockwork.Clock
	maxAttempts uint64
}

// StoreIssuerConfig configures a StoreIssuer.
type StoreIssuerConfig struct {
	ClusterID string
	Clock     clockwork.Clock
	// MaxAttempts bounds compare-and-set retries. Default 16.
	MaxAttempts int
}

// NewStoreIssuer creates an issuer backed by meta.
func NewStoreIssuer(meta metadata.MetadataStore, cfg StoreIssuerConfig) *StoreIssuer {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 16
	}
	return &StoreIssuer{
		meta:        meta,
		clusterID:   cfg.ClusterID,
		clock:       cfg.Clock,
		maxAttempts: uint64(cfg.MaxAttempts),
	}
}

func (s *StoreIssuer) read(ctx context.Context, key string) (Record, metadata.Version, error) {
	res, err := s.meta.Get(ctx, key)
	if err != nil {
		return Record{}, 0, fmt.Errorf("epoch: read %s: %w", key, err)
	}
	if !res.Exists {
		return Record{}, 0, nil
	}
	var rec Record
	if err := json.Unmarshal(res.Value, &rec); err != nil {
		return Record{}, 0, fmt.Errorf("epoch: decode %s: %w", key, err)
	}
	return rec, res.Version, nil
}

// Next implements Issuer.
func (s *StoreIssuer) Next(ctx context.Context, room envelope.RoomName, worker envelope.WorkerID) (envelope.Epoch, error) {
	key := keys.RoomEpochKey(s.clusterID, string(room))

	var issued envelope.Epoch
	attempt := func() error {
		cur, version, err := s.read(ctx, key)
		if err != nil {
			return backoff.Permanent(err)
		}
		next := Record{
			Epoch:      cur.Epoch + 1,
			Worker:     worker,
			IssuedAtMs: s.clock.Now().UnixMilli(),
		}
		data, err := json.Marshal(next)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("epoch: encode: %w", err))
		}
		if _, err := s.meta.Put(ctx, key, data, metadata.WithExpectedVersion(version)); err != nil {
			if errors.Is(err, metadata.ErrVersionMismatch) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("epoch: write %s: %w", key, err))
		}
		issued = next.Epoch
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.maxAttempts-1), ctx)

	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) {
			return 0, fmt.Errorf("%w: room %s", ErrContended, room)
		}
		return 0, err
	}
	return issued, nil
}

// Current implements Issuer.
func (s *StoreIssuer) Current(ctx context.Context, room envelope.RoomName) (envelope.Epoch, error) {
	rec, _, err := s.read(ctx, keys.RoomEpochKey(s.clusterID, string(room)))
	if err != nil {
		return 0, err
	}
	return rec.Epoch, nil
}

// clockWorkerBits is the number of low bits reserved for the worker hash.
const clockWorkerBits = 10

// ClockIssuer derives epochs from (milliseconds, worker hash) without any
// shared service. Two workers claiming the same room within the same
// millisecond may receive equal or inverted epochs; the directory keeps the
// stored entry on equal epochs.
type ClockIssuer struct {
	clock clockwork.Clock

	mu   sync.Mutex
	last envelope.Epoch
}

// NewClockIssuer creates a ClockIssuer. A nil clock uses wall time.
func NewClockIssuer(clock clockwork.Clock) *ClockIssuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ClockIssuer{clock: clock}
}

// Next implements Issuer. Epochs from one ClockIssuer are strictly increasing.
func (c *ClockIssuer) Next(_ context.Context, _ envelope.RoomName, worker envelope.WorkerID) (envelope.Epoch, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(worker))
	e := envelope.Epoch(c.clock.Now().UnixMilli()<<clockWorkerBits | int64(h.Sum32()&(1<<clockWorkerBits-1)))

	c.mu.Lock()
	defer c.mu.Unlock()
	if e <= c.last {
		e = c.last + 1
	}
	c.last = e
	return e, nil
}

// Current implements Issuer. A ClockIssuer has no shared view, so it
// always reports 0.
func (c *ClockIssuer) Current(context.Context, envelope.RoomName) (envelope.Epoch, error) {
	return 0, nil
}

var (
	_ Issuer = (*StoreIssuer)(nil)
	_ Issuer = (*ClockIssuer)(nil)
)
