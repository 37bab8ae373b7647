package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/logging"
	"github.com/tubesync/tubesync/internal/metadata"
	"github.com/tubesync/tubesync/internal/metadata/keys"
)

// WorkerInfo is the value stored under a worker's registration key.
type WorkerInfo struct {
	ID        envelope.WorkerID `json:"id"`
	Address   string            `json:"address"`
	Region    string            `json:"region,omitempty"`
	StartedAt int64             `json:"startedAt"`
	Version   string            `json:"version,omitempty"`
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	ClusterID string

	// Self is this worker's registration. Only needed to Register.
	Self WorkerInfo

	Clock  clockwork.Clock
	Logger *logging.Logger
}

// Registry keeps worker registrations under ephemeral metadata keys. The
// key disappears when the registering worker's session ends, so a crashed
// worker drops out of discovery without cleanup.
type Registry struct {
	store  metadata.MetadataStore
	config RegistryConfig
	logger *logging.Logger

	mu         sync.RWMutex
	registered bool
}

// NewRegistry creates a registry over store.
func NewRegistry(store metadata.MetadataStore, config RegistryConfig) *Registry {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = logging.DefaultLogger()
	}
	if config.Self.StartedAt == 0 {
		config.Self.StartedAt = config.Clock.Now().UnixMilli()
	}
	return &Registry{
		store:  store,
		config: config,
		logger: config.Logger.Named("registry"),
	}
}

// Register publishes this worker's ephemeral registration.
func (r *Registry) Register(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	self := r.config.Self
	if self.ID == "" || self.Address == "" {
		return fmt.Errorf("discovery: register: worker id and address are required")
	}
	data, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("discovery: marshal worker info: %w", err)
	}

	key := keys.WorkerKey(r.config.ClusterID, string(self.ID))
	if _, err := r.store.PutEphemeral(ctx, key, data); err != nil {
		return fmt.Errorf("discovery: register worker: %w", err)
	}
	r.registered = true
	r.logger.Infof("worker registered", map[string]any{
		"worker":  string(self.ID),
		"address": self.Address,
		"region":  self.Region,
		"key":     key,
	})
	return nil
}

// Deregister removes the registration ahead of session expiry.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.registered {
		return nil
	}

	key := keys.WorkerKey(r.config.ClusterID, string(r.config.Self.ID))
	if err := r.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("discovery: deregister worker: %w", err)
	}
	r.registered = false
	r.logger.Infof("worker deregistered", map[string]any{"worker": string(r.config.Self.ID)})
	return nil
}

// IsRegistered reports whether Register succeeded and Deregister has not
// run since.
func (r *Registry) IsRegistered() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registered
}

// Workers lists every registered worker, sorted by id.
func (r *Registry) Workers(ctx context.Context) ([]WorkerInfo, error) {
	kvs, err := r.store.List(ctx, keys.WorkersPrefix(r.config.ClusterID), "", 0)
	if err != nil {
		return nil, fmt.Errorf("discovery: list workers: %w", err)
	}

	workers := make([]WorkerInfo, 0, len(kvs))
	for _, kv := range kvs {
		id, err := keys.ParseWorkerKey(r.config.ClusterID, kv.Key)
		if err != nil {
			continue
		}
		var info WorkerInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			r.logger.Warnf("skipping unreadable worker registration", map[string]any{"key": kv.Key, "error": err.Error()})
			continue
		}
		if info.ID == "" {
			info.ID = envelope.WorkerID(id)
		}
		workers = append(workers, info)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers, nil
}

// Targets implements Source.
func (r *Registry) Targets(ctx context.Context) ([]Target, error) {
	workers, err := r.Workers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Target, 0, len(workers))
	for _, w := range workers {
		out = append(out, Target{ID: w.ID, Address: w.Address, Region: w.Region})
	}
	return out, nil
}

// Changes implements Notifier. It signals on every write or expiry under
// the cluster's worker prefix; bursts collapse into one signal.
func (r *Registry) Changes(ctx context.Context) (<-chan struct{}, error) {
	stream, err := r.store.Notifications(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: subscribe: %w", err)
	}
	prefix := keys.WorkersPrefix(r.config.ClusterID)
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			n, err := stream.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warnf("worker notifications ended", map[string]any{"error": err.Error()})
				}
				return
			}
			if !strings.HasPrefix(n.Key, prefix) {
				continue
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}

var (
	_ Source   = Static(nil)
	_ Source   = (*Registry)(nil)
	_ Notifier = (*Registry)(nil)
)
