package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/tubesync/tubesync/internal/metadata"
	"github.com/tubesync/tubesync/internal/metadata/keys"
	"github.com/tubesync/tubesync/internal/objectstore"
)

// MetadataStoreChecker reads a key that is never written; any answer,
// including "absent", proves the store is reachable.
type MetadataStoreChecker struct {
	store     metadata.MetadataStore
	clusterID string
}

// NewMetadataStoreChecker creates a checker for store.
func NewMetadataStoreChecker(store metadata.MetadataStore, clusterID string) *MetadataStoreChecker {
	return &MetadataStoreChecker{store: store, clusterID: clusterID}
}

func (c *MetadataStoreChecker) Name() string { return "metadata_store" }

func (c *MetadataStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("metadata store not configured")
	}
	_, err := c.store.Get(ctx, keys.HealthCheckKey(c.clusterID))
	if err != nil && !errors.Is(err, metadata.ErrKeyNotFound) {
		return err
	}
	return nil
}

// objectProbeKey is never written.
const objectProbeKey = "tubesync-health-check"

// ObjectStoreChecker heads a probe key. Not found means reachable; missing
// bucket and denied access do not.
type ObjectStoreChecker struct {
	store objectstore.Store
}

// NewObjectStoreChecker creates a checker for store.
func NewObjectStoreChecker(store objectstore.Store) *ObjectStoreChecker {
	return &ObjectStoreChecker{store: store}
}

func (c *ObjectStoreChecker) Name() string { return "object_store" }

func (c *ObjectStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("object store not configured")
	}
	_, err := c.store.Head(ctx, objectProbeKey)
	if err == nil || errors.Is(err, objectstore.ErrNotFound) {
		return nil
	}
	return err
}

// WorkerLinksChecker is ready once a router has at least one worker link.
type WorkerLinksChecker struct {
	links func() int
}

// NewWorkerLinksChecker wraps a function returning the live link count.
func NewWorkerLinksChecker(links func() int) *WorkerLinksChecker {
	return &WorkerLinksChecker{links: links}
}

func (c *WorkerLinksChecker) Name() string { return "worker_links" }

func (c *WorkerLinksChecker) CheckReady(context.Context) error {
	if n := c.links(); n < 1 {
		return fmt.Errorf("no worker links (have %d)", n)
	}
	return nil
}

// FuncChecker adapts a function.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

// NewFuncChecker creates a FuncChecker.
func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
