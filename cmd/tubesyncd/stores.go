package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/tubesync/tubesync/internal/config"
	"github.com/tubesync/tubesync/internal/metadata"
	"github.com/tubesync/tubesync/internal/metadata/oxia"
	"github.com/tubesync/tubesync/internal/metrics"
	"github.com/tubesync/tubesync/internal/objectstore"
	"github.com/tubesync/tubesync/internal/objectstore/s3"
)

// openMetadata connects the configured metadata backend and wraps it with
// latency metrics.
func openMetadata(ctx context.Context, cfg config.MetadataConfig) (metadata.MetadataStore, error) {
	var store metadata.MetadataStore
	switch cfg.Backend {
	case "", "memory":
		store = metadata.NewMemoryStore()
	case "oxia":
		s, err := oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.OxiaEndpoint,
			Namespace:      cfg.Namespace,
			RequestTimeout: cfg.RequestTimeout.Std(),
			SessionTimeout: cfg.SessionTimeout.Std(),
		})
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.Backend)
	}
	return metadata.NewInstrumentedStore(store, metrics.NewMetadataMetrics()), nil
}

// openObjects builds the configured snapshot bucket wrapped with metrics.
func openObjects(ctx context.Context, cfg config.StorageConfig) (objectstore.Store, error) {
	var store objectstore.Store
	switch cfg.Backend {
	case "", "memory":
		store = objectstore.NewMemoryStore()
	case "s3":
		s, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKey,
			SecretAccessKey: cfg.SecretKey,
			UsePathStyle:    cfg.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	return objectstore.NewInstrumentedStore(store, metrics.NewObjectStoreMetrics().ObjectRecorder()), nil
}

// portOf returns the numeric port of a host:port address.
func portOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return port, nil
}
