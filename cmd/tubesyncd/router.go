package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tubesync/tubesync/internal/config"
	"github.com/tubesync/tubesync/internal/discovery"
	"github.com/tubesync/tubesync/internal/logging"
	"github.com/tubesync/tubesync/internal/metadata"
	"github.com/tubesync/tubesync/internal/metrics"
	"github.com/tubesync/tubesync/internal/router"
	"github.com/tubesync/tubesync/internal/server"
)

func runRouter(args []string) {
	fs := flag.NewFlagSet("router", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listenAddr := fs.String("listen", "", "Override client listen address (e.g., :8081)")
	workers := fs.String("workers", "", "Override worker addresses (comma separated host:port)")
	clusterID := fs.String("cluster-id", "", "Override cluster ID")

	fs.Usage = func() {
		fmt.Println(`Usage: tubesyncd router [options]

Start the edge router. Clients connect to /api/room/<name>; rooms are
resolved to workers and frames are relayed over one link per worker.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Router.ListenAddr = *listenAddr
	}
	if *workers != "" {
		cfg.Router.Discovery = "static"
		cfg.Router.Workers = discovery.NewStatic(*workers)
	}
	if *clusterID != "" {
		cfg.ClusterID = *clusterID
	}
	if err := cfg.Validate("router"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	run("router", NewRouterService(cfg, logger), logger)
}

// RouterService wires the router to discovery, metrics and health.
type RouterService struct {
	cfg    *config.Config
	logger *logging.Logger

	router        *router.Router
	meta          metadata.MetadataStore
	httpServer    *http.Server
	healthServer  *server.HealthServer
	metricsServer *metrics.Server

	discovered atomic.Bool

	mu      sync.Mutex
	started bool
	addr    string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRouterService builds the service; nothing runs until Start.
func NewRouterService(cfg *config.Config, logger *logging.Logger) *RouterService {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &RouterService{cfg: cfg, logger: logger}
}

// Start runs the router and blocks until the client listener stops.
func (s *RouterService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("router already started")
	}
	s.started = true
	s.mu.Unlock()

	cfg := s.cfg
	s.logger.Infof("starting router", map[string]any{
		"clusterId":  cfg.ClusterID,
		"listenAddr": cfg.Router.ListenAddr,
		"discovery":  cfg.Router.Discovery,
		"version":    version,
	})

	s.router = router.New(router.Config{
		ResolveTimeout: cfg.Router.ResolveTimeout.Std(),
		AuthTimeout:    cfg.Router.AuthTimeout.Std(),
		InitTimeout:    cfg.Router.InitTimeout.Std(),
		ReconnectMin:   cfg.Router.ReconnectMin.Std(),
		ReconnectMax:   cfg.Router.ReconnectMax.Std(),
	}, router.Deps{
		Metrics: metrics.NewRouterMetrics(),
		Logger:  s.logger,
	})

	src, err := s.discoverySource(ctx)
	if err != nil {
		return err
	}

	s.healthServer = server.NewHealthServer(cfg.Observability.HealthAddr, s.logger)
	s.healthServer.RegisterReadinessCheck(server.NewWorkerLinksChecker(s.router.WorkerLinks))
	s.healthServer.RegisterReadinessCheck(server.NewFuncChecker("discovery", func(context.Context) error {
		if !s.discovered.Load() {
			return errors.New("no worker list applied yet")
		}
		return nil
	}))
	if s.meta != nil {
		s.healthServer.RegisterReadinessCheck(server.NewMetadataStoreChecker(s.meta, cfg.ClusterID))
	}
	if err := s.healthServer.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}

	s.metricsServer = metrics.NewServer(cfg.Observability.MetricsAddr, s.logger)
	if err := s.metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		discovery.Watch(watchCtx, src, discovery.WatchConfig{
			Interval: cfg.Router.DiscoveryInterval.Std(),
			Logger:   s.logger,
		}, func(addrs []string) {
			s.router.SetWorkers(addrs)
			s.discovered.Store(true)
		})
	}()

	ln, err := net.Listen("tcp", cfg.Router.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Infof("client endpoint listening", map[string]any{"addr": ln.Addr().String()})
	return srv.Serve(ln)
}

func (s *RouterService) discoverySource(ctx context.Context) (discovery.Source, error) {
	cfg := s.cfg
	if cfg.Router.Discovery != "registry" {
		return discovery.Static(cfg.Router.Workers), nil
	}
	meta, err := openMetadata(ctx, cfg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	s.meta = meta
	return discovery.NewRegistry(meta, discovery.RegistryConfig{
		ClusterID: cfg.ClusterID,
		Logger:    s.logger,
	}), nil
}

// Addr returns the bound client address once listening.
func (s *RouterService) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown fails readiness, closes clients and worker links, then stops
// the listeners.
func (s *RouterService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	srv := s.httpServer
	s.mu.Unlock()

	if s.healthServer != nil {
		s.healthServer.SetShuttingDown()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.router != nil {
		if err := s.router.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.metricsServer != nil {
		errs = append(errs, s.metricsServer.Close())
	}
	if s.healthServer != nil {
		errs = append(errs, s.healthServer.Close())
	}
	if s.meta != nil {
		errs = append(errs, s.meta.Close())
	}
	return errors.Join(errs...)
}
