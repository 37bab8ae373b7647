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
	"time"

	"github.com/tubesync/tubesync/internal/auth"
	"github.com/tubesync/tubesync/internal/compress"
	"github.com/tubesync/tubesync/internal/config"
	"github.com/tubesync/tubesync/internal/discovery"
	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/epoch"
	"github.com/tubesync/tubesync/internal/events"
	"github.com/tubesync/tubesync/internal/logging"
	"github.com/tubesync/tubesync/internal/metadata"
	"github.com/tubesync/tubesync/internal/metrics"
	"github.com/tubesync/tubesync/internal/objectstore"
	"github.com/tubesync/tubesync/internal/room"
	"github.com/tubesync/tubesync/internal/roomstore"
	"github.com/tubesync/tubesync/internal/server"
	"github.com/tubesync/tubesync/internal/worker"
)

func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listenAddr := fs.String("listen", "", "Override router link listen address (e.g., :3002)")
	advertiseAddr := fs.String("advertise", "", "Override the address routers dial")
	workerID := fs.String("worker-id", "", "Override worker ID (default: auto-generated UUID)")
	region := fs.String("region", "", "Override region announced in init")

	fs.Usage = func() {
		fmt.Println(`Usage: tubesyncd worker [options]

Start a room worker. Routers connect to /balancer; rooms are loaded on
demand, evicted when idle and persisted to the configured bucket.

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
		cfg.Worker.ListenAddr = *listenAddr
	}
	if *advertiseAddr != "" {
		cfg.Worker.AdvertiseAddr = *advertiseAddr
	}
	if *workerID != "" {
		cfg.Worker.ID = *workerID
	}
	if *region != "" {
		cfg.Worker.Region = *region
	}
	if err := cfg.Validate("worker"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	run("worker", NewWorkerService(cfg, logger), logger)
}

// WorkerService wires a worker to its stores, event sink and registry.
type WorkerService struct {
	cfg    *config.Config
	logger *logging.Logger

	worker        *worker.Worker
	meta          metadata.MetadataStore
	objects       objectstore.Store
	sink          events.Sink
	registry      *discovery.Registry
	httpServer    *http.Server
	healthServer  *server.HealthServer
	metricsServer *metrics.Server

	mu      sync.Mutex
	started bool
	addr    string
}

// NewWorkerService builds the service; nothing runs until Start.
func NewWorkerService(cfg *config.Config, logger *logging.Logger) *WorkerService {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &WorkerService{cfg: cfg, logger: logger}
}

// Start runs the worker and blocks until the link listener stops.
func (s *WorkerService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("worker already started")
	}
	s.started = true
	s.mu.Unlock()

	cfg := s.cfg
	id := envelope.WorkerID(cfg.Worker.ID)
	if id == "" {
		id = envelope.NewWorkerID()
	}

	ln, err := net.Listen("tcp", cfg.Worker.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	advertise := advertiseAddr(cfg.Worker.AdvertiseAddr, ln.Addr().String())
	port, err := portOf(advertise)
	if err != nil {
		ln.Close()
		return fmt.Errorf("invalid advertise address: %w", err)
	}

	s.logger.Infof("starting worker", map[string]any{
		"workerId":  id,
		"clusterId": cfg.ClusterID,
		"advertise": advertise,
		"region":    cfg.Worker.Region,
		"version":   version,
	})

	deps, err := s.buildDeps(ctx)
	if err != nil {
		ln.Close()
		return err
	}

	s.worker = worker.New(worker.Config{
		ID:             id,
		Region:         cfg.Worker.Region,
		AdvertisePort:  port,
		GossipInterval: cfg.Worker.GossipInterval.Std(),
		IdleTimeout:    cfg.Worker.IdleTimeout.Std(),
		LoadTimeout:    cfg.Worker.LoadTimeout.Std(),
		AutoCreate:     cfg.Worker.AutoCreateRooms,
		InboxSize:      cfg.Worker.InboxSize,
	}, deps)
	s.worker.Start()

	s.healthServer = server.NewHealthServer(cfg.Observability.HealthAddr, s.logger)
	s.healthServer.RegisterReadinessCheck(server.NewMetadataStoreChecker(s.meta, cfg.ClusterID))
	s.healthServer.RegisterReadinessCheck(server.NewObjectStoreChecker(s.objects))
	s.healthServer.RegisterHandler("/status", s.worker.Handler())
	if err := s.healthServer.Start(); err != nil {
		ln.Close()
		return fmt.Errorf("failed to start health server: %w", err)
	}

	s.metricsServer = metrics.NewServer(cfg.Observability.MetricsAddr, s.logger)
	if err := s.metricsServer.Start(); err != nil {
		ln.Close()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.registry = discovery.NewRegistry(s.meta, discovery.RegistryConfig{
		ClusterID: cfg.ClusterID,
		Self: discovery.WorkerInfo{
			ID:      id,
			Address: advertise,
			Region:  cfg.Worker.Region,
			Version: version,
		},
		Logger: s.logger,
	})
	if err := s.registry.Register(ctx); err != nil {
		// Static discovery still works without a registration.
		s.logger.Warnf("failed to register worker", map[string]any{"error": err.Error()})
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.worker.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Infof("router link endpoint listening", map[string]any{"addr": ln.Addr().String()})
	return srv.Serve(ln)
}

// buildDeps opens the stores, the epoch issuer, the token validator and
// the event sink.
func (s *WorkerService) buildDeps(ctx context.Context) (worker.Deps, error) {
	cfg := s.cfg

	meta, err := openMetadata(ctx, cfg.Metadata)
	if err != nil {
		return worker.Deps{}, fmt.Errorf("failed to open metadata store: %w", err)
	}
	s.meta = meta

	objects, err := openObjects(ctx, cfg.Storage)
	if err != nil {
		return worker.Deps{}, fmt.Errorf("failed to open object store: %w", err)
	}
	s.objects = objects

	codec, err := compress.Lookup(cfg.Storage.Compression)
	if err != nil {
		return worker.Deps{}, err
	}

	// A memory metadata store is private to this process, so epochs from it
	// would not be comparable across workers.
	var issuer epoch.Issuer
	if cfg.Metadata.Backend == "oxia" {
		issuer = epoch.NewStoreIssuer(meta, epoch.StoreIssuerConfig{ClusterID: cfg.ClusterID})
	} else {
		issuer = epoch.NewClockIssuer(nil)
	}

	var validator auth.Validator = auth.AllowAll{}
	if cfg.Auth.Mode == "jwt" {
		v, err := auth.NewJWTValidator(auth.JWTConfig{
			Secret: []byte(cfg.Auth.JWTSecret),
			Issuer: cfg.Auth.Issuer,
			Leeway: cfg.Auth.Leeway.Std(),
		})
		if err != nil {
			return worker.Deps{}, err
		}
		validator = v
	}

	sink, err := openSink(ctx, cfg.Events, s.logger)
	if err != nil {
		return worker.Deps{}, err
	}
	s.sink = sink

	return worker.Deps{
		Logic:   room.Relay{},
		Store:   roomstore.NewObjectStore(objects, codec, s.logger),
		Issuer:  issuer,
		Auth:    validator,
		Events:  sink,
		Metrics: metrics.NewWorkerMetrics(),
		Logger:  s.logger,
	}, nil
}

func openSink(ctx context.Context, cfg config.EventsConfig, logger *logging.Logger) (events.Sink, error) {
	switch cfg.Sink {
	case "", "none":
		return events.Nop{}, nil
	case "log":
		return events.NewLogSink(logger), nil
	case "kafka":
		sink, err := events.NewKafkaSink(ctx, events.KafkaConfig{
			Brokers:           cfg.Brokers,
			Topic:             cfg.Topic,
			CreateTopic:       cfg.CreateTopic,
			Partitions:        int32(cfg.Partitions),
			ReplicationFactor: int16(cfg.ReplicationFactor),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open event sink: %w", err)
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown event sink %q", cfg.Sink)
	}
}

// advertiseAddr picks the address routers should dial. A configured
// address wins; otherwise the bound port is paired with the hostname.
func advertiseAddr(configured, bound string) string {
	if configured != "" {
		return configured
	}
	host, port, err := net.SplitHostPort(bound)
	if err != nil {
		return bound
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		if name, err := os.Hostname(); err == nil {
			host = name
		} else {
			host = "localhost"
		}
	}
	return net.JoinHostPort(host, port)
}

// Addr returns the bound link address once listening.
func (s *WorkerService) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown deregisters, fails readiness and persists every held room
// before the listeners stop.
func (s *WorkerService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	srv := s.httpServer
	s.mu.Unlock()

	var errs []error
	if s.healthServer != nil {
		s.healthServer.SetShuttingDown()
	}
	if s.registry != nil && s.registry.IsRegistered() {
		if err := s.registry.Deregister(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.worker != nil {
		if err := s.worker.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.metricsServer != nil {
		errs = append(errs, s.metricsServer.Close())
	}
	if s.healthServer != nil {
		errs = append(errs, s.healthServer.Close())
	}
	if s.sink != nil {
		errs = append(errs, s.sink.Close())
	}
	if s.objects != nil {
		errs = append(errs, s.objects.Close())
	}
	if s.meta != nil {
		errs = append(errs, s.meta.Close())
	}
	return errors.Join(errs...)
}
