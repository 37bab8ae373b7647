// Package config loads tubesyncd configuration from a YAML file, then
// applies TUBESYNC_* environment overrides declared with env struct tags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/tubesync/tubesync/internal/compress"
)

// EnvConfigPath names the variable holding the config file path.
const EnvConfigPath = "TUBESYNC_CONFIG"

// Duration is a time.Duration written as a Go duration string ("3s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler for env overrides.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Config holds all configuration for tubesyncd.
type Config struct {
	ClusterID     string              `yaml:"clusterId" env:"TUBESYNC_CLUSTER_ID"`
	Router        RouterConfig        `yaml:"router"`
	Worker        WorkerConfig        `yaml:"worker"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type RouterConfig struct {
	ListenAddr     string   `yaml:"listenAddr" env:"TUBESYNC_ROUTER_LISTEN_ADDR"`
	ResolveTimeout Duration `yaml:"resolveTimeout" env:"TUBESYNC_ROUTER_RESOLVE_TIMEOUT"`
	AuthTimeout    Duration `yaml:"authTimeout" env:"TUBESYNC_ROUTER_AUTH_TIMEOUT"`
	InitTimeout    Duration `yaml:"initTimeout" env:"TUBESYNC_ROUTER_INIT_TIMEOUT"`
	ReconnectMin   Duration `yaml:"reconnectMin" env:"TUBESYNC_ROUTER_RECONNECT_MIN"`
	ReconnectMax   Duration `yaml:"reconnectMax" env:"TUBESYNC_ROUTER_RECONNECT_MAX"`

	// Discovery is "static" (Workers) or "registry" (metadata store).
	Discovery         string   `yaml:"discovery" env:"TUBESYNC_ROUTER_DISCOVERY"`
	Workers           []string `yaml:"workers" env:"TUBESYNC_ROUTER_WORKERS"`
	DiscoveryInterval Duration `yaml:"discoveryInterval" env:"TUBESYNC_ROUTER_DISCOVERY_INTERVAL"`
}

type WorkerConfig struct {
	ListenAddr string `yaml:"listenAddr" env:"TUBESYNC_WORKER_LISTEN_ADDR"`
	ID         string `yaml:"id" env:"TUBESYNC_WORKER_ID"`
	Region     string `yaml:"region" env:"TUBESYNC_WORKER_REGION"`

	// AdvertiseAddr is the host:port routers dial. Defaults to ListenAddr.
	AdvertiseAddr string `yaml:"advertiseAddr" env:"TUBESYNC_WORKER_ADVERTISE_ADDR"`

	GossipInterval  Duration `yaml:"gossipInterval" env:"TUBESYNC_WORKER_GOSSIP_INTERVAL"`
	IdleTimeout     Duration `yaml:"idleTimeout" env:"TUBESYNC_WORKER_IDLE_TIMEOUT"`
	LoadTimeout     Duration `yaml:"loadTimeout" env:"TUBESYNC_WORKER_LOAD_TIMEOUT"`
	AutoCreateRooms bool     `yaml:"autoCreateRooms" env:"TUBESYNC_WORKER_AUTO_CREATE_ROOMS"`
	InboxSize       int      `yaml:"inboxSize" env:"TUBESYNC_WORKER_INBOX_SIZE"`
}

type MetadataConfig struct {
	// Backend is "memory" or "oxia".
	Backend        string   `yaml:"backend" env:"TUBESYNC_METADATA_BACKEND"`
	OxiaEndpoint   string   `yaml:"oxiaEndpoint" env:"TUBESYNC_OXIA_ENDPOINT"`
	Namespace      string   `yaml:"namespace" env:"TUBESYNC_OXIA_NAMESPACE"`
	RequestTimeout Duration `yaml:"requestTimeout" env:"TUBESYNC_OXIA_REQUEST_TIMEOUT"`
	SessionTimeout Duration `yaml:"sessionTimeout" env:"TUBESYNC_OXIA_SESSION_TIMEOUT"`
}

type StorageConfig struct {
	// Backend is "memory" or "s3".
	Backend      string `yaml:"backend" env:"TUBESYNC_STORAGE_BACKEND"`
	Bucket       string `yaml:"bucket" env:"TUBESYNC_S3_BUCKET"`
	Region       string `yaml:"region" env:"TUBESYNC_S3_REGION"`
	Endpoint     string `yaml:"endpoint" env:"TUBESYNC_S3_ENDPOINT"`
	AccessKey    string `yaml:"accessKey" env:"TUBESYNC_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secretKey" env:"TUBESYNC_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"usePathStyle" env:"TUBESYNC_S3_USE_PATH_STYLE"`
	Compression  string `yaml:"compression" env:"TUBESYNC_STORAGE_COMPRESSION"`
}

type AuthConfig struct {
	// Mode is "none" or "jwt".
	Mode      string   `yaml:"mode" env:"TUBESYNC_AUTH_MODE"`
	JWTSecret string   `yaml:"jwtSecret" env:"TUBESYNC_AUTH_JWT_SECRET"`
	Issuer    string   `yaml:"issuer" env:"TUBESYNC_AUTH_ISSUER"`
	Leeway    Duration `yaml:"leeway" env:"TUBESYNC_AUTH_LEEWAY"`
}

type EventsConfig struct {
	// Sink is "none", "log" or "kafka".
	Sink              string   `yaml:"sink" env:"TUBESYNC_EVENTS_SINK"`
	Brokers           []string `yaml:"brokers" env:"TUBESYNC_EVENTS_BROKERS"`
	Topic             string   `yaml:"topic" env:"TUBESYNC_EVENTS_TOPIC"`
	CreateTopic       bool     `yaml:"createTopic" env:"TUBESYNC_EVENTS_CREATE_TOPIC"`
	Partitions        int      `yaml:"partitions" env:"TUBESYNC_EVENTS_PARTITIONS"`
	ReplicationFactor int      `yaml:"replicationFactor" env:"TUBESYNC_EVENTS_REPLICATION_FACTOR"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"TUBESYNC_METRICS_ADDR"`
	HealthAddr  string `yaml:"healthAddr" env:"TUBESYNC_HEALTH_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"TUBESYNC_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"TUBESYNC_LOG_FORMAT"`
}

// Default returns a Config with defaults for a single-node setup.
func Default() *Config {
	return &Config{
		ClusterID: "local",
		Router: RouterConfig{
			ListenAddr:        ":8081",
			ResolveTimeout:    Duration(3 * time.Second),
			AuthTimeout:       Duration(20 * time.Second),
			InitTimeout:       Duration(20 * time.Second),
			ReconnectMin:      Duration(500 * time.Millisecond),
			ReconnectMax:      Duration(5 * time.Second),
			Discovery:         "static",
			Workers:           []string{"localhost:3002"},
			DiscoveryInterval: Duration(5 * time.Second),
		},
		Worker: WorkerConfig{
			ListenAddr:      ":3002",
			GossipInterval:  Duration(10 * time.Second),
			IdleTimeout:     Duration(120 * time.Second),
			LoadTimeout:     Duration(10 * time.Second),
			AutoCreateRooms: true,
			InboxSize:       1024,
		},
		Metadata: MetadataConfig{
			Backend:   "memory",
			Namespace: "default",
		},
		Storage: StorageConfig{
			Backend:     "memory",
			Region:      "us-east-1",
			Compression: compress.Zstd,
		},
		Auth: AuthConfig{
			Mode:   "none",
			Leeway: Duration(5 * time.Second),
		},
		Events: EventsConfig{
			Sink:              "none",
			Topic:             "tubesync.room-events",
			Partitions:        3,
			ReplicationFactor: 1,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			HealthAddr:  ":9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads the file named by TUBESYNC_CONFIG, or starts from defaults
// when it is unset, then applies environment overrides.
func Load() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return LoadFromPath(path)
	}
	cfg := Default()
	if err := cfg.applyEnv(nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads path over the defaults, then applies environment
// overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.applyEnv(nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document leaves the defaults in place.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides every field whose env variable is set. A nil environ
// reads the process environment.
func (c *Config) applyEnv(environ map[string]string) error {
	if err := env.ParseWithOptions(c, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate checks the settings needed by role, "router" or "worker".
func (c *Config) Validate(role string) error {
	var errs []error
	if c.ClusterID == "" {
		errs = append(errs, errors.New("clusterId is required"))
	}

	switch role {
	case "router":
		r := c.Router
		if r.ListenAddr == "" {
			errs = append(errs, errors.New("router.listenAddr is required"))
		}
		if r.ResolveTimeout <= 0 {
			errs = append(errs, errors.New("router.resolveTimeout must be positive"))
		}
		if r.ReconnectMax < r.ReconnectMin {
			errs = append(errs, errors.New("router.reconnectMax must not be below reconnectMin"))
		}
		switch r.Discovery {
		case "static":
			if len(r.Workers) == 0 {
				errs = append(errs, errors.New("router.workers is required for static discovery"))
			}
		case "registry":
			if c.Metadata.Backend != "oxia" {
				errs = append(errs, errors.New("registry discovery needs the oxia metadata backend"))
			}
		default:
			errs = append(errs, fmt.Errorf("router.discovery %q is not static or registry", r.Discovery))
		}
	case "worker":
		w := c.Worker
		if w.ListenAddr == "" {
			errs = append(errs, errors.New("worker.listenAddr is required"))
		}
		if w.GossipInterval <= 0 || w.IdleTimeout <= 0 || w.LoadTimeout <= 0 {
			errs = append(errs, errors.New("worker intervals must be positive"))
		}
		if _, err := compress.Lookup(c.Storage.Compression); err != nil {
			errs = append(errs, err)
		}
		switch c.Storage.Backend {
		case "memory":
		case "s3":
			if c.Storage.Bucket == "" {
				errs = append(errs, errors.New("storage.bucket is required for s3"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.backend %q is not memory or s3", c.Storage.Backend))
		}
		switch c.Auth.Mode {
		case "none":
		case "jwt":
			if c.Auth.JWTSecret == "" {
				errs = append(errs, errors.New("auth.jwtSecret is required for jwt mode"))
			}
		default:
			errs = append(errs, fmt.Errorf("auth.mode %q is not none or jwt", c.Auth.Mode))
		}
		switch c.Events.Sink {
		case "none", "log":
		case "kafka":
			if len(c.Events.Brokers) == 0 || c.Events.Topic == "" {
				errs = append(errs, errors.New("events.brokers and events.topic are required for kafka"))
			}
		default:
			errs = append(errs, fmt.Errorf("events.sink %q is not none, log or kafka", c.Events.Sink))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", role))
	}

	switch c.Metadata.Backend {
	case "memory":
	case "oxia":
		if c.Metadata.OxiaEndpoint == "" {
			errs = append(errs, errors.New("metadata.oxiaEndpoint is required for oxia"))
		}
	default:
		errs = append(errs, fmt.Errorf("metadata.backend %q is not memory or oxia", c.Metadata.Backend))
	}

	return errors.Join(errs...)
}
