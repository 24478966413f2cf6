// Package config loads the orchestrator's immutable settings. It
// mirrors coordinator/internal/config's viper-based loader/validator
// split: Config describes the on-disk shape, Load resolves file +
// environment overrides into it once at startup, and Validate rejects
// a malformed result before any component is constructed.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the orchestrator's top-level configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Source      SourceConfig      `mapstructure:"source"`
	Destination DestinationConfig `mapstructure:"destination"`
	Phases      PhasesConfig      `mapstructure:"phases"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig configures the operator-facing HTTP surface
// (internal/httpapi) and the leadership gossip listener.
type ServerConfig struct {
	PartitionID     string        `mapstructure:"partition_id" validate:"required"`
	HTTPHost        string        `mapstructure:"http_host" validate:"required"`
	HTTPPort        int           `mapstructure:"http_port" validate:"required,gt=0,lte=65535"`
	GossipBindPort  int           `mapstructure:"gossip_bind_port" validate:"gte=0,lte=65535"`
	GossipSeeds     []string      `mapstructure:"gossip_seeds"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig configures the Postgres-backed metadata store
// adapter (internal/metadatastore).
type DatabaseConfig struct {
	Host           string        `mapstructure:"host" validate:"required"`
	Port           int           `mapstructure:"port" validate:"required,gt=0,lte=65535"`
	Database       string        `mapstructure:"database" validate:"required"`
	User           string        `mapstructure:"user" validate:"required"`
	Password       string        `mapstructure:"password"`
	MaxConnections int           `mapstructure:"max_connections" validate:"gte=1"`
	MinConnections int           `mapstructure:"min_connections" validate:"gte=0"`
	LeaseTimeout   time.Duration `mapstructure:"lease_timeout"`
}

// SourceConfig configures the Source Client (internal/sourceclient).
type SourceConfig struct {
	ServiceURI         string        `mapstructure:"service_uri" validate:"required,uri"`
	KVSActorServiceURI string        `mapstructure:"kvs_actor_service_uri"`
	OperationTimeout   time.Duration `mapstructure:"operation_timeout"`
}

// DestinationConfig configures the HTTP client that applies migrated
// batches to the new replicated-collection store (internal/destination).
type DestinationConfig struct {
	ServiceURI string        `mapstructure:"service_uri" validate:"required,uri"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  float64       `mapstructure:"rate_limit"`
}

// PhasesConfig configures per-phase worker fan-out and the downtime
// convergence threshold.
type PhasesConfig struct {
	CopyWorkerCount    int   `mapstructure:"copy_worker_count" validate:"gte=1"`
	CatchupWorkerCount int   `mapstructure:"catchup_worker_count" validate:"gte=1"`
	DowntimeThreshold  int64 `mapstructure:"downtime_threshold" validate:"gte=0"`
	BatchSize          int   `mapstructure:"batch_size" validate:"gte=1"`
	CheckpointEvery    int   `mapstructure:"checkpoint_every" validate:"gte=1"`
}

// RetryConfig configures the Source Client's backoff policy.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	JitterFraction float64       `mapstructure:"jitter_fraction" validate:"gte=0,lte=1"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var structValidator = validator.New()

// Validate checks required fields and value ranges, applying
// struct-tag validation first (go-playground/validator) and then the
// cross-field checks that tags cannot express, matching the donor's
// own Validate() error shape in coordinator/internal/config/config.go.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if c.Phases.CatchupWorkerCount > c.Phases.CopyWorkerCount*4 {
		return errors.New("phases.catchup_worker_count is implausibly larger than phases.copy_worker_count")
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return errors.New("retry.max_backoff must be >= retry.initial_backoff")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns the defaults applied before a config file or
// environment overrides are read.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			PartitionID:     "partition-0",
			HTTPHost:        "0.0.0.0",
			HTTPPort:        8090,
			GossipBindPort:  7946,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "actormigrate_metadata",
			User:           "migrator",
			MaxConnections: 20,
			MinConnections: 2,
			LeaseTimeout:   5 * time.Second,
		},
		Source: SourceConfig{
			OperationTimeout: 10 * time.Second,
		},
		Destination: DestinationConfig{
			Timeout:   10 * time.Second,
			RateLimit: 50,
		},
		Phases: PhasesConfig{
			CopyWorkerCount:    8,
			CatchupWorkerCount: 1,
			DowntimeThreshold:  1024,
			BatchSize:          500,
			CheckpointEvery:    1,
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			JitterFraction: 0.2,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
