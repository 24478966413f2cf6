package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/statefabric/actormigrate/internal/model"
)

// Load loads configuration from a YAML file and environment variable
// overrides, mirroring coordinator/internal/config/loader.go: the
// config file is optional (defaults plus environment variables can
// carry the whole configuration), but the final result must validate.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("Warning: could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("MIGRATOR_PARTITION_ID"); v != "" {
		cfg.Server.PartitionID = v
	}
	if v := os.Getenv("MIGRATOR_HTTP_HOST"); v != "" {
		cfg.Server.HTTPHost = v
	}
	if v := os.Getenv("MIGRATOR_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = p
		}
	}
	if v := os.Getenv("MIGRATOR_GOSSIP_SEEDS"); v != "" {
		cfg.Server.GossipSeeds = strings.Split(v, ",")
	}

	if v := os.Getenv("DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DATABASE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = p
		}
	}
	if v := os.Getenv("DATABASE_NAME"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("DATABASE_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}

	if v := os.Getenv("SOURCE_SERVICE_URI"); v != "" {
		cfg.Source.ServiceURI = v
	}
	if v := os.Getenv("KVS_ACTOR_SERVICE_URI"); v != "" {
		cfg.Source.KVSActorServiceURI = v
	}
	if v := os.Getenv("SOURCE_OPERATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Source.OperationTimeout = d
		}
	}

	if v := os.Getenv("DESTINATION_SERVICE_URI"); v != "" {
		cfg.Destination.ServiceURI = v
	}
	if v := os.Getenv("DESTINATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Destination.Timeout = d
		}
	}

	if v := os.Getenv("DOWNTIME_THRESHOLD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Phases.DowntimeThreshold = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// ToSettings converts the loaded Config into the domain-level
// MigrationSettings value that the orchestrator's components actually
// depend on, keeping internal/model free of mapstructure/validator
// tags.
func (c *Config) ToSettings() model.MigrationSettings {
	return model.MigrationSettings{
		SourceServiceUri:        c.Source.ServiceURI,
		KVSActorServiceUri:      c.Source.KVSActorServiceURI,
		CopyPhaseWorkerCount:    c.Phases.CopyWorkerCount,
		CatchupPhaseWorkerCount: c.Phases.CatchupWorkerCount,
		DowntimeThreshold:       c.Phases.DowntimeThreshold,
		BatchSize:               c.Phases.BatchSize,
		CheckpointEvery:         c.Phases.CheckpointEvery,
		RetryPolicy: model.RetryPolicy{
			MaxAttempts:    c.Retry.MaxAttempts,
			InitialBackoff: c.Retry.InitialBackoff,
			MaxBackoff:     c.Retry.MaxBackoff,
			JitterFraction: c.Retry.JitterFraction,
		},
		OperationTimeout:    c.Source.OperationTimeout,
		DefaultLeaseTimeout: c.Database.LeaseTimeout,
	}
}
