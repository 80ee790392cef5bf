package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// ExecutorConfig holds configuration for the batch migration executor.
type ExecutorConfig struct {
	// BatchSize is the number of documents processed per batch. The progress
	// cursor is persisted between batches, never inside one.
	BatchSize int `env:"MIGRATION_BATCH_SIZE" envDefault:"500"`

	// Workers is the size of the bounded worker pool. Each worker owns whole
	// batches, so no two workers touch the same document.
	Workers int `env:"MIGRATION_WORKERS" envDefault:"4"`

	// MaxRetries bounds the backoff retries for a batch-level store failure
	// before the run is marked failed.
	MaxRetries int `env:"MIGRATION_MAX_RETRIES" envDefault:"5"`

	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay string `env:"MIGRATION_RETRY_BASE_DELAY" envDefault:"500ms"`

	// CleanupObservationWindow gates the legacy-field cleanup pass: it only
	// runs this long after a collection's backfill completed.
	CleanupObservationWindow string `env:"MIGRATION_CLEANUP_WINDOW" envDefault:"168h"`
}

// VerifierConfig holds configuration for the index readiness verifier.
type VerifierConfig struct {
	// ProbeLatencyThreshold marks a probe query as unindexed when it takes
	// longer than this, even if index metadata claims it is built.
	ProbeLatencyThreshold string `env:"VERIFIER_LATENCY_THRESHOLD" envDefault:"250ms"`

	// ProbeLimit bounds the probe query result size.
	ProbeLimit int64 `env:"VERIFIER_PROBE_LIMIT" envDefault:"20"`
}

// MonitorConfig holds configuration for health checking and auto-rollback.
type MonitorConfig struct {
	Interval string `env:"MONITOR_INTERVAL" envDefault:"30s"`

	// SampleSize is the number of recently touched documents re-read through
	// both normalization paths per check.
	SampleSize int64 `env:"MONITOR_SAMPLE_SIZE" envDefault:"25"`

	// ErrorRateThreshold and InconsistencyRateThreshold trigger automatic
	// rollback when crossed over the rolling window.
	ErrorRateThreshold         float64 `env:"MONITOR_ERROR_RATE_THRESHOLD" envDefault:"0.05"`
	InconsistencyRateThreshold float64 `env:"MONITOR_INCONSISTENCY_THRESHOLD" envDefault:"0.02"`

	// Window is the rolling observation window for the thresholds.
	Window string `env:"MONITOR_WINDOW" envDefault:"5m"`
}

// RegistryConfig holds configuration for the migration registry cache.
type RegistryConfig struct {
	// RefreshInterval bounds how stale a process's policy cache can get
	// without a Redis invalidation.
	RefreshInterval string `env:"REGISTRY_REFRESH_INTERVAL" envDefault:"10s"`
}

// RedisConfig holds the Redis connection settings used for policy-change
// fanout.
type RedisConfig struct {
	Host            string `env:"REDIS_HOST" envDefault:"localhost"`
	Port            string `env:"REDIS_PORT" envDefault:"6379"`
	Password        string `env:"REDIS_PASSWORD"`
	Database        int    `env:"REDIS_DATABASE" envDefault:"0"`
	MaxRetries      int    `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	PoolSize        int    `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns    int    `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	ConnMaxIdleTime string `env:"REDIS_CONN_MAX_IDLE_TIME" envDefault:"30m"`
	ConnMaxLifetime string `env:"REDIS_CONN_MAX_LIFETIME" envDefault:"1h"`
	EnableTLS       bool   `env:"REDIS_ENABLE_TLS" envDefault:"false"`

	// Channel is the pub/sub channel carrying policy invalidations.
	Channel string `env:"REDIS_POLICY_CHANNEL" envDefault:"migration:policy"`
}

// GetAddr returns the host:port address for the Redis client.
func (c *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// MigrationConfig holds all configuration for the migration module.
type MigrationConfig struct {
	MongoDBURI   string `env:"MONGODB_URI"`
	DatabaseName string `env:"MONGODB_DATABASE" envDefault:"tradeya"`

	// Environment names the deployment the verifier reports against.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Collections under migration, comma separated.
	Collections []string `env:"MIGRATION_COLLECTIONS" envSeparator:"," envDefault:"trades,conversations"`

	Executor ExecutorConfig
	Verifier VerifierConfig
	Monitor  MonitorConfig
	Registry RegistryConfig
	Redis    RedisConfig
}

// LoadConfig loads configuration from environment variables and applies
// defaults.
func LoadConfig() (*MigrationConfig, error) {
	cfg := &MigrationConfig{}

	if err := env.Parse(cfg); err != nil {
		return nil, errors.New("failed to load migration configuration from environment: " + err.Error())
	}
	if err := env.Parse(&cfg.Executor); err != nil {
		return nil, errors.New("failed to load executor configuration from environment: " + err.Error())
	}
	if err := env.Parse(&cfg.Verifier); err != nil {
		return nil, errors.New("failed to load verifier configuration from environment: " + err.Error())
	}
	if err := env.Parse(&cfg.Monitor); err != nil {
		return nil, errors.New("failed to load monitor configuration from environment: " + err.Error())
	}
	if err := env.Parse(&cfg.Registry); err != nil {
		return nil, errors.New("failed to load registry configuration from environment: " + err.Error())
	}
	if err := env.Parse(&cfg.Redis); err != nil {
		return nil, errors.New("failed to load redis configuration from environment: " + err.Error())
	}

	if cfg.MongoDBURI == "" {
		return nil, errors.New("MONGODB_URI environment variable is not set")
	}
	if cfg.Executor.BatchSize <= 0 {
		cfg.Executor.BatchSize = 500
	}
	if cfg.Executor.Workers <= 0 {
		cfg.Executor.Workers = 4
	}
	if len(cfg.Collections) == 0 {
		return nil, errors.New("MIGRATION_COLLECTIONS must name at least one collection")
	}
	for i, c := range cfg.Collections {
		cfg.Collections[i] = strings.TrimSpace(c)
	}

	return cfg, nil
}

// DefaultConfig returns a MigrationConfig with default values, useful for
// local development and tests.
func DefaultConfig() *MigrationConfig {
	return &MigrationConfig{
		MongoDBURI:   "mongodb://localhost:27017",
		DatabaseName: "tradeya",
		Environment:  "development",
		Collections:  []string{"trades", "conversations"},
		Executor: ExecutorConfig{
			BatchSize:                500,
			Workers:                  4,
			MaxRetries:               5,
			RetryBaseDelay:           "500ms",
			CleanupObservationWindow: "168h",
		},
		Verifier: VerifierConfig{
			ProbeLatencyThreshold: "250ms",
			ProbeLimit:            20,
		},
		Monitor: MonitorConfig{
			Interval:                   "30s",
			SampleSize:                 25,
			ErrorRateThreshold:         0.05,
			InconsistencyRateThreshold: 0.02,
			Window:                     "5m",
		},
		Registry: RegistryConfig{
			RefreshInterval: "10s",
		},
		Redis: RedisConfig{
			Host:            "localhost",
			Port:            "6379",
			Database:        0,
			MaxRetries:      3,
			PoolSize:        10,
			MinIdleConns:    2,
			ConnMaxIdleTime: "30m",
			ConnMaxLifetime: "1h",
			Channel:         "migration:policy",
		},
	}
}

// ParseDuration parses a duration string with a fallback applied when the
// value is empty or invalid.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
