// Package config holds the collector configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete collector configuration.
type Config struct {
	// Spool configures local buffering, spooling and promotion.
	Spool SpoolConfig `yaml:"spool"`

	// Database configures the DuckDB storage handle.
	Database DatabaseConfig `yaml:"database"`

	// RollUp configures the counter roll-up job.
	RollUp RollUpConfig `yaml:"rollup"`

	// Feed configures feed event retention.
	Feed FeedConfig `yaml:"feed"`

	// Lock configures the advisory lock used by cleanup jobs.
	Lock LockConfig `yaml:"lock"`

	// Ledger configures the processed-file ledger.
	Ledger LedgerConfig `yaml:"ledger"`

	// Archive configures the Parquet archive processor.
	Archive ArchiveConfig `yaml:"archive"`

	// Admin configures the operational HTTP surface.
	Admin AdminConfig `yaml:"admin"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// SpoolConfig configures the per-category queues and the disk spool.
type SpoolConfig struct {
	// Dir is the local spool root. One sub-directory per category.
	Dir string `yaml:"dir"`

	// MaxQueueSize is the capacity of each category's in-memory queue.
	MaxQueueSize int `yaml:"max_queue_size"`

	// MaxUncommittedCount promotes a spool file after this many writes.
	MaxUncommittedCount int `yaml:"max_uncommitted_count"`

	// MaxUncommittedAge promotes a spool file once its first write is this old.
	MaxUncommittedAge time.Duration `yaml:"max_uncommitted_age"`

	// FlushEnabled controls whether closed spool files are handed to processors.
	FlushEnabled bool `yaml:"flush_enabled"`

	// FlushInterval is how often pending spool files are retried.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// SyncMode is the sync mode: none, flush, sync.
	SyncMode string `yaml:"sync_mode"`

	// SyncBatchSize is the number of writes between syncs.
	SyncBatchSize int `yaml:"sync_batch_size"`

	// Compression is the spool file codec: none, zstd, s2.
	Compression string `yaml:"compression"`

	// RecoveryCutoff is how old a spool directory must be before recovery touches it.
	RecoveryCutoff time.Duration `yaml:"recovery_cutoff"`

	// FanOutWorkers bounds concurrent processor invocations across all categories.
	FanOutWorkers int `yaml:"fanout_workers"`

	// ShutdownWait bounds the wait for in-flight fan-out tasks on close.
	ShutdownWait time.Duration `yaml:"shutdown_wait"`

	// DrainWait bounds the wait for a drain goroutine on queue close.
	DrainWait time.Duration `yaml:"drain_wait"`

	// LeftBelowRetries and LeftBelowSleep bound the final wait for local files on close.
	LeftBelowRetries int           `yaml:"left_below_retries"`
	LeftBelowSleep   time.Duration `yaml:"left_below_sleep"`

	// RemoteDir is the root of the remote store promoted files are archived to.
	RemoteDir string `yaml:"remote_dir"`
}

// DatabaseConfig configures the DuckDB handle.
type DatabaseConfig struct {
	// DSN is the DuckDB database path. Empty means in-memory.
	DSN string `yaml:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// RollUpConfig configures the counter roll-up job.
type RollUpConfig struct {
	Enabled bool `yaml:"enabled"`

	// Interval between roll-up passes over all subscriptions.
	Interval time.Duration `yaml:"interval"`

	// FetchPageSize is the page size of the paged strategy.
	FetchPageSize int `yaml:"fetch_page_size"`

	// Streaming selects the cursor strategy instead of the paged one.
	Streaming bool `yaml:"streaming"`

	// SubscriptionCacheTTL is how long resolved subscriptions are cached.
	SubscriptionCacheTTL time.Duration `yaml:"subscription_cache_ttl"`

	// Retention deletes roll-ups older than this. Zero keeps them forever.
	Retention time.Duration `yaml:"retention"`
}

// FeedConfig configures feed event retention.
type FeedConfig struct {
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LockConfig configures the advisory lock backend.
type LockConfig struct {
	// Backend is db or redis.
	Backend   string        `yaml:"backend"`
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

// LedgerConfig configures the Badger processed-file ledger.
type LedgerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`
	InMemory bool          `yaml:"in_memory"`
	TTL      time.Duration `yaml:"ttl"`
}

// ArchiveConfig configures the Parquet archive processor.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`

	// Compression is the Parquet codec: none, snappy, zstd, gzip, lz4.
	Compression string `yaml:"compression"`
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Spool: SpoolConfig{
			Dir:                 ".diskspool",
			MaxQueueSize:        200000,
			MaxUncommittedCount: 10000,
			MaxUncommittedAge:   60 * time.Second,
			FlushEnabled:        true,
			FlushInterval:       30 * time.Second,
			SyncMode:            "none",
			SyncBatchSize:       50,
			Compression:         "none",
			RecoveryCutoff:      2 * time.Hour,
			FanOutWorkers:       10,
			ShutdownWait:        5 * time.Second,
			DrainWait:           5 * time.Second,
			LeftBelowRetries:    10,
			LeftBelowSleep:      5 * time.Second,
			RemoteDir:           "/var/tmp/collector/remote",
		},
		Database: DatabaseConfig{
			DSN:             "collector.duckdb",
			MaxOpenConns:    8,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		RollUp: RollUpConfig{
			Enabled:              true,
			Interval:             time.Hour,
			FetchPageSize:        1000,
			Streaming:            true,
			SubscriptionCacheTTL: time.Minute,
		},
		Feed: FeedConfig{
			Retention:       7 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Lock: LockConfig{
			Backend: "db",
			TTL:     10 * time.Minute,
		},
		Ledger: LedgerConfig{
			Enabled: true,
			TTL:     7 * 24 * time.Hour,
		},
		Archive: ArchiveConfig{
			Enabled:     true,
			Compression: "zstd",
		},
		Admin: AdminConfig{
			Listen: "127.0.0.1:8089",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
