package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Spool.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("spool: %w", err))
	}

	if err := c.RollUp.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rollup: %w", err))
	}

	if err := c.Feed.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("feed: %w", err))
	}

	if err := c.Lock.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("lock: %w", err))
	}

	if c.Ledger.Enabled && c.Ledger.TTL < 0 {
		errs = append(errs, errors.New("ledger: ttl must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the spool configuration.
func (c *SpoolConfig) Validate() error {
	var errs []error

	if c.Dir == "" {
		errs = append(errs, errors.New("dir is required"))
	}

	if c.MaxQueueSize <= 0 {
		errs = append(errs, errors.New("max_queue_size must be positive"))
	}

	if c.MaxUncommittedCount <= 0 {
		errs = append(errs, errors.New("max_uncommitted_count must be positive"))
	}

	if c.MaxUncommittedAge <= 0 {
		errs = append(errs, errors.New("max_uncommitted_age must be positive"))
	}

	validSyncModes := map[string]bool{
		"none":  true,
		"flush": true,
		"sync":  true,
		"":      true, // Empty defaults to none
	}
	if !validSyncModes[c.SyncMode] {
		errs = append(errs, errors.New("sync_mode must be one of: none, flush, sync"))
	}

	validCompression := map[string]bool{
		"none": true,
		"zstd": true,
		"s2":   true,
		"":     true,
	}
	if !validCompression[c.Compression] {
		errs = append(errs, errors.New("compression must be one of: none, zstd, s2"))
	}

	if c.RecoveryCutoff < 0 {
		errs = append(errs, errors.New("recovery_cutoff must not be negative"))
	}

	if c.FanOutWorkers <= 0 {
		errs = append(errs, errors.New("fanout_workers must be positive"))
	}

	if c.ShutdownWait <= 0 || c.DrainWait <= 0 {
		errs = append(errs, errors.New("shutdown_wait and drain_wait must be positive"))
	}

	if c.LeftBelowRetries < 0 || c.LeftBelowSleep < 0 {
		errs = append(errs, errors.New("left_below_retries and left_below_sleep must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the roll-up configuration.
func (c *RollUpConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}

	if c.FetchPageSize <= 0 {
		errs = append(errs, errors.New("fetch_page_size must be positive"))
	}

	if c.Retention < 0 {
		errs = append(errs, errors.New("retention must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the feed configuration.
func (c *FeedConfig) Validate() error {
	var errs []error

	if c.Retention <= 0 {
		errs = append(errs, errors.New("retention must be positive"))
	}

	if c.CleanupInterval <= 0 {
		errs = append(errs, errors.New("cleanup_interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the lock configuration.
func (c *LockConfig) Validate() error {
	switch c.Backend {
	case "db", "":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("backend must be one of: db, redis (got %q)", c.Backend)
	}

	if c.TTL <= 0 {
		return errors.New("ttl must be positive")
	}
	return nil
}

// EnsureDirectories creates the spool and remote roots.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Spool.Dir}
	if c.Spool.RemoteDir != "" {
		dirs = append(dirs, c.Spool.RemoteDir)
	}
	if c.Ledger.Enabled && !c.Ledger.InMemory {
		dirs = append(dirs, c.LedgerDir())
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// LedgerDir returns the ledger directory, defaulting to a sibling of the spool root.
func (c *Config) LedgerDir() string {
	if c.Ledger.Dir != "" {
		return c.Ledger.Dir
	}
	return filepath.Join(filepath.Dir(filepath.Clean(c.Spool.Dir)), ".ledger")
}
