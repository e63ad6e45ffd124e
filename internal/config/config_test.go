package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ".diskspool", cfg.Spool.Dir)
	assert.Equal(t, 200000, cfg.Spool.MaxQueueSize)
	assert.Equal(t, 10000, cfg.Spool.MaxUncommittedCount)
	assert.Equal(t, 60*time.Second, cfg.Spool.MaxUncommittedAge)
	assert.Equal(t, 2*time.Hour, cfg.Spool.RecoveryCutoff)
	assert.Equal(t, 10, cfg.Spool.FanOutWorkers)
	assert.Equal(t, 1000, cfg.RollUp.FetchPageSize)
	assert.Equal(t, 7*24*time.Hour, cfg.Feed.Retention)
	assert.True(t, cfg.Ledger.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"empty spool dir", func(c *Config) { c.Spool.Dir = "" }, true},
		{"zero queue size", func(c *Config) { c.Spool.MaxQueueSize = 0 }, true},
		{"zero uncommitted count", func(c *Config) { c.Spool.MaxUncommittedCount = 0 }, true},
		{"bad sync mode", func(c *Config) { c.Spool.SyncMode = "always" }, true},
		{"bad compression", func(c *Config) { c.Spool.Compression = "lzf" }, true},
		{"s2 compression", func(c *Config) { c.Spool.Compression = "s2" }, false},
		{"zero fan-out workers", func(c *Config) { c.Spool.FanOutWorkers = 0 }, true},
		{"negative cutoff", func(c *Config) { c.Spool.RecoveryCutoff = -time.Second }, true},
		{"zero page size", func(c *Config) { c.RollUp.FetchPageSize = 0 }, true},
		{"zero page size with rollup disabled", func(c *Config) {
			c.RollUp.Enabled = false
			c.RollUp.FetchPageSize = 0
		}, false},
		{"zero feed retention", func(c *Config) { c.Feed.Retention = 0 }, true},
		{"unknown lock backend", func(c *Config) { c.Lock.Backend = "zookeeper" }, true},
		{"redis without addr", func(c *Config) { c.Lock.Backend = "redis" }, true},
		{"redis with addr", func(c *Config) {
			c.Lock.Backend = "redis"
			c.Lock.RedisAddr = "localhost:6379"
		}, false},
		{"negative ledger ttl", func(c *Config) {
			c.Ledger.Enabled = true
			c.Ledger.TTL = -time.Hour
		}, true},
		{"ledger in memory", func(c *Config) {
			c.Ledger.Enabled = true
			c.Ledger.InMemory = true
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collector.yaml")

	data := `
spool:
  dir: /tmp/spool
  max_uncommitted_count: 2
  max_uncommitted_age: 1s
  compression: zstd
rollup:
  streaming: false
feed:
  retention: 48h
lock:
  backend: redis
  redis_addr: localhost:6379
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/spool", cfg.Spool.Dir)
	assert.Equal(t, 2, cfg.Spool.MaxUncommittedCount)
	assert.Equal(t, time.Second, cfg.Spool.MaxUncommittedAge)
	assert.Equal(t, "zstd", cfg.Spool.Compression)
	assert.False(t, cfg.RollUp.Streaming)
	assert.Equal(t, 48*time.Hour, cfg.Feed.Retention)
	assert.Equal(t, "redis", cfg.Lock.Backend)

	// Untouched sections keep their defaults
	assert.Equal(t, 200000, cfg.Spool.MaxQueueSize)
	assert.Equal(t, "127.0.0.1:8089", cfg.Admin.Listen)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collector.yaml")

	require.NoError(t, os.WriteFile(path, []byte("spool:\n  fanout_workers: 0\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Spool.Dir = filepath.Join(dir, "spool")
	cfg.Spool.RemoteDir = filepath.Join(dir, "remote")
	cfg.Ledger.Enabled = true
	cfg.Ledger.Dir = filepath.Join(dir, "ledger")

	require.NoError(t, cfg.EnsureDirectories())

	for _, d := range []string{cfg.Spool.Dir, cfg.Spool.RemoteDir, cfg.Ledger.Dir} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestLedgerDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Spool.Dir = "/var/lib/collector/spool"
	assert.Equal(t, "/var/lib/collector/.ledger", cfg.LedgerDir())

	cfg.Ledger.Dir = "/data/ledger"
	assert.Equal(t, "/data/ledger", cfg.LedgerDir())
}
