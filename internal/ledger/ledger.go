// Package ledger records which spool files each processor already consumed,
// so a recovery sweep re-running a file skips the processors that succeeded
// on it before.
package ledger

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/xtxerr/collector/internal/config"
	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/logging"
)

const keyPrefix = "processed/"

// Config holds ledger configuration.
type Config struct {
	// Dir holds the database files. Ignored in memory.
	Dir string

	// InMemory keeps the ledger in memory only (tests).
	InMemory bool

	// TTL is how long an entry is remembered.
	TTL time.Duration
}

// ConfigFrom converts the ledger section of the application config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Dir:      c.LedgerDir(),
		InMemory: c.Ledger.InMemory,
		TTL:      c.Ledger.TTL,
	}
}

// Ledger is a Badger-backed set of processed keys with expiry.
//
// Ledger is safe for concurrent use.
type Ledger struct {
	db  *badger.DB
	ttl time.Duration
}

// Open opens or creates the ledger.
func Open(cfg Config) (*Ledger, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	opts = opts.
		WithNumVersionsToKeep(1).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(16 << 20).
		WithNumCompactors(2).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = config.DefaultConfig().Ledger.TTL
	}

	logging.Component("ledger").Info("ledger opened", "dir", cfg.Dir, "in_memory", cfg.InMemory, "ttl", ttl)

	return &Ledger{db: db, ttl: ttl}, nil
}

// Seen reports whether key was marked and has not expired.
func (l *Ledger) Seen(key string) (bool, error) {
	err := l.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(keyPrefix + key))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
}

// Mark records key.
func (l *Ledger) Mark(key string) error {
	err := l.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(keyPrefix+key), []byte(time.Now().UTC().Format(time.RFC3339))).WithTTL(l.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("ledger mark: %w", err)
	}
	return nil
}

// Close flushes and closes the ledger. Closing a nil ledger is a no-op.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}
