// Package lock provides the advisory lock guarding storage-level cleanup
// duties across collector instances.
//
// Locks are non-blocking and re-entrant for their owner: TryLock by the
// current holder refreshes the lease. A lease older than its TTL may be taken
// over by another owner. Release is explicit.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/collector/internal/config"
	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/store"
)

// Locker is a named advisory lock.
type Locker interface {
	// TryLock acquires or refreshes the lock without blocking.
	TryLock(ctx context.Context) (bool, error)

	// Unlock releases the lock. It returns errors.ErrLockNotHeld when the
	// caller does not hold it.
	Unlock(ctx context.Context) error
}

// Factory creates named locks on one backend.
type Factory func(name string) Locker

// NewFactory returns the lock factory for the configured backend.
func NewFactory(cfg config.LockConfig, s *store.Store) (Factory, error) {
	switch cfg.Backend {
	case "", "db":
		return func(name string) Locker { return NewDBLock(s, name, cfg.TTL) }, nil
	case "redis":
		ev := NewGoRedisEvaler(cfg.RedisAddr)
		return func(name string) Locker { return NewRedisLock(ev, name, cfg.TTL) }, nil
	default:
		return nil, errors.NewInvalidConfig("lock.backend", cfg.Backend)
	}
}

func newOwner() string {
	return uuid.NewString()
}

func defaultTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return config.DefaultConfig().Lock.TTL
	}
	return ttl
}
