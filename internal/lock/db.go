package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/logging"
	"github.com/xtxerr/collector/internal/store"
)

// DBLock is a lock row in the advisory_locks table.
type DBLock struct {
	store *store.Store
	name  string
	owner string
	ttl   time.Duration
	now   func() time.Time

	logger *slog.Logger
}

// NewDBLock creates a lock named name with a fresh owner token.
func NewDBLock(s *store.Store, name string, ttl time.Duration) *DBLock {
	return &DBLock{
		store:  s,
		name:   name,
		owner:  newOwner(),
		ttl:    defaultTTL(ttl),
		now:    time.Now,
		logger: logging.Component("lock").With("lock", name),
	}
}

// TryLock inserts the lock row, or takes it over when this owner already
// holds it or the holder's lease expired.
func (l *DBLock) TryLock(ctx context.Context) (bool, error) {
	now := l.now().UTC()

	res, err := l.store.ExecContext(ctx, `
		INSERT INTO advisory_locks (name, owner, acquired_at)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, l.name, l.owner, now)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.name, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		l.logger.Debug("lock acquired")
		return true, nil
	}

	res, err = l.store.ExecContext(ctx, `
		UPDATE advisory_locks
		SET owner = ?, acquired_at = ?
		WHERE name = ? AND (owner = ? OR acquired_at < ?)
	`, l.owner, now, l.name, l.owner, now.Add(-l.ttl))
	if err != nil {
		return false, fmt.Errorf("refresh lock %s: %w", l.name, err)
	}

	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Unlock deletes the lock row if this owner holds it.
func (l *DBLock) Unlock(ctx context.Context) error {
	res, err := l.store.ExecContext(ctx,
		`DELETE FROM advisory_locks WHERE name = ? AND owner = ?`, l.name, l.owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrLockNotHeld
	}

	l.logger.Debug("lock released")
	return nil
}

// Name returns the lock name.
func (l *DBLock) Name() string { return l.name }
