package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/collector/internal/config"
	"github.com/xtxerr/collector/internal/errors"
	"github.com/xtxerr/collector/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.New(store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testLocker(t *testing.T, a, b Locker) {
	t.Helper()
	ctx := context.Background()

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "first acquisition")

	ok, err = a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "re-entrant")

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "held by another owner")

	assert.ErrorIs(t, b.Unlock(ctx), errors.ErrLockNotHeld)

	require.NoError(t, a.Unlock(ctx))
	assert.ErrorIs(t, a.Unlock(ctx), errors.ErrLockNotHeld)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "released lock is free")
}

func TestDBLock(t *testing.T) {
	s := newTestStore(t)
	testLocker(t,
		NewDBLock(s, "feed-event-deletion", time.Minute),
		NewDBLock(s, "feed-event-deletion", time.Minute))
}

func TestDBLock_IndependentNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := NewDBLock(s, "a", time.Minute).TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = NewDBLock(s, "b", time.Minute).TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDBLock_ExpiredTakeover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	holder := NewDBLock(s, "cleanup", 10*time.Minute)
	ok, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	other := NewDBLock(s, "cleanup", 10*time.Minute)
	other.now = func() time.Time { return time.Now().Add(time.Hour) }

	ok, err = other.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, holder.Unlock(ctx), errors.ErrLockNotHeld)
}

// fakeRedis evaluates the lock scripts against a map.
type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]string
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.keys == nil {
		f.keys = make(map[string]string)
	}
	owner := args[0].(string)
	v, held := f.keys[keys[0]]

	switch script {
	case acquireScript:
		if !held || v == owner {
			f.keys[keys[0]] = owner
			return int64(1), nil
		}
		return int64(0), nil
	case releaseScript:
		if held && v == owner {
			delete(f.keys, keys[0])
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, errors.New("unknown script")
}

func TestRedisLock(t *testing.T) {
	r := &fakeRedis{}
	testLocker(t,
		NewRedisLock(r, "feed-event-deletion", time.Minute),
		NewRedisLock(r, "feed-event-deletion", time.Minute))

	assert.Contains(t, r.keys, RedisLockKey("feed-event-deletion"))
}

func TestNewFactory(t *testing.T) {
	s := newTestStore(t)

	f, err := NewFactory(config.LockConfig{Backend: "db", TTL: time.Minute}, s)
	require.NoError(t, err)
	assert.IsType(t, &DBLock{}, f("x"))

	f, err = NewFactory(config.LockConfig{Backend: "redis", RedisAddr: "127.0.0.1:6379", TTL: time.Minute}, s)
	require.NoError(t, err)
	assert.IsType(t, &RedisLock{}, f("x"))

	_, err = NewFactory(config.LockConfig{Backend: "zookeeper"}, s)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}
