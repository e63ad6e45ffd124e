package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xtxerr/collector/internal/errors"
)

// Evaler is the part of a Redis client the lock needs.
type Evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
}

// GoRedisEvaler implements Evaler on go-redis.
type GoRedisEvaler struct{ c *redis.Client }

// NewGoRedisEvaler connects lazily to addr, e.g. "127.0.0.1:6379".
func NewGoRedisEvaler(addr string) *GoRedisEvaler {
	return &GoRedisEvaler{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

// Close closes the client.
func (g *GoRedisEvaler) Close() error {
	return g.c.Close()
}

// acquireScript sets the key when free and refreshes it for the same owner.
// Returns 1 when held by ARGV[1] afterwards.
const acquireScript = `
local v = redis.call('GET', KEYS[1])
if v == false then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
elseif v == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`

// releaseScript deletes the key only when ARGV[1] holds it.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLock is a lock key with a PX lease.
type RedisLock struct {
	client Evaler
	key    string
	owner  string
	ttl    time.Duration
}

// NewRedisLock creates a lock named name with a fresh owner token.
func NewRedisLock(client Evaler, name string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client: client,
		key:    RedisLockKey(name),
		owner:  newOwner(),
		ttl:    defaultTTL(ttl),
	}
}

// RedisLockKey returns the key holding the lock name.
func RedisLockKey(name string) string { return "collector:lock:" + name }

func (l *RedisLock) TryLock(ctx context.Context) (bool, error) {
	res, err := l.client.Eval(ctx, acquireScript, []string{l.key}, l.owner, l.ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	return asInt(res) == 1, nil
}

func (l *RedisLock) Unlock(ctx context.Context) error {
	res, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if asInt(res) == 0 {
		return errors.ErrLockNotHeld
	}
	return nil
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
