package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Redis key layout:
//
//	<prefix>lock:<key>   "<leaseID>|<token>|<holder>"  with PX expiry
//	<prefix>fence:<key>  INCR counter, never expires
const (
	lockKeyPart  = "lock:"
	fenceKeyPart = "fence:"
)

// acquireScript claims KEYS[1..n] (lock keys) all-or-nothing and bumps
// KEYS[n+1..2n] (fence counters). Returns the first key's new counter, or -1
// when any lock key exists.
var acquireScript = goredis.NewScript(`
local n = #KEYS / 2
for i = 1, n do
  if redis.call('EXISTS', KEYS[i]) == 1 then
    return -1
  end
end
local token = 0
for i = 1, n do
  local t = redis.call('INCR', KEYS[n + i])
  if i == 1 then token = t end
end
local value = ARGV[1] .. '|' .. token .. '|' .. ARGV[2]
for i = 1, n do
  redis.call('SET', KEYS[i], value, 'PX', ARGV[3])
end
return token
`)

// extendScript re-arms every key still carrying lease id ARGV[1]
var extendScript = goredis.NewScript(`
local prefix = ARGV[1] .. '|'
for i = 1, #KEYS do
  local v = redis.call('GET', KEYS[i])
  if not v or string.sub(v, 1, #prefix) ~= prefix then
    return 0
  end
end
for i = 1, #KEYS do
  redis.call('PEXPIRE', KEYS[i], ARGV[2])
end
return 1
`)

// releaseScript deletes every key still carrying lease id ARGV[1]
var releaseScript = goredis.NewScript(`
local prefix = ARGV[1] .. '|'
for i = 1, #KEYS do
  local v = redis.call('GET', KEYS[i])
  if not v or string.sub(v, 1, #prefix) ~= prefix then
    return 0
  end
end
for i = 1, #KEYS do
  redis.call('DEL', KEYS[i])
end
return 1
`)

// RedisBackend arbitrates leases through a shared Redis. Expiry is enforced
// by Redis itself (PX); ExpiresAt is computed from the local clock taken
// before the request, so it never overstates the lease.
type RedisBackend struct {
	client goredis.UniversalClient
	prefix string
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend wraps client. prefix namespaces every key, e.g. "controlplane:".
func NewRedisBackend(client goredis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) lockKey(key string) string  { return b.prefix + lockKeyPart + key }
func (b *RedisBackend) fenceKey(key string) string { return b.prefix + fenceKeyPart + key }

func (b *RedisBackend) lockKeys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = b.lockKey(k)
	}
	return out
}

// TryAcquire implements Backend
func (b *RedisBackend) TryAcquire(ctx context.Context, keys []string, holder string, ttl time.Duration) (Lease, error) {
	if err := validateRequest(keys, holder, ttl); err != nil {
		return Lease{}, err
	}

	redisKeys := make([]string, 0, 2*len(keys))
	redisKeys = append(redisKeys, b.lockKeys(keys)...)
	for _, k := range keys {
		redisKeys = append(redisKeys, b.fenceKey(k))
	}

	leaseID := uuid.NewString()
	start := time.Now()
	token, err := acquireScript.Run(ctx, b.client, redisKeys, leaseID, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return Lease{}, fmt.Errorf("lock/redis: acquire: %w", err)
	}
	if token < 0 {
		return Lease{}, ErrLockHeld
	}

	return Lease{
		Keys:      append([]string(nil), keys...),
		Holder:    holder,
		ID:        leaseID,
		Token:     uint64(token),
		ExpiresAt: start.Add(ttl),
	}, nil
}

// Extend implements Backend
func (b *RedisBackend) Extend(ctx context.Context, lease Lease, ttl time.Duration) (time.Time, error) {
	if ttl < time.Millisecond {
		return time.Time{}, ErrInvalidRequest
	}
	start := time.Now()
	ok, err := extendScript.Run(ctx, b.client, b.lockKeys(lease.Keys), lease.ID, ttl.Milliseconds()).Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("lock/redis: extend: %w", err)
	}
	if ok != 1 {
		return time.Time{}, ErrLockLost
	}
	return start.Add(ttl), nil
}

// Release implements Backend
func (b *RedisBackend) Release(ctx context.Context, lease Lease) error {
	ok, err := releaseScript.Run(ctx, b.client, b.lockKeys(lease.Keys), lease.ID).Int64()
	if err != nil {
		return fmt.Errorf("lock/redis: release: %w", err)
	}
	if ok != 1 {
		return ErrLockLost
	}
	return nil
}

// Inspect implements Backend. Keys of a multi-key lease are not recorded in
// Redis, so the returned Lease carries only key.
func (b *RedisBackend) Inspect(ctx context.Context, key string) (Lease, error) {
	pipe := b.client.Pipeline()
	getCmd := pipe.Get(ctx, b.lockKey(key))
	ttlCmd := pipe.PTTL(ctx, b.lockKey(key))
	start := time.Now()
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return Lease{}, fmt.Errorf("lock/redis: inspect: %w", err)
	}

	value, err := getCmd.Result()
	if errors.Is(err, goredis.Nil) {
		return Lease{}, ErrNotHeld
	}
	if err != nil {
		return Lease{}, fmt.Errorf("lock/redis: inspect: %w", err)
	}

	leaseID, token, holder, err := parseRedisValue(value)
	if err != nil {
		return Lease{}, err
	}
	ttl := ttlCmd.Val()
	if ttl <= 0 {
		return Lease{}, ErrNotHeld
	}

	return Lease{
		Keys:      []string{key},
		Holder:    holder,
		ID:        leaseID,
		Token:     token,
		ExpiresAt: start.Add(ttl),
	}, nil
}

func parseRedisValue(v string) (leaseID string, token uint64, holder string, err error) {
	parts := strings.SplitN(v, "|", 3)
	if len(parts) != 3 {
		return "", 0, "", fmt.Errorf("lock/redis: malformed lease value %q", v)
	}
	token, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", fmt.Errorf("lock/redis: malformed token in %q: %w", v, err)
	}
	return parts[0], token, parts[2], nil
}

// Ping implements Backend
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close implements Backend. The client is owned by the caller.
func (b *RedisBackend) Close() error {
	return nil
}
