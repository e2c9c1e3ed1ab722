package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still carries our token.
// Returns 1 when deleted, 0 when missing, -1 when owned by someone else.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
  return 0
end
if v == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return -1
`)

// RedisLocker is a Locker shared by every replica pointed at the same Redis.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

var _ Locker = (*RedisLocker)(nil)

// RedisOptions configures NewRedisLocker.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key. Defaults to "fhir-scheduling:lock:".
	Prefix string
}

// NewRedisLocker connects to Redis. The connection is lazy; use Ping to check it.
func NewRedisLocker(opts RedisOptions) *RedisLocker {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisLockerWithClient(client, opts.Prefix)
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "fhir-scheduling:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// TryLock implements Locker with SET NX PX.
func (r *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Unlock implements Locker.
func (r *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	res, err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if res < 0 {
		return ErrNotOwner
	}
	return nil
}

// Ping checks connectivity; used by the readiness check.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}
