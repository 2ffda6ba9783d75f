package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"order-fulfillment/internal/common/config"
)

// Cache is a read-through cache whose writes are ordered by a version the
// caller supplies. A Set older than the newest version already stored or
// invalidated for the key is dropped, so a slow reader cannot put back a
// value that a writer has since replaced.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value []byte, version int64, ttl time.Duration) error
	// Invalidate drops key and refuses later Sets older than version.
	Invalidate(ctx context.Context, key string, version int64) error
	GenerateKey(operation, key string) string
}

// versionTTL keeps the version floor well past any value TTL, so a reader
// that stalls longer than the value TTL still cannot write stale data.
const versionTTL = time.Hour

// KEYS[1] value, KEYS[2] version floor.
// ARGV[1] payload, ARGV[2] version, ARGV[3] value ttl ms, ARGV[4] floor ttl ms.
var setScript = redis.NewScript(`
local floor = tonumber(redis.call('GET', KEYS[2]) or '-1')
local v = tonumber(ARGV[2])
if v < floor then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[4])
return 1
`)

// KEYS[1] value, KEYS[2] version floor. ARGV[1] version, ARGV[2] floor ttl ms.
var invalidateScript = redis.NewScript(`
local floor = tonumber(redis.call('GET', KEYS[2]) or '-1')
local v = tonumber(ARGV[1])
if v > floor then
	floor = v
end
redis.call('SET', KEYS[2], floor, 'PX', ARGV[2])
redis.call('DEL', KEYS[1])
return floor
`)

func versionKey(key string) string { return key + ":v" }

type RedisCache struct {
	client      *redis.Client
	serviceName string
}

func NewRedisCache(cfg config.Redis, serviceName string) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		serviceName: serviceName,
	}
}

// Get reports a miss as ok=false with a nil error.
func (r *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, version int64, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache: ttl must be positive, got %s", ttl)
	}
	return setScript.Run(ctx, r.client, []string{key, versionKey(key)},
		value, version, ttl.Milliseconds(), versionTTL.Milliseconds()).Err()
}

func (r *RedisCache) Invalidate(ctx context.Context, key string, version int64) error {
	return invalidateScript.Run(ctx, r.client, []string{key, versionKey(key)},
		version, versionTTL.Milliseconds()).Err()
}

func (r *RedisCache) GenerateKey(operation, key string) string {
	return fmt.Sprintf("%s:%s:%s", r.serviceName, operation, key)
}

func (r *RedisCache) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisCache) Close() error { return r.client.Close() }

// Nop is used when no Redis address is configured: every Get misses.
type Nop struct{}

func (Nop) Get(context.Context, string) (string, bool, error) {
	return "", false, nil
}

func (Nop) Set(context.Context, string, []byte, int64, time.Duration) error {
	return nil
}

func (Nop) Invalidate(context.Context, string, int64) error {
	return nil
}

func (Nop) GenerateKey(operation, key string) string {
	return operation + ":" + key
}
