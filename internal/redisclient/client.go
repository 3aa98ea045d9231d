package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storefront/internal/util"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

// ErrMiss is returned by GetOrRegenerate when nothing is cached and no
// generator was given
var ErrMiss = errors.New("cache miss")

// TTL replies for a missing key and for a key without expiry
const (
	ttlMissing  = time.Duration(-2)
	ttlNoExpiry = time.Duration(-1)
)

// Options tunes the per-key regeneration lock
type Options struct {
	LockTTL  time.Duration
	LockWait time.Duration
	LockPoll time.Duration
}

// DefaultOptions returns the lock settings used when none are configured
func DefaultOptions() Options {
	return Options{
		LockTTL:  60 * time.Second,
		LockWait: 100 * time.Millisecond,
		LockPoll: 20 * time.Millisecond,
	}
}

// Client is an advisory cache over Redis. Backend failures are logged and
// reported as misses; no method returns a backend error to request paths.
type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	opts          Options
	logger        *zap.Logger
}

// NewClient creates a cache client for the given Redis server. The
// connection is not checked; see Ping.
func NewClient(addr, password string, db int, opts Options) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	return New(rdb, opts)
}

// New wraps an existing Redis client
func New(rdb *redis.Client, opts Options) *Client {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultOptions().LockTTL
	}
	if opts.LockPoll <= 0 {
		opts.LockPoll = DefaultOptions().LockPoll
	}
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		opts:          opts,
		logger:        util.Named("cache"),
	}
}

// Ping checks that the backend answers
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Get decodes the cached value of key into dst and reports whether it was found
func (c *Client) Get(ctx context.Context, key string, dst interface{}) bool {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		util.CacheRequestsTotal.WithLabelValues("miss").Inc()
		return false
	}
	if err != nil {
		c.fail("get", key, err)
		util.CacheRequestsTotal.WithLabelValues("miss").Inc()
		return false
	}

	if err := json.Unmarshal(data, dst); err != nil {
		c.fail("decode", key, err)
		util.CacheRequestsTotal.WithLabelValues("miss").Inc()
		return false
	}

	util.CacheRequestsTotal.WithLabelValues("hit").Inc()
	return true
}

// Set stores value under key. A zero ttl keeps the entry until invalidated.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.fail("encode", key, err)
		return
	}

	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		c.fail("set", key, err)
	}
}

// Invalidate deletes the given keys
func (c *Client) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.fail("invalidate", keys[0], err)
	}
}

// InvalidateLocked deletes each key while holding its regeneration lock. A
// regeneration that read the store before a write then lands before the
// delete instead of after it. Keys whose lock cannot be taken in time are
// deleted anyway.
func (c *Client) InvalidateLocked(ctx context.Context, keys ...string) {
	for _, key := range keys {
		release, ok := c.AcquireLock(ctx, key)
		if !ok {
			c.logger.Warn("Invalidating without the regeneration lock", zap.String("key", key))
		}
		c.Invalidate(ctx, key)
		if ok {
			release()
		}
	}
}

// TTL returns the remaining lifetime of key: -2 when absent, -1 when it never expires
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.TTL(ctx, key).Result()
}

// Expire resets the lifetime of key and reports whether the key exists
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := c.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		c.fail("expire", key, err)
		return false
	}
	return ok
}

// AcquireLock takes the regeneration lock of key, polling until
// Options.LockWait has elapsed. The lock expires on its own after
// Options.LockTTL; release only deletes it while the token still matches.
func (c *Client) AcquireLock(ctx context.Context, key string) (release func(), ok bool) {
	token := uuid.NewString()
	lk := lockKey(key)
	deadline := time.Now().Add(c.opts.LockWait)

	for {
		acquired, err := c.rdb.SetNX(ctx, lk, token, c.opts.LockTTL).Result()
		if err != nil {
			c.fail("lock", key, err)
			return nil, false
		}
		if acquired {
			return func() { c.releaseLock(ctx, lk, token) }, true
		}

		if !time.Now().Before(deadline) {
			util.CacheLockContendedTotal.Inc()
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(c.opts.LockPoll):
		}
	}
}

func (c *Client) releaseLock(ctx context.Context, lk, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()

	if err := c.releaseScript.Run(ctx, c.rdb, []string{lk}, token).Err(); err != nil && err != redis.Nil {
		c.fail("unlock", lk, err)
	}
}

func (c *Client) fail(op, key string, err error) {
	util.CacheErrorsTotal.WithLabelValues(op).Inc()
	c.logger.Warn("Cache operation failed, treating as miss",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Error(err))
}

// GetOrRegenerate reads key through the cache. With a generator, the first
// caller to take the key lock regenerates the value when the key is absent
// or has at most regenThreshold left to live, and stores it for ttl. Callers
// that cannot take the lock in time get the cached value, or a direct
// uncached generator call when nothing is cached.
func GetOrRegenerate[T any](
	ctx context.Context,
	c *Client,
	key string,
	generate func(context.Context) (T, error),
	regenThreshold, ttl time.Duration,
) (T, error) {
	var genErr error

	if generate != nil {
		if release, ok := c.AcquireLock(ctx, key); ok {
			value, regenerated, err := regenerateIfStale(ctx, c, key, generate, regenThreshold, ttl)
			release()
			if regenerated {
				return value, nil
			}
			genErr = err
		}
	}

	var cached T
	if c.Get(ctx, key, &cached) {
		if genErr != nil {
			c.logger.Warn("Regeneration failed, serving cached value", zap.String("key", key), zap.Error(genErr))
		}
		return cached, nil
	}

	if generate == nil {
		var zero T
		return zero, ErrMiss
	}
	if genErr != nil {
		var zero T
		return zero, genErr
	}
	return generate(ctx)
}

func regenerateIfStale[T any](
	ctx context.Context,
	c *Client,
	key string,
	generate func(context.Context) (T, error),
	regenThreshold, ttl time.Duration,
) (T, bool, error) {
	var zero T

	remaining, err := c.TTL(ctx, key)
	if err != nil {
		c.fail("ttl", key, err)
		return zero, false, nil
	}
	if remaining == ttlNoExpiry || (remaining != ttlMissing && remaining > regenThreshold) {
		return zero, false, nil
	}

	value, err := generate(ctx)
	if err != nil {
		return zero, false, err
	}

	util.CacheRegenerationsTotal.Inc()
	c.Set(ctx, key, value, ttl)
	return value, true, nil
}
