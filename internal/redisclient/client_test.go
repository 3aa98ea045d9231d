package redisclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, opts Options) (*Client, *miniredis.Miniredis) {
	t.Helper()

	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	c := New(rdb, opts)
	t.Cleanup(func() { _ = c.Close() })
	return c, m
}

func fastOptions() Options {
	return Options{LockTTL: time.Minute, LockWait: 30 * time.Millisecond, LockPoll: 5 * time.Millisecond}
}

func counting(value string, calls *int32) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		atomic.AddInt32(calls, 1)
		return value, nil
	}
}

func TestGetOrRegenerateRefreshesNearExpiry(t *testing.T) {
	c, m := newTestClient(t, fastOptions())
	ctx := context.Background()

	require.NoError(t, m.Set("k", `"stale"`))
	m.SetTTL("k", 10*time.Second)

	var calls int32
	got, err := GetOrRegenerate(ctx, c, "k", counting("fresh", &calls), 20*time.Second, 300*time.Second)

	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, 300*time.Second, m.TTL("k"))

	stored, err := m.Get("k")
	require.NoError(t, err)
	assert.Equal(t, `"fresh"`, stored)
	assert.False(t, m.Exists(lockKey("k")), "lock must be released")
}

func TestGetOrRegenerateKeepsFreshValue(t *testing.T) {
	c, m := newTestClient(t, fastOptions())

	require.NoError(t, m.Set("k", `"cached"`))
	m.SetTTL("k", 100*time.Second)

	var calls int32
	got, err := GetOrRegenerate(context.Background(), c, "k", counting("fresh", &calls), 20*time.Second, 300*time.Second)

	require.NoError(t, err)
	assert.Equal(t, "cached", got)
	assert.Zero(t, calls)
	assert.Equal(t, 100*time.Second, m.TTL("k"))
}

func TestGetOrRegenerateMissingKey(t *testing.T) {
	c, m := newTestClient(t, fastOptions())

	var calls int32
	got, err := GetOrRegenerate(context.Background(), c, "k", counting("fresh", &calls), 20*time.Second, 300*time.Second)

	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, 300*time.Second, m.TTL("k"))
}

func TestGetOrRegenerateNeverRefreshesPersistentKey(t *testing.T) {
	c, m := newTestClient(t, fastOptions())

	require.NoError(t, m.Set("k", `"pinned"`))

	var calls int32
	got, err := GetOrRegenerate(context.Background(), c, "k", counting("fresh", &calls), 20*time.Second, 300*time.Second)

	require.NoError(t, err)
	assert.Equal(t, "pinned", got)
	assert.Zero(t, calls)
}

func TestGetOrRegenerateContendedLockServesStale(t *testing.T) {
	c, m := newTestClient(t, fastOptions())

	require.NoError(t, m.Set("k", `"stale"`))
	m.SetTTL("k", 5*time.Second)
	require.NoError(t, m.Set(lockKey("k"), "someone-else"))

	var calls int32
	got, err := GetOrRegenerate(context.Background(), c, "k", counting("fresh", &calls), 20*time.Second, 300*time.Second)

	require.NoError(t, err)
	assert.Equal(t, "stale", got)
	assert.Zero(t, calls)
}

func TestGetOrRegenerateContendedMissBypassesCache(t *testing.T) {
	c, m := newTestClient(t, fastOptions())

	require.NoError(t, m.Set(lockKey("k"), "someone-else"))

	var calls int32
	got, err := GetOrRegenerate(context.Background(), c, "k", counting("direct", &calls), 20*time.Second, 300*time.Second)

	require.NoError(t, err)
	assert.Equal(t, "direct", got)
	assert.Equal(t, int32(1), calls)
	assert.False(t, m.Exists("k"), "direct reads are not cached")
}

func TestGetOrRegenerateGeneratorError(t *testing.T) {
	boom := errors.New("store down")
	failing := func(context.Context) (string, error) { return "", boom }

	t.Run("nothing cached", func(t *testing.T) {
		c, m := newTestClient(t, fastOptions())

		_, err := GetOrRegenerate(context.Background(), c, "k", failing, 20*time.Second, 300*time.Second)

		assert.ErrorIs(t, err, boom)
		assert.False(t, m.Exists("k"))
	})

	t.Run("stale value cached", func(t *testing.T) {
		c, m := newTestClient(t, fastOptions())
		require.NoError(t, m.Set("k", `"stale"`))
		m.SetTTL("k", 5*time.Second)

		got, err := GetOrRegenerate(context.Background(), c, "k", failing, 20*time.Second, 300*time.Second)

		require.NoError(t, err)
		assert.Equal(t, "stale", got)
	})
}

func TestGetOrRegenerateWithoutGenerator(t *testing.T) {
	c, _ := newTestClient(t, fastOptions())

	_, err := GetOrRegenerate[string](context.Background(), c, "k", nil, 20*time.Second, 300*time.Second)

	assert.ErrorIs(t, err, ErrMiss)
}

func TestGetOrRegenerateSingleRegeneration(t *testing.T) {
	c, m := newTestClient(t, Options{LockTTL: time.Minute, LockWait: 10 * time.Millisecond, LockPoll: 2 * time.Millisecond})

	require.NoError(t, m.Set("k", `"stale"`))
	m.SetTTL("k", 5*time.Second)

	var calls int32
	slow := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(100 * time.Millisecond)
		return "fresh", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := GetOrRegenerate(context.Background(), c, "k", slow, 20*time.Second, 300*time.Second)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls)
	for _, v := range results {
		assert.Contains(t, []string{"stale", "fresh"}, v)
	}
}

func TestBackendDownDegradesToMiss(t *testing.T) {
	c, m := newTestClient(t, fastOptions())
	m.Close()

	var calls int32
	got, err := GetOrRegenerate(context.Background(), c, "k", counting("direct", &calls), 20*time.Second, 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "direct", got)
	assert.Equal(t, int32(1), calls)

	var dst string
	assert.False(t, c.Get(context.Background(), "k", &dst))
	c.Set(context.Background(), "k", "v", time.Minute)
	c.Invalidate(context.Background(), "k")
}

func TestReleaseKeepsForeignLock(t *testing.T) {
	c, m := newTestClient(t, fastOptions())
	ctx := context.Background()

	release, ok := c.AcquireLock(ctx, "k")
	require.True(t, ok)

	// lock expired and was taken by another holder
	require.NoError(t, m.Set(lockKey("k"), "other-token"))
	release()

	held, err := m.Get(lockKey("k"))
	require.NoError(t, err)
	assert.Equal(t, "other-token", held)
}

func TestAcquireLockExpires(t *testing.T) {
	c, m := newTestClient(t, Options{LockTTL: 2 * time.Second, LockWait: 0, LockPoll: time.Millisecond})
	ctx := context.Background()

	_, ok := c.AcquireLock(ctx, "k")
	require.True(t, ok)

	_, ok = c.AcquireLock(ctx, "k")
	assert.False(t, ok)

	m.FastForward(3 * time.Second)
	release, ok := c.AcquireLock(ctx, "k")
	require.True(t, ok)
	release()
	assert.False(t, m.Exists(lockKey("k")))
}

func TestGetSetInvalidate(t *testing.T) {
	c, m := newTestClient(t, fastOptions())
	ctx := context.Background()

	type payload struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}

	c.Set(ctx, ProductKey(7), payload{ID: 7, Name: "mug"}, time.Minute)
	assert.Equal(t, time.Minute, m.TTL(ProductKey(7)))

	var got payload
	require.True(t, c.Get(ctx, ProductKey(7), &got))
	assert.Equal(t, payload{ID: 7, Name: "mug"}, got)

	c.Invalidate(ctx, ProductKey(7), UserCartKey(1))
	assert.False(t, c.Get(ctx, ProductKey(7), &got))

	ttl, err := c.TTL(ctx, ProductKey(7))
	require.NoError(t, err)
	assert.Equal(t, ttlMissing, ttl)
}

func TestInvalidateLockedWaitsForRegeneration(t *testing.T) {
	c, m := newTestClient(t, Options{LockTTL: time.Minute, LockWait: 2 * time.Second, LockPoll: 5 * time.Millisecond})
	ctx := context.Background()
	key := UserCartKey(7)

	loaded := make(chan struct{})
	proceed := make(chan struct{})
	regenerated := make(chan string, 1)
	go func() {
		v, _ := GetOrRegenerate(ctx, c, key, func(context.Context) (string, error) {
			close(loaded)
			<-proceed
			return "pre-commit cart", nil
		}, 20*time.Second, 300*time.Second)
		regenerated <- v
	}()
	<-loaded

	invalidated := make(chan struct{})
	go func() {
		c.InvalidateLocked(ctx, key)
		close(invalidated)
	}()

	select {
	case <-invalidated:
		t.Fatal("invalidation ran while the key was being regenerated")
	case <-time.After(50 * time.Millisecond):
	}

	close(proceed)
	assert.Equal(t, "pre-commit cart", <-regenerated)
	<-invalidated
	assert.False(t, m.Exists(key), "the regenerated value must not outlive the invalidation")
}

func TestInvalidateLockedDeletesWhenLockHeld(t *testing.T) {
	c, m := newTestClient(t, fastOptions())
	ctx := context.Background()

	c.Set(ctx, ProductKey(1), "mug", time.Minute)
	release, ok := c.AcquireLock(ctx, ProductKey(1))
	require.True(t, ok)
	defer release()

	c.InvalidateLocked(ctx, ProductKey(1), ProductKey(2))

	assert.False(t, m.Exists(ProductKey(1)))
}
