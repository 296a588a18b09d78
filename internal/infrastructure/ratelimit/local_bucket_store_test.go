package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/internal/infrastructure/ratelimit"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLocalStore(t *testing.T, cfg ratelimit.LocalStoreConfig, clock *fakeClock) *ratelimit.LocalBucketStore {
	t.Helper()
	return ratelimit.NewLocalBucketStore(cfg, logger.NewNoopLogger(), ratelimit.WithLocalClock(clock.Now))
}

func TestLocalBucketStore_ScalesLimits(t *testing.T) {
	clock := newFakeClock()
	store := newLocalStore(t, ratelimit.LocalStoreConfig{FallbackFactor: 0.5}, clock)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 10; i++ {
		res, err := store.TryConsume(ctx, "k", []models.BandwidthDef{smooth(10, 60)}, 1)
		require.NoError(t, err)
		if res.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)

	stats := store.Inspect("k")
	require.Len(t, stats, 1)
	assert.Equal(t, int64(5), stats[0].Capacity)
}

func TestLocalBucketStore_ScaledLimitNeverBelowOne(t *testing.T) {
	clock := newFakeClock()
	store := newLocalStore(t, ratelimit.LocalStoreConfig{FallbackFactor: 0.1}, clock)

	res, err := store.TryConsume(context.Background(), "k", []models.BandwidthDef{smooth(3, 60)}, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(0), res.RemainingTokens)

	res, err = store.TryConsume(context.Background(), "k", []models.BandwidthDef{smooth(3, 60)}, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestLocalBucketStore_ConcurrentExclusivity(t *testing.T) {
	clock := newFakeClock()
	store := newLocalStore(t, ratelimit.LocalStoreConfig{FallbackFactor: 1}, clock)
	bws := []models.BandwidthDef{smooth(10, 60)}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.TryConsume(context.Background(), "fresh", bws, 1)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
	assert.Equal(t, 1, store.Size())
}

func TestLocalBucketStore_CleanupAndReset(t *testing.T) {
	clock := newFakeClock()
	store := newLocalStore(t, ratelimit.LocalStoreConfig{FallbackFactor: 1, MaxIdle: time.Minute}, clock)
	ctx := context.Background()
	bws := []models.BandwidthDef{smooth(1, 60)}

	_, err := store.TryConsume(ctx, "a", bws, 1)
	require.NoError(t, err)
	res, err := store.TryConsume(ctx, "a", bws, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	store.Reset("a")
	res, err = store.TryConsume(ctx, "a", bws, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "reset starts a full bucket")

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, store.Cleanup())
	assert.Equal(t, 0, store.Size())
	assert.Nil(t, store.Inspect("a"))
}

func TestLocalBucketStore_MaxBuckets(t *testing.T) {
	clock := newFakeClock()
	store := newLocalStore(t, ratelimit.LocalStoreConfig{FallbackFactor: 1, MaxBuckets: 3}, clock)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		_, err := store.TryConsume(context.Background(), k, []models.BandwidthDef{smooth(1, 60)}, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, store.Size())
}

func TestLocalBucketStore_RejectsEmptyBandwidths(t *testing.T) {
	store := newLocalStore(t, ratelimit.LocalStoreConfig{}, newFakeClock())
	_, err := store.TryConsume(context.Background(), "k", nil, 1)
	assert.Error(t, err)
}

func TestLocalBucketStore_RunJanitorStopsOnCancel(t *testing.T) {
	store := ratelimit.NewLocalBucketStore(ratelimit.LocalStoreConfig{CleanupInterval: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.RunJanitor(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
