package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/internal/infrastructure/ratelimit"
	"github.com/turtacn/ratelimit-gateway/pkg/errors"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

func setupRedisStore(t *testing.T, clock *fakeClock) (*ratelimit.RedisBucketStore, *miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := ratelimit.NewRedisBucketStore(client, 24*time.Hour, logger.NewNoopLogger(),
		ratelimit.WithRedisClock(clock.Now))
	require.NoError(t, err)
	return store, mr, client
}

func TestRedisBucketStore_CountsDown(t *testing.T) {
	clock := newFakeClock()
	store, mr, _ := setupRedisStore(t, clock)
	ctx := context.Background()
	bws := []models.BandwidthDef{smooth(5, 60)}

	for want := int64(4); want >= 0; want-- {
		res, err := store.TryConsume(ctx, "ratelimit:default:key:abc:POST:/api/v1/users", bws, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, want, res.RemainingTokens)
		if want > 0 {
			assert.Zero(t, res.NanosToReset)
		} else {
			assert.Equal(t, int64(12*time.Second), res.NanosToReset)
		}
	}

	res, err := store.TryConsume(ctx, "ratelimit:default:key:abc:POST:/api/v1/users", bws, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.RemainingTokens)
	assert.Equal(t, 12*time.Second, res.WaitDuration())
	assert.Equal(t, int64(12*time.Second), res.NanosToReset)

	ttl := mr.TTL("ratelimit:default:key:abc:POST:/api/v1/users")
	assert.Equal(t, 24*time.Hour, ttl)
}

func TestRedisBucketStore_RefillUsesClock(t *testing.T) {
	clock := newFakeClock()
	store, _, _ := setupRedisStore(t, clock)
	ctx := context.Background()
	bws := []models.BandwidthDef{smooth(2, 10)}

	for i := 0; i < 2; i++ {
		res, err := store.TryConsume(ctx, "k", bws, 1)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := store.TryConsume(ctx, "k", bws, 1)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	clock.Advance(5 * time.Second)
	res, err = store.TryConsume(ctx, "k", bws, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisBucketStore_IntervalAndMultipleBandwidths(t *testing.T) {
	clock := newFakeClock()
	store, _, _ := setupRedisStore(t, clock)
	ctx := context.Background()
	bws := []models.BandwidthDef{smooth(100, 3600), interval(2, 10)}

	for i := 0; i < 2; i++ {
		res, err := store.TryConsume(ctx, "multi", bws, 1)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := store.TryConsume(ctx, "multi", bws, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 10*time.Second, res.WaitDuration())

	snap, err := store.Inspect(ctx, "multi")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Windows, 2)
	assert.InDelta(t, 98, snap.Windows[0].Tokens, 0.001, "blocked request must not charge any window")
	assert.InDelta(t, 0, snap.Windows[1].Tokens, 0.001)

	clock.Advance(10 * time.Second)
	res, err = store.TryConsume(ctx, "multi", bws, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.RemainingTokens)
}

func TestRedisBucketStore_CostAboveOne(t *testing.T) {
	clock := newFakeClock()
	store, _, _ := setupRedisStore(t, clock)
	ctx := context.Background()
	bws := []models.BandwidthDef{smooth(10, 60)}

	res, err := store.TryConsume(ctx, "cost", bws, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.RemainingTokens)
	res, err = store.TryConsume(ctx, "cost", bws, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RemainingTokens)
	res, err = store.TryConsume(ctx, "cost", bws, 4)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(2), res.RemainingTokens)
}

func TestRedisBucketStore_ConcurrentExclusivity(t *testing.T) {
	clock := newFakeClock()
	store, _, _ := setupRedisStore(t, clock)
	bws := []models.BandwidthDef{smooth(10, 3600)}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.TryConsume(context.Background(), "race", bws, 1)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), allowed.Load())
}

func TestRedisBucketStore_ReloadsFlushedScript(t *testing.T) {
	clock := newFakeClock()
	store, _, client := setupRedisStore(t, clock)
	ctx := context.Background()
	bws := []models.BandwidthDef{smooth(5, 60)}

	_, err := store.TryConsume(ctx, "k", bws, 1)
	require.NoError(t, err)
	require.NoError(t, client.ScriptFlush(ctx).Err())

	res, err := store.TryConsume(ctx, "k", bws, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RemainingTokens)
}

func TestRedisBucketStore_InspectAndReset(t *testing.T) {
	clock := newFakeClock()
	store, mr, _ := setupRedisStore(t, clock)
	ctx := context.Background()

	snap, err := store.Inspect(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, snap)

	_, err = store.TryConsume(ctx, "k", []models.BandwidthDef{smooth(5, 60)}, 2)
	require.NoError(t, err)
	snap, err = store.Inspect(ctx, "k")
	require.NoError(t, err)
	require.Len(t, snap.Windows, 1)
	assert.InDelta(t, 3, snap.Windows[0].Tokens, 0.001)
	assert.Equal(t, epoch.UnixMilli(), snap.Windows[0].LastRefill.UnixMilli())

	require.NoError(t, store.Reset(ctx, "k"))
	assert.False(t, mr.Exists("k"))
}

func TestRedisBucketStore_FailureIsStoreUnavailable(t *testing.T) {
	clock := newFakeClock()
	store, mr, _ := setupRedisStore(t, clock)
	mr.Close()

	res, err := store.TryConsume(context.Background(), "k", []models.BandwidthDef{smooth(5, 60)}, 1)
	assert.Nil(t, res, "a failing store must never report an allowed result")
	require.Error(t, err)
	assert.True(t, errors.IsStoreUnavailable(err))

	rl, ok := errors.AsRLError(err)
	require.True(t, ok)
	assert.Equal(t, false, rl.Metadata()[ratelimit.MetadataCommandSent], "a refused dial never sent the command")
}

func TestNewRedisBucketStore_Validation(t *testing.T) {
	_, err := ratelimit.NewRedisBucketStore(nil, time.Hour, nil)
	assert.Error(t, err)

	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	_, err = ratelimit.NewRedisBucketStore(client, 0, nil)
	assert.Error(t, err)
}
