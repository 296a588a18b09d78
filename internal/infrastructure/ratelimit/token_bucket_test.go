package ratelimit_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/internal/infrastructure/ratelimit"
	"github.com/turtacn/ratelimit-gateway/pkg/constants"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func smooth(limit, seconds int64) models.BandwidthDef {
	return models.BandwidthDef{Limit: limit, WindowSeconds: seconds, RefillStrategy: constants.RefillSmooth}
}

func interval(limit, seconds int64) models.BandwidthDef {
	return models.BandwidthDef{Limit: limit, WindowSeconds: seconds, RefillStrategy: constants.RefillInterval}
}

func TestTokenBucket_MonotonicConsumption(t *testing.T) {
	for _, cost := range []int64{1, 2, 3} {
		tb := ratelimit.NewTokenBucket([]models.BandwidthDef{smooth(10, 60)}, epoch)
		for n := int64(1); n <= 12; n++ {
			res := tb.TryConsume(cost, epoch)
			want := int64(10) - n*cost
			if want >= 0 {
				assert.True(t, res.Allowed, "cost %d attempt %d", cost, n)
				assert.Equal(t, want, res.RemainingTokens)
			} else {
				assert.False(t, res.Allowed, "cost %d attempt %d", cost, n)
				assert.Equal(t, 10-(10/cost)*cost, res.RemainingTokens)
			}
		}
	}
}

func TestTokenBucket_SmoothRefill(t *testing.T) {
	tb := ratelimit.NewTokenBucket([]models.BandwidthDef{smooth(5, 60)}, epoch)
	for i := 0; i < 5; i++ {
		require.True(t, tb.TryConsume(1, epoch).Allowed)
	}
	blocked := tb.TryConsume(1, epoch)
	require.False(t, blocked.Allowed)
	assert.Equal(t, 12*time.Second, blocked.WaitDuration())

	assert.False(t, tb.TryConsume(1, epoch.Add(11*time.Second)).Allowed)
	res := tb.TryConsume(1, epoch.Add(12*time.Second))
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(0), res.RemainingTokens)
}

func TestTokenBucket_ResetIsTimeToNextToken(t *testing.T) {
	tb := ratelimit.NewTokenBucket([]models.BandwidthDef{smooth(5, 60), interval(100, 3600)}, epoch)
	for i := 0; i < 4; i++ {
		res := tb.TryConsume(1, epoch)
		require.True(t, res.Allowed)
		assert.Zero(t, res.NanosToReset, "request %d", i+1)
	}

	res := tb.TryConsume(1, epoch)
	require.True(t, res.Allowed)
	assert.Equal(t, int64(0), res.RemainingTokens)
	assert.Equal(t, int64(12*time.Second), res.NanosToReset)

	blocked := tb.TryConsume(1, epoch.Add(2*time.Second))
	require.False(t, blocked.Allowed)
	assert.InDelta(t, float64(10*time.Second), float64(blocked.NanosToReset), float64(time.Microsecond))
	assert.Equal(t, blocked.NanosToWaitForRefill, blocked.NanosToReset)

	// An exhausted interval window resets at its boundary.
	tb = ratelimit.NewTokenBucket([]models.BandwidthDef{interval(1, 10)}, epoch)
	res = tb.TryConsume(1, epoch.Add(4*time.Second))
	require.True(t, res.Allowed)
	assert.Equal(t, int64(6*time.Second), res.NanosToReset)
}

func TestTokenBucket_IntervalRefill(t *testing.T) {
	tb := ratelimit.NewTokenBucket([]models.BandwidthDef{interval(3, 10)}, epoch)
	for i := 0; i < 3; i++ {
		require.True(t, tb.TryConsume(1, epoch.Add(time.Second)).Allowed)
	}

	blocked := tb.TryConsume(1, epoch.Add(4*time.Second))
	require.False(t, blocked.Allowed)
	assert.Equal(t, 6*time.Second, blocked.WaitDuration(), "waits for the window boundary")

	assert.False(t, tb.TryConsume(1, epoch.Add(9*time.Second)).Allowed, "no partial refill")
	res := tb.TryConsume(1, epoch.Add(10*time.Second))
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(2), res.RemainingTokens)
}

func TestTokenBucket_BandwidthsComposeAsAnd(t *testing.T) {
	tb := ratelimit.NewTokenBucket([]models.BandwidthDef{smooth(100, 3600), interval(2, 1)}, epoch)

	first := tb.TryConsume(1, epoch)
	assert.True(t, first.Allowed)
	assert.Equal(t, int64(1), first.RemainingTokens, "reports the tightest window")

	assert.True(t, tb.TryConsume(1, epoch).Allowed)
	blocked := tb.TryConsume(1, epoch)
	assert.False(t, blocked.Allowed)
	assert.Equal(t, time.Second, blocked.WaitDuration())

	stats := tb.Stats(epoch)
	require.Len(t, stats, 2)
	assert.InDelta(t, 98, stats[0].Available, 0.001, "blocked request must not charge any window")
	assert.InDelta(t, 0, stats[1].Available, 0.001)
}

func TestTokenBucket_CostAboveCapacity(t *testing.T) {
	tb := ratelimit.NewTokenBucket([]models.BandwidthDef{smooth(2, 30)}, epoch)
	res := tb.TryConsume(5, epoch)
	assert.False(t, res.Allowed)
	assert.Equal(t, 30*time.Second, res.WaitDuration())
	assert.Equal(t, int64(2), res.RemainingTokens)
}

func TestTokenBucket_ConcurrentExclusivity(t *testing.T) {
	tb := ratelimit.NewTokenBucket([]models.BandwidthDef{smooth(10, 3600)}, epoch)

	var allowed, denied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tb.TryConsume(1, epoch).Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
	assert.Equal(t, int64(90), denied.Load())
}

func TestTokenBucketPool_GetOrCreateOncePerKey(t *testing.T) {
	pool := ratelimit.NewTokenBucketPool(0)
	bws := []models.BandwidthDef{smooth(10, 60)}

	buckets := make([]*ratelimit.TokenBucket, 50)
	var wg sync.WaitGroup
	for i := range buckets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buckets[i], _ = pool.GetOrCreate("k", bws, epoch)
		}(i)
	}
	wg.Wait()

	for _, b := range buckets {
		assert.Same(t, buckets[0], b)
	}
	assert.Equal(t, 1, pool.Size())
}

func TestTokenBucketPool_ReplacesOnConfigChange(t *testing.T) {
	pool := ratelimit.NewTokenBucketPool(0)
	a, _ := pool.GetOrCreate("k", []models.BandwidthDef{smooth(10, 60)}, epoch)
	b, _ := pool.GetOrCreate("k", []models.BandwidthDef{smooth(20, 60)}, epoch)
	assert.NotSame(t, a, b)
	assert.Equal(t, 1, pool.Size())
}

func TestTokenBucketPool_EvictsLeastRecentlyUsed(t *testing.T) {
	pool := ratelimit.NewTokenBucketPool(2)
	bws := []models.BandwidthDef{smooth(10, 60)}

	pool.GetOrCreate("a", bws, epoch)
	pool.GetOrCreate("b", bws, epoch)
	pool.GetOrCreate("a", bws, epoch)
	_, evicted := pool.GetOrCreate("c", bws, epoch)

	assert.Equal(t, 1, evicted)
	assert.NotNil(t, pool.Get("a"))
	assert.Nil(t, pool.Get("b"))
	assert.NotNil(t, pool.Get("c"))
}

func TestTokenBucketPool_Cleanup(t *testing.T) {
	pool := ratelimit.NewTokenBucketPool(0)
	bws := []models.BandwidthDef{smooth(10, 60)}

	old, _ := pool.GetOrCreate("old", bws, epoch)
	old.TryConsume(1, epoch)
	fresh, _ := pool.GetOrCreate("fresh", bws, epoch.Add(time.Hour))
	fresh.TryConsume(1, epoch.Add(time.Hour))

	removed := pool.Cleanup(30*time.Minute, epoch.Add(time.Hour))
	assert.Equal(t, 1, removed)
	assert.Nil(t, pool.Get("old"))
	assert.NotNil(t, pool.Get("fresh"))
}
