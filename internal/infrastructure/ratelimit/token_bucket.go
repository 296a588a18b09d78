// Package ratelimit provides the distributed and local token bucket stores.
package ratelimit

import (
	"container/list"
	"math"
	"sync"
	"time"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/pkg/constants"
)

// Clock returns the current time. Stores take one so tests can freeze time.
type Clock func() time.Time

// bandwidthState is one limit window of a TokenBucket.
type bandwidthState struct {
	capacity   float64
	period     time.Duration
	strategy   constants.RefillStrategy
	tokens     float64
	lastRefill time.Time
}

// refill adds tokens earned since lastRefill.
// Smooth windows refill proportionally; interval windows refill fully at each boundary.
func (w *bandwidthState) refill(now time.Time) {
	elapsed := now.Sub(w.lastRefill)
	if elapsed <= 0 {
		return
	}
	if w.strategy == constants.RefillInterval {
		if elapsed >= w.period {
			periods := elapsed / w.period
			w.tokens = w.capacity
			w.lastRefill = w.lastRefill.Add(periods * w.period)
		}
		return
	}
	w.tokens += float64(elapsed) * w.capacity / float64(w.period)
	if w.tokens > w.capacity {
		w.tokens = w.capacity
	}
	w.lastRefill = now
}

// waitFor returns how long until cost tokens are available.
// A cost above capacity can never be served; the full period is reported.
func (w *bandwidthState) waitFor(cost float64, now time.Time) time.Duration {
	if w.tokens >= cost {
		return 0
	}
	if cost > w.capacity {
		return w.period
	}
	if w.strategy == constants.RefillInterval {
		return w.lastRefill.Add(w.period).Sub(now)
	}
	return time.Duration(math.Ceil((cost - w.tokens) * float64(w.period) / w.capacity))
}

// untilNext returns how long until the window holds at least one token.
func (w *bandwidthState) untilNext(now time.Time) time.Duration {
	if w.tokens >= 1 {
		return 0
	}
	if w.strategy == constants.RefillInterval {
		return w.lastRefill.Add(w.period).Sub(now)
	}
	return time.Duration(math.Ceil((1 - w.tokens) * float64(w.period) / w.capacity))
}

// TokenBucket implements a multi-bandwidth token bucket.
// A consumption succeeds only if every bandwidth holds enough tokens,
// in which case all of them are charged. It is safe for concurrent use.
type TokenBucket struct {
	mu         sync.Mutex
	bandwidths []models.BandwidthDef
	windows    []bandwidthState
	lastUsed   time.Time
}

// NewTokenBucket creates a full bucket for bandwidths.
//
// Parameters:
//   - bandwidths: Limit windows, already scaled by the caller if needed
//   - now: Creation time, used as the first refill point
//
// Returns:
//   - *TokenBucket: Initialized token bucket
func NewTokenBucket(bandwidths []models.BandwidthDef, now time.Time) *TokenBucket {
	tb := &TokenBucket{
		bandwidths: append([]models.BandwidthDef(nil), bandwidths...),
		windows:    make([]bandwidthState, len(bandwidths)),
		lastUsed:   now,
	}
	for i, bw := range bandwidths {
		tb.windows[i] = bandwidthState{
			capacity:   float64(bw.Limit),
			period:     bw.Window(),
			strategy:   bw.RefillStrategy,
			tokens:     float64(bw.Limit),
			lastRefill: now,
		}
	}
	return tb
}

// TryConsume attempts to take cost tokens from every bandwidth.
//
// Parameters:
//   - cost: Tokens charged to each bandwidth
//   - now: Current time
//
// Returns:
//   - models.ConsumptionResult: Outcome for the most restrictive bandwidth
func (tb *TokenBucket) TryConsume(cost int64, now time.Time) models.ConsumptionResult {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.lastUsed = now
	c := float64(cost)
	allowed := true
	for i := range tb.windows {
		tb.windows[i].refill(now)
		if tb.windows[i].tokens < c {
			allowed = false
		}
	}

	var wait, reset time.Duration
	if allowed {
		for i := range tb.windows {
			tb.windows[i].tokens -= c
		}
	} else {
		for i := range tb.windows {
			if w := tb.windows[i].waitFor(c, now); w > wait {
				wait = w
			}
		}
	}
	for i := range tb.windows {
		if r := tb.windows[i].untilNext(now); r > reset {
			reset = r
		}
	}

	tightest := tb.tightestLocked()
	if tightest < 0 {
		return models.ConsumptionResult{Allowed: allowed, NanosToWaitForRefill: int64(wait)}
	}
	w := &tb.windows[tightest]
	remaining := int64(math.Floor(w.tokens))
	if remaining < 0 {
		remaining = 0
	}
	return models.ConsumptionResult{
		Allowed:              allowed,
		RemainingTokens:      remaining,
		NanosToWaitForRefill: int64(wait),
		NanosToReset:         int64(reset),
	}
}

func (tb *TokenBucket) tightestLocked() int {
	idx := -1
	for i := range tb.windows {
		if idx < 0 || tb.windows[i].tokens < tb.windows[idx].tokens {
			idx = i
		}
	}
	return idx
}

// sameConfig reports whether the bucket was built for bandwidths.
func (tb *TokenBucket) sameConfig(bandwidths []models.BandwidthDef) bool {
	if len(tb.bandwidths) != len(bandwidths) {
		return false
	}
	for i := range bandwidths {
		if tb.bandwidths[i] != bandwidths[i] {
			return false
		}
	}
	return true
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Stats returns per-bandwidth statistics.
//
// Returns:
//   - []TokenBucketStats: One entry per bandwidth, in declared order
func (tb *TokenBucket) Stats(now time.Time) []TokenBucketStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	stats := make([]TokenBucketStats, len(tb.windows))
	for i := range tb.windows {
		tb.windows[i].refill(now)
		w := tb.windows[i]
		stats[i] = TokenBucketStats{
			Capacity:   int64(w.capacity),
			Available:  w.tokens,
			Window:     w.period,
			Strategy:   w.strategy,
			LastRefill: w.lastRefill,
		}
	}
	return stats
}

// TokenBucketStats holds statistics about one bandwidth of a token bucket.
type TokenBucketStats struct {
	// Capacity is the maximum number of tokens
	Capacity int64
	// Available is the current number of tokens
	Available float64
	// Window is the refill period
	Window time.Duration
	// Strategy is the refill strategy
	Strategy constants.RefillStrategy
	// LastRefill is the last refill timestamp
	LastRefill time.Time
}

// TokenBucketPool holds buckets by key in least-recently-used order.
type TokenBucketPool struct {
	mu      sync.Mutex
	max     int
	buckets map[string]*list.Element
	order   *list.List
}

type poolEntry struct {
	key    string
	bucket *TokenBucket
}

// NewTokenBucketPool creates a pool holding at most max buckets. max <= 0 means unbounded.
func NewTokenBucketPool(max int) *TokenBucketPool {
	return &TokenBucketPool{
		max:     max,
		buckets: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// GetOrCreate returns the bucket for key, creating it exactly once.
// A bucket built for different bandwidths is replaced.
//
// Returns:
//   - *TokenBucket: The token bucket instance
//   - int: Number of buckets evicted to stay within the cap
func (p *TokenBucketPool) GetOrCreate(key string, bandwidths []models.BandwidthDef, now time.Time) (*TokenBucket, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.buckets[key]; ok {
		entry := el.Value.(*poolEntry)
		if entry.bucket.sameConfig(bandwidths) {
			p.order.MoveToFront(el)
			return entry.bucket, 0
		}
		p.order.Remove(el)
		delete(p.buckets, key)
	}

	bucket := NewTokenBucket(bandwidths, now)
	p.buckets[key] = p.order.PushFront(&poolEntry{key: key, bucket: bucket})
	return bucket, p.evictLocked()
}

func (p *TokenBucketPool) evictLocked() int {
	if p.max <= 0 {
		return 0
	}
	evicted := 0
	for len(p.buckets) > p.max {
		el := p.order.Back()
		if el == nil {
			break
		}
		p.order.Remove(el)
		delete(p.buckets, el.Value.(*poolEntry).key)
		evicted++
	}
	return evicted
}

// Get retrieves an existing bucket without touching its recency.
func (p *TokenBucketPool) Get(key string) *TokenBucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.buckets[key]; ok {
		return el.Value.(*poolEntry).bucket
	}
	return nil
}

// Remove removes a bucket from the pool.
func (p *TokenBucketPool) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.buckets[key]; ok {
		p.order.Remove(el)
		delete(p.buckets, key)
	}
}

// Cleanup removes buckets unused for longer than maxIdle.
//
// Returns:
//   - int: Number of buckets removed
func (p *TokenBucketPool) Cleanup(maxIdle time.Duration, now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	// Walk from the least recently used end; stop at the first fresh bucket.
	for el := p.order.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*poolEntry)
		if now.Sub(entry.bucket.idleSince()) <= maxIdle {
			break
		}
		p.order.Remove(el)
		delete(p.buckets, entry.key)
		removed++
		el = prev
	}
	return removed
}

// Size returns the number of buckets in the pool.
func (p *TokenBucketPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buckets)
}
