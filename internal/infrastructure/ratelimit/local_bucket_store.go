package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/pkg/constants"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

// LocalStoreConfig configures the in-process fallback store.
type LocalStoreConfig struct {
	// FallbackFactor scales every limit down before use
	FallbackFactor float64
	// MaxIdle evicts buckets unused for this long
	MaxIdle time.Duration
	// MaxBuckets caps the number of cached buckets
	MaxBuckets int
	// CleanupInterval is how often the janitor sweeps idle buckets
	CleanupInterval time.Duration
}

// LocalBucketStore is a single-process BucketStore. Limits are tightened by
// the fallback factor; there is no coordination with other instances.
type LocalBucketStore struct {
	cfg    LocalStoreConfig
	pool   *TokenBucketPool
	now    Clock
	logger logger.Logger
}

// LocalOption configures a LocalBucketStore.
type LocalOption func(*LocalBucketStore)

// WithLocalClock overrides time.Now.
func WithLocalClock(c Clock) LocalOption {
	return func(s *LocalBucketStore) {
		s.now = c
	}
}

// NewLocalBucketStore creates the fallback store.
func NewLocalBucketStore(cfg LocalStoreConfig, log logger.Logger, opts ...LocalOption) *LocalBucketStore {
	if cfg.FallbackFactor <= 0 || cfg.FallbackFactor > 1 {
		cfg.FallbackFactor = constants.DefaultFallbackFactor
	}
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = constants.DefaultLocalMaxBuckets
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = constants.DefaultLocalCleanupInterval
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = time.Duration(constants.DefaultKeyTTLSeconds) * time.Second
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}
	s := &LocalBucketStore{
		cfg:    cfg,
		pool:   NewTokenBucketPool(cfg.MaxBuckets),
		now:    time.Now,
		logger: log.WithComponent("local_bucket_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryConsume charges cost against the scaled bandwidths of key.
func (s *LocalBucketStore) TryConsume(ctx context.Context, key string, bandwidths []models.BandwidthDef, cost int64) (*models.ConsumptionResult, error) {
	if len(bandwidths) == 0 {
		return nil, fmt.Errorf("local bucket %q: no bandwidths", key)
	}
	now := s.now()
	bucket, evicted := s.pool.GetOrCreate(key, models.ScaleBandwidths(bandwidths, s.cfg.FallbackFactor), now)
	if evicted > 0 {
		s.logger.Debug(ctx, "local bucket cap reached, evicted least recently used",
			logger.Int("evicted", evicted),
			logger.Int("max_buckets", s.cfg.MaxBuckets),
		)
	}
	res := bucket.TryConsume(cost, now)
	return &res, nil
}

// Inspect returns the statistics of key, or nil if it has no bucket.
func (s *LocalBucketStore) Inspect(key string) []TokenBucketStats {
	b := s.pool.Get(key)
	if b == nil {
		return nil
	}
	return b.Stats(s.now())
}

// Reset drops the bucket of key.
func (s *LocalBucketStore) Reset(key string) {
	s.pool.Remove(key)
}

// Size returns the number of cached buckets.
func (s *LocalBucketStore) Size() int {
	return s.pool.Size()
}

// Cleanup evicts buckets idle for longer than MaxIdle.
func (s *LocalBucketStore) Cleanup() int {
	return s.pool.Cleanup(s.cfg.MaxIdle, s.now())
}

// RunJanitor sweeps idle buckets until ctx is cancelled.
func (s *LocalBucketStore) RunJanitor(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := s.Cleanup(); removed > 0 {
				s.logger.Debug(ctx, "evicted idle local buckets",
					logger.Int("removed", removed),
					logger.Int("remaining", s.Size()),
				)
			}
		}
	}
}
