package ratelimit

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/internal/domain/service"
	"github.com/turtacn/ratelimit-gateway/pkg/errors"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

// RedisBucketStore implements the distributed BucketStore on Redis.
// Every consumption is one Lua script execution, so it is atomic across instances.
type RedisBucketStore struct {
	client redis.UniversalClient
	keyTTL time.Duration
	now    Clock
	logger logger.Logger

	mu    sync.RWMutex
	sha   string
	loads singleflight.Group
}

// RedisStoreOption configures a RedisBucketStore.
type RedisStoreOption func(*RedisBucketStore)

// WithRedisClock overrides time.Now as the refill clock.
func WithRedisClock(c Clock) RedisStoreOption {
	return func(s *RedisBucketStore) {
		s.now = c
	}
}

// NewRedisBucketStore creates a Redis-based bucket store.
//
// Parameters:
//   - client: Redis client, shared for the process lifetime
//   - keyTTL: Expiry after write of each bucket
//   - log: Logger instance
//
// Returns:
//   - *RedisBucketStore: Initialized store
//   - error: Initialization error if any
func NewRedisBucketStore(client redis.UniversalClient, keyTTL time.Duration, log logger.Logger, opts ...RedisStoreOption) (*RedisBucketStore, error) {
	if client == nil {
		return nil, errors.InvalidRequest("redis client is required")
	}
	if keyTTL <= 0 {
		return nil, errors.InvalidRequest("key ttl must be positive, got %s", keyTTL)
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}
	s := &RedisBucketStore{
		client: client,
		keyTTL: keyTTL,
		now:    time.Now,
		logger: log.WithComponent("redis_bucket_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LoadScript uploads the token bucket script. Concurrent callers share one load.
func (s *RedisBucketStore) LoadScript(ctx context.Context) error {
	_, err, _ := s.loads.Do("load", func() (interface{}, error) {
		sha, err := s.client.ScriptLoad(ctx, tokenBucketLuaScript).Result()
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.sha = sha
		s.mu.Unlock()
		s.logger.Debug(ctx, "token bucket script loaded", logger.String("sha", sha))
		return sha, nil
	})
	if err != nil {
		return storeError("load token bucket script", err)
	}
	return nil
}

func (s *RedisBucketStore) scriptSHA() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sha
}

// TryConsume charges cost against every bandwidth of key in one atomic script call.
func (s *RedisBucketStore) TryConsume(ctx context.Context, key string, bandwidths []models.BandwidthDef, cost int64) (*models.ConsumptionResult, error) {
	if len(bandwidths) == 0 {
		return nil, errors.InvalidRequest("bucket %q has no bandwidths", key)
	}
	if s.scriptSHA() == "" {
		if err := s.LoadScript(ctx); err != nil {
			return nil, err
		}
	}

	args := make([]interface{}, 0, 4+3*len(bandwidths))
	args = append(args, s.now().UnixMilli(), cost, s.keyTTL.Milliseconds(), len(bandwidths))
	for _, bw := range bandwidths {
		args = append(args, bw.Limit, bw.Window().Milliseconds(), string(bw.RefillStrategy))
	}

	raw, err := s.client.EvalSha(ctx, s.scriptSHA(), []string{key}, args...).Result()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		// Script cache was flushed or failed over; reload once and retry.
		if err := s.LoadScript(ctx); err != nil {
			return nil, err
		}
		raw, err = s.client.EvalSha(ctx, s.scriptSHA(), []string{key}, args...).Result()
	}
	if err != nil {
		return nil, storeError("consume "+key, err)
	}
	return parseConsumption(raw)
}

func parseConsumption(raw interface{}) (*models.ConsumptionResult, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) < 4 {
		return nil, storeError("parse script result", fmt.Errorf("unexpected reply %v", raw))
	}
	ints := make([]int64, 4)
	for i := range ints {
		v, ok := values[i].(int64)
		if !ok {
			return nil, storeError("parse script result", fmt.Errorf("element %d is %T", i, values[i]))
		}
		ints[i] = v
	}
	return &models.ConsumptionResult{
		Allowed:              ints[0] == 1,
		RemainingTokens:      ints[1],
		NanosToWaitForRefill: ints[2] * int64(time.Millisecond),
		NanosToReset:         ints[3] * int64(time.Millisecond),
	}, nil
}

// BucketSnapshot is the raw stored state of one bucket.
type BucketSnapshot struct {
	Key     string
	Windows []WindowSnapshot
	TTL     time.Duration
}

// WindowSnapshot is the stored state of one bandwidth.
type WindowSnapshot struct {
	Index      int
	Tokens     float64
	LastRefill time.Time
}

// Inspect reads the stored state of key without refilling it.
// It returns nil when the bucket does not exist.
func (s *RedisBucketStore) Inspect(ctx context.Context, key string) (*BucketSnapshot, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, storeError("inspect "+key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, storeError("inspect ttl "+key, err)
	}

	snap := &BucketSnapshot{Key: key, TTL: ttl}
	for i := 1; ; i++ {
		tokens, ok := fields["t"+strconv.Itoa(i)]
		if !ok {
			break
		}
		w := WindowSnapshot{Index: i}
		w.Tokens, _ = strconv.ParseFloat(tokens, 64)
		if last, err := strconv.ParseFloat(fields["l"+strconv.Itoa(i)], 64); err == nil {
			w.LastRefill = time.UnixMilli(int64(last))
		}
		snap.Windows = append(snap.Windows, w)
	}
	return snap, nil
}

// Reset deletes the bucket of key so the next request starts full.
func (s *RedisBucketStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return storeError("reset "+key, err)
	}
	s.logger.Info(ctx, "bucket reset", logger.String("key", key))
	return nil
}

// Ping checks the connection used by the store.
func (s *RedisBucketStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeError("ping", err)
	}
	return nil
}

// MetadataCommandSent marks whether a failed command may have reached Redis.
// Only calls that failed before sending are safe to repeat.
const MetadataCommandSent = "command_sent"

// commandSent reports whether err could have been raised after the command
// was written to the connection.
func commandSent(err error) bool {
	var opErr *net.OpError
	if stderrors.As(err, &opErr) && opErr.Op == "dial" {
		return false
	}
	return !stderrors.Is(err, redis.ErrPoolTimeout)
}

// storeError classifies err as a store_unavailable error tagged with a fallback reason.
func storeError(op string, err error) error {
	reason := service.FallbackReasonError
	var netErr net.Error
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		reason = service.FallbackReasonTimeout
	case stderrors.As(err, &netErr) && netErr.Timeout():
		reason = service.FallbackReasonTimeout
	case strings.Contains(err.Error(), "i/o timeout"):
		reason = service.FallbackReasonTimeout
	}
	return errors.StoreUnavailable("redis "+op, err).
		WithMetadata("reason", reason).
		WithMetadata(MetadataCommandSent, commandSent(err))
}
