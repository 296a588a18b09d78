package ratelimit

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/internal/domain/service"
	"github.com/turtacn/ratelimit-gateway/pkg/constants"
	"github.com/turtacn/ratelimit-gateway/pkg/errors"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = stderrors.New("circuit breaker open")

// ResilientStoreConfig bounds every call to the distributed store.
type ResilientStoreConfig struct {
	// Timeout bounds a single attempt
	Timeout time.Duration
	// MaxAttempts is the total number of attempts per call
	MaxAttempts int
	// RetryBackoff is the initial pause between attempts
	RetryBackoff time.Duration
	// BreakerFailures opens the breaker after this many failed calls in a row
	BreakerFailures int64
	// BreakerOpenDuration is how long the breaker stays open
	BreakerOpenDuration time.Duration
}

// DefaultResilientStoreConfig returns the default retry and breaker settings.
func DefaultResilientStoreConfig() ResilientStoreConfig {
	return ResilientStoreConfig{
		Timeout:             constants.DefaultStoreTimeout,
		MaxAttempts:         constants.DefaultStoreMaxAttempts,
		RetryBackoff:        constants.DefaultStoreRetryBackoff,
		BreakerFailures:     constants.DefaultBreakerFailures,
		BreakerOpenDuration: constants.DefaultBreakerOpenDuration,
	}
}

// ResilientStore wraps a distributed BucketStore with a per-attempt timeout,
// bounded retries and a circuit breaker. Only attempts that failed before the
// command was sent are retried; any other attempt may already have consumed
// tokens.
type ResilientStore struct {
	inner   service.BucketStore
	cfg     ResilientStoreConfig
	breaker *CircuitBreaker
	metrics service.Metrics
	logger  logger.Logger
}

// NewResilientStore wraps inner. metrics may be nil.
func NewResilientStore(inner service.BucketStore, cfg ResilientStoreConfig, metrics service.Metrics, log logger.Logger) *ResilientStore {
	def := DefaultResilientStoreConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if metrics == nil {
		metrics = service.NoopMetrics{}
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &ResilientStore{
		inner: inner,
		cfg:   cfg,
		breaker: NewCircuitBreaker(CircuitOptions{
			FailureThreshold: cfg.BreakerFailures,
			OpenDuration:     cfg.BreakerOpenDuration,
		}, nil),
		metrics: metrics,
		logger:  log.WithComponent("resilient_store"),
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (r *ResilientStore) Breaker() *CircuitBreaker {
	return r.breaker
}

// TryConsume calls the wrapped store under the retry policy.
func (r *ResilientStore) TryConsume(ctx context.Context, key string, bandwidths []models.BandwidthDef, cost int64) (*models.ConsumptionResult, error) {
	if !r.breaker.Allow() {
		return nil, errors.StoreUnavailable("distributed store skipped", ErrCircuitOpen).
			WithMetadata("reason", service.FallbackReasonCircuitOpen)
	}

	var result *models.ConsumptionResult
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		start := time.Now()
		res, err := r.inner.TryConsume(attemptCtx, key, bandwidths, cost)
		if err != nil {
			r.metrics.RecordStoreLatency("error", time.Since(start))
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			r.logger.Debug(ctx, "distributed store attempt failed",
				logger.Int("attempt", attempt),
				logger.Error(err),
			)
			return err
		}
		r.metrics.RecordStoreLatency("ok", time.Since(start))
		result = res
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.RetryBackoff
	policy.MaxInterval = 4 * r.cfg.RetryBackoff
	policy.MaxElapsedTime = 0
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.cfg.MaxAttempts-1)), ctx)

	if err := backoff.Retry(op, retries); err != nil {
		if errors.CodeOf(err) == errors.CodeInvalidRequest {
			r.breaker.OnSuccess()
			return nil, err
		}
		if ctx.Err() != nil {
			// The caller went away; says nothing about the store.
			r.breaker.OnCancel()
		} else {
			r.breaker.OnFailure()
		}
		if !errors.IsStoreUnavailable(err) {
			err = errors.StoreUnavailable("distributed store", err).WithMetadata("reason", service.FallbackReasonError)
		}
		return nil, err
	}
	r.breaker.OnSuccess()
	return result, nil
}

// retryable reports whether a failed attempt may be repeated safely, which
// holds only when the store marked the command as never sent.
func retryable(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return false
	}
	rl, ok := errors.AsRLError(err)
	if !ok {
		return false
	}
	sent, ok := rl.Metadata()[MetadataCommandSent].(bool)
	return ok && !sent
}
