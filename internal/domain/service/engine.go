package service

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/pkg/constants"
	"github.com/turtacn/ratelimit-gateway/pkg/errors"
	"github.com/turtacn/ratelimit-gateway/pkg/logger"
)

// Fallback reasons reported to metrics and logs.
const (
	FallbackReasonNotConfigured = "not_configured"
	FallbackReasonTimeout       = "timeout"
	FallbackReasonCircuitOpen   = "circuit_open"
	FallbackReasonError         = "error"
)

const problemDetail = "Rate limit exceeded. Please retry later."

// Engine is the single entry point for admission decisions.
type Engine struct {
	cfg       *models.RateLimitConfig
	matcher   *PolicyMatcher
	whitelist PathMatcher

	// distributed is optional; nil means every decision uses local buckets.
	distributed BucketStore
	local       BucketStore

	metrics Metrics
	events  EventPublisher
	logger  logger.Logger
	tracer  trace.Tracer

	failureLogWindow time.Duration
	failureLog       *cache.Cache
	blockedLog       rate.Sometimes
}

// EngineOption configures optional Engine collaborators.
type EngineOption func(*Engine)

// WithDistributedStore makes the engine try store before the local buckets.
func WithDistributedStore(store BucketStore) EngineOption {
	return func(e *Engine) {
		e.distributed = store
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithEventPublisher sets the blocked-event sink.
func WithEventPublisher(p EventPublisher) EngineOption {
	return func(e *Engine) {
		e.events = p
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithFailureLogWindow sets how long a store failure class stays silent after being logged.
func WithFailureLogWindow(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.failureLogWindow = d
		}
	}
}

// NewEngine validates cfg and wires the engine. local is required.
func NewEngine(cfg *models.RateLimitConfig, local BucketStore, log logger.Logger, opts ...EngineOption) (*Engine, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if local == nil {
		return nil, errors.Configuration("local bucket store is required", nil)
	}
	matcher, err := NewPolicyMatcher(cfg.Policies, cfg.DefaultPolicy)
	if err != nil {
		return nil, errors.Configuration("compile policies", err)
	}
	whitelist, err := CompilePathMatcher(cfg.WhitelistPaths)
	if err != nil {
		return nil, errors.Configuration("compile whitelist", err)
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}

	e := &Engine{
		cfg:              cfg,
		matcher:          matcher,
		whitelist:        whitelist,
		local:            local,
		metrics:          NoopMetrics{},
		logger:           log.WithComponent("ratelimit_engine"),
		tracer:           otel.Tracer("github.com/turtacn/ratelimit-gateway/internal/domain/service"),
		failureLogWindow: constants.StoreFailureLogWindow,
		blockedLog:       rate.Sometimes{Interval: constants.BlockedLogSampleInterval},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.failureLog = cache.New(e.failureLogWindow, 2*e.failureLogWindow)

	if e.distributed == nil {
		e.logger.Warn(context.Background(), "distributed bucket store not configured, using local buckets only",
			logger.Float64("fallback_factor", cfg.FallbackFactor))
	}
	return e, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() *models.RateLimitConfig {
	return e.cfg
}

// Decide admits or rejects one request. It never returns an error: store
// failures degrade to the local buckets.
func (e *Engine) Decide(ctx context.Context, req *models.RequestInfo) *models.Decision {
	if !e.cfg.Enabled || e.whitelist.MatchAny(req.Path) {
		return models.NewBypassDecision()
	}

	ctx, span := e.tracer.Start(ctx, "ratelimit.Decide")
	defer span.End()

	method := strings.ToUpper(req.Method)
	subject := ResolveSubject(req, e.cfg.TrustProxies)
	tier := e.cfg.TierFor(strings.TrimSpace(req.APIKey))
	policy := e.matcher.SelectPolicy(method, req.Path, tier)
	cost := e.matcher.ComputeCost(policy, method, req.Path)
	key := BuildKey(e.cfg.KeyPrefix, tier, subject, method, req.Path)
	endpoint := NormalizePath(req.Path)

	result, fallback := e.consume(ctx, key, policy.Bandwidths, cost)

	d := &models.Decision{
		Allowed:         result.Allowed,
		RemainingTokens: result.RemainingTokens,
		Limit:           policy.MostRestrictiveLimit(),
		Subject:         subject,
		Tier:            tier,
		PolicyID:        policy.ID,
		Endpoint:        endpoint,
		Cost:            cost,
		Fallback:        fallback,
		Status:          http.StatusOK,
		Headers:         http.Header{},
	}
	if result.Allowed {
		d.ResetSeconds = ceilSeconds(result.NanosToReset)
	} else {
		d.RetryAfterSeconds = retryAfterSeconds(result.NanosToWaitForRefill)
		d.ResetSeconds = d.RetryAfterSeconds
	}
	e.populateHeaders(d, policy)

	outcome := constants.OutcomeAllowed
	if !d.Allowed {
		outcome = constants.OutcomeBlocked
	}
	e.metrics.RecordDecision(endpoint, method, tier, outcome)

	span.SetAttributes(
		attribute.String("ratelimit.tier", tier),
		attribute.String("ratelimit.policy", policy.ID),
		attribute.String("ratelimit.outcome", string(outcome)),
		attribute.Bool("ratelimit.fallback", fallback),
		attribute.Int64("ratelimit.remaining", d.RemainingTokens),
	)

	if !d.Allowed {
		e.block(ctx, d, req)
	}
	return d
}

func (e *Engine) consume(ctx context.Context, key string, bandwidths []models.BandwidthDef, cost int64) (*models.ConsumptionResult, bool) {
	if e.distributed != nil {
		res, err := e.distributed.TryConsume(ctx, key, bandwidths, cost)
		if err == nil {
			return res, false
		}
		e.noteStoreFailure(ctx, failureReason(err), err)
	} else {
		e.metrics.RecordFallback(FallbackReasonNotConfigured)
	}

	res, err := e.local.TryConsume(ctx, key, bandwidths, cost)
	if err != nil {
		// Only reachable with an empty bandwidth list, which validation rejects.
		e.logger.Error(ctx, "local bucket store failed, admitting request", err, logger.String("key", key))
		return &models.ConsumptionResult{Allowed: true}, true
	}
	return res, true
}

func (e *Engine) noteStoreFailure(ctx context.Context, reason string, err error) {
	e.metrics.RecordFallback(reason)
	if e.failureLog.Add(reason, struct{}{}, cache.DefaultExpiration) != nil {
		return
	}
	e.logger.Warn(ctx, "distributed bucket store unavailable, using local buckets",
		logger.String("reason", reason),
		logger.Error(err),
		logger.Duration("suppressed_for", e.failureLogWindow),
	)
}

func failureReason(err error) string {
	if rl, ok := errors.AsRLError(err); ok {
		if reason, ok := rl.Metadata()["reason"].(string); ok && reason != "" {
			return reason
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return FallbackReasonTimeout
	}
	return FallbackReasonError
}

func (e *Engine) populateHeaders(d *models.Decision, policy *CompiledPolicy) {
	remaining := strconv.FormatInt(d.RemainingTokens, 10)
	d.Headers.Set(constants.HeaderRateLimitLimit, policy.LimitHeader())
	d.Headers.Set(constants.HeaderRateLimitRemaining, remaining)
	d.Headers.Set(constants.HeaderRateLimitReset, strconv.FormatInt(d.ResetSeconds, 10))
	if len(policy.Bandwidths) > 0 {
		d.Headers.Set(constants.HeaderXRateLimitLimit, strconv.FormatInt(policy.Bandwidths[0].Limit, 10))
		d.Headers.Set(constants.HeaderXRateLimitRemaining, remaining)
	}
	if !d.Allowed {
		d.Headers.Set(constants.HeaderRetryAfter, strconv.FormatInt(d.RetryAfterSeconds, 10))
	}
}

func (e *Engine) block(ctx context.Context, d *models.Decision, req *models.RequestInfo) {
	d.Status = http.StatusTooManyRequests
	d.Problem = &models.Problem{
		Type:      "about:blank",
		Title:     http.StatusText(http.StatusTooManyRequests),
		Status:    http.StatusTooManyRequests,
		Detail:    problemDetail,
		Instance:  req.Path,
		Limit:     d.Limit,
		Remaining: d.RemainingTokens,
		Reset:     d.ResetSeconds,
		Subject:   Sanitize(d.Subject),
		Tier:      Sanitize(d.Tier),
	}

	e.blockedLog.Do(func() {
		e.logger.Warn(ctx, "rate_limit_blocked",
			logger.String("subject", Sanitize(d.Subject)),
			logger.String("tier", Sanitize(d.Tier)),
			logger.String("method", strings.ToUpper(req.Method)),
			logger.String("path", d.Endpoint),
			logger.Int64("remaining", d.RemainingTokens),
			logger.Int64("retry_after", d.RetryAfterSeconds),
			logger.Bool("fallback", d.Fallback),
		)
	})

	if e.events != nil {
		e.events.PublishBlocked(ctx, &models.BlockedEvent{
			EventID:    uuid.NewString(),
			Timestamp:  time.Now().UTC(),
			Subject:    Sanitize(d.Subject),
			Tier:       Sanitize(d.Tier),
			PolicyID:   d.PolicyID,
			Method:     strings.ToUpper(req.Method),
			Endpoint:   d.Endpoint,
			Remaining:  d.RemainingTokens,
			RetryAfter: d.RetryAfterSeconds,
			Fallback:   d.Fallback,
		})
	}
}

func ceilSeconds(nanos int64) int64 {
	if nanos <= 0 {
		return 0
	}
	return (nanos + int64(time.Second) - 1) / int64(time.Second)
}

func retryAfterSeconds(nanos int64) int64 {
	if s := ceilSeconds(nanos); s > 1 {
		return s
	}
	return 1
}
