// Package constants defines system-wide constants for the rate limiting gateway.
// This package provides type-safe constant definitions used across all modules.
package constants

import "time"

// ================================================================================
// Rate Limit Header Constants
// ================================================================================

const (
	// HeaderRateLimitLimit lists every configured window as "<limit>;w=<seconds>"
	HeaderRateLimitLimit = "RateLimit-Limit"

	// HeaderRateLimitRemaining carries the tokens left in the most restrictive window
	HeaderRateLimitRemaining = "RateLimit-Remaining"

	// HeaderRateLimitReset carries the seconds until the most restrictive window has headroom
	HeaderRateLimitReset = "RateLimit-Reset"

	// HeaderXRateLimitLimit is the legacy limit header mirroring the first bandwidth
	HeaderXRateLimitLimit = "X-RateLimit-Limit"

	// HeaderXRateLimitRemaining is the legacy remaining header mirroring the first bandwidth
	HeaderXRateLimitRemaining = "X-RateLimit-Remaining"

	// HeaderRetryAfter is set on blocked responses only
	HeaderRetryAfter = "Retry-After"

	// HeaderRequestID carries the request correlation id
	HeaderRequestID = "X-Request-ID"

	// DefaultAPIKeyHeader is the header callers present their API key in
	DefaultAPIKeyHeader = "X-API-KEY"

	// DefaultForwardedHeader is the trusted proxy header for client addresses
	DefaultForwardedHeader = "X-Forwarded-For"

	// ContentTypeProblemJSON is the media type of the 429 body
	ContentTypeProblemJSON = "application/problem+json"
)

// ================================================================================
// Rate Limit Defaults
// ================================================================================

const (
	// DefaultKeyPrefix prefixes every bucket key
	DefaultKeyPrefix = "ratelimit:"

	// DefaultTier is applied to callers without a known API key
	DefaultTier = "default"

	// DefaultKeyTTLSeconds is the distributed bucket expiry after write (1 day)
	DefaultKeyTTLSeconds = 86400

	// DefaultFallbackFactor tightens limits while the local store is in use
	DefaultFallbackFactor = 0.5

	// DefaultTokenCost is charged when no cost override matches
	DefaultTokenCost = 1

	// AnonymousSubject is used when neither an API key nor an address is available
	AnonymousSubject = "anon:unknown"

	// SubjectPrefixAPIKey prefixes API key subjects
	SubjectPrefixAPIKey = "key:"

	// SubjectPrefixIP prefixes address subjects
	SubjectPrefixIP = "ip:"

	// PathIDPlaceholder replaces purely numeric path segments
	PathIDPlaceholder = "{id}"
)

// DefaultWhitelistPaths are never rate limited.
var DefaultWhitelistPaths = []string{
	"/",
	"/docs",
	"/swagger-ui/**",
	"/actuator/health/**",
	"/ui/**",
	"/static/**",
	"/health/**",
	"/metrics",
}

// RequiredDefaultPolicyMethods must all be matched by the default policy.
var RequiredDefaultPolicyMethods = []string{"GET", "POST", "PATCH", "DELETE"}

// DefaultPolicyProbePath must be matched by the default policy's path patterns.
const DefaultPolicyProbePath = "/api/test/endpoint"

// RefillStrategy selects how a bandwidth regains tokens
type RefillStrategy string

const (
	// RefillSmooth trickles tokens in proportionally to elapsed time
	RefillSmooth RefillStrategy = "smooth"

	// RefillInterval grants the whole limit at each window boundary
	RefillInterval RefillStrategy = "interval"
)

// Outcome labels an admission decision in metrics and logs
type Outcome string

const (
	// OutcomeAllowed marks an admitted request
	OutcomeAllowed Outcome = "allowed"

	// OutcomeBlocked marks a rejected request
	OutcomeBlocked Outcome = "blocked"
)

// ================================================================================
// Store Constants
// ================================================================================

const (
	// DefaultStoreTimeout bounds a single distributed store attempt
	DefaultStoreTimeout = 50 * time.Millisecond

	// DefaultStoreMaxAttempts bounds retries of a distributed store call
	DefaultStoreMaxAttempts = 2

	// DefaultStoreRetryBackoff is the initial pause between attempts
	DefaultStoreRetryBackoff = 5 * time.Millisecond

	// DefaultBreakerFailures opens the breaker after this many consecutive failures
	DefaultBreakerFailures = 5

	// DefaultBreakerOpenDuration keeps the breaker open before probing again
	DefaultBreakerOpenDuration = 2 * time.Second

	// DefaultLocalMaxBuckets caps the local fallback cache
	DefaultLocalMaxBuckets = 100_000

	// DefaultLocalCleanupInterval is how often idle local buckets are swept
	DefaultLocalCleanupInterval = time.Minute

	// StoreFailureLogWindow suppresses repeated warnings for the same failure class
	StoreFailureLogWindow = 30 * time.Second

	// BlockedLogSampleInterval samples blocked-request warnings
	BlockedLogSampleInterval = time.Second
)

// ================================================================================
// Metric Names
// ================================================================================

const (
	// MetricRequestsTotal counts admission decisions
	MetricRequestsTotal = "ratelimit_requests_total"

	// MetricExceededTotal counts blocked decisions
	MetricExceededTotal = "ratelimit_exceeded_total"

	// MetricStoreFallbackTotal counts decisions served by the local store
	MetricStoreFallbackTotal = "ratelimit_store_fallback_total"

	// MetricStoreLatency observes distributed store call latency
	MetricStoreLatency = "ratelimit_store_latency_seconds"
)

// ================================================================================
// Server Constants
// ================================================================================

const (
	// DefaultLivenessCheckPath is the liveness check endpoint path
	DefaultLivenessCheckPath = "/health/live"

	// DefaultReadinessCheckPath is the readiness check endpoint path
	DefaultReadinessCheckPath = "/health/ready"

	// DefaultMetricsPath exposes Prometheus metrics
	DefaultMetricsPath = "/metrics"

	// DefaultShutdownTimeout is the graceful shutdown timeout (30 seconds)
	DefaultShutdownTimeout = 30 * time.Second
)

// ================================================================================
// Logging Constants
// ================================================================================

// LogLevel represents the severity level of log messages
type LogLevel string

const (
	// LogLevelDebug is the most verbose logging level
	LogLevelDebug LogLevel = "debug"

	// LogLevelInfo is the standard informational logging level
	LogLevelInfo LogLevel = "info"

	// LogLevelWarn indicates potential issues
	LogLevelWarn LogLevel = "warn"

	// LogLevelError indicates errors that need attention
	LogLevelError LogLevel = "error"
)

// ================================================================================
// Context Keys
// ================================================================================

// ContextKey represents keys used in context.Context
type ContextKey string

const (
	// ContextKeyRequestID is the key for request ID in context
	ContextKeyRequestID ContextKey = "request_id"

	// ContextKeyTraceID is the key for distributed trace ID in context
	ContextKeyTraceID ContextKey = "trace_id"

	// ContextKeyDecision is the gin context key holding the admission decision
	ContextKeyDecision ContextKey = "ratelimit_decision"
)
