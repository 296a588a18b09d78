package ratelimit

import (
	"sync/atomic"
	"time"
)

// CircuitState represents breaker state.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitOptions configures breaker thresholds.
type CircuitOptions struct {
	FailureThreshold int64
	OpenDuration     time.Duration
	HalfOpenMaxCalls int64
}

// CircuitBreaker stops calling the distributed store after consecutive failures,
// so degraded requests go straight to local buckets instead of waiting on timeouts.
type CircuitBreaker struct {
	state            atomic.Int32
	openUntil        atomic.Int64
	failures         atomic.Int64
	halfOpenInFlight atomic.Int64
	opts             CircuitOptions
	now              Clock
}

// NewCircuitBreaker constructs a breaker with defaults.
func NewCircuitBreaker(opts CircuitOptions, now Clock) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = 2 * time.Second
	}
	if opts.HalfOpenMaxCalls <= 0 {
		opts.HalfOpenMaxCalls = 1
	}
	if now == nil {
		now = time.Now
	}
	cb := &CircuitBreaker{opts: opts, now: now}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Allow reports whether the call should proceed.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}
	switch CircuitState(cb.state.Load()) {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().UnixNano() < cb.openUntil.Load() {
			return false
		}
		// The half-open call counter was zeroed when the breaker opened.
		cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen))
		return cb.admitHalfOpen()
	case CircuitHalfOpen:
		return cb.admitHalfOpen()
	default:
		return true
	}
}

func (cb *CircuitBreaker) admitHalfOpen() bool {
	if cb.halfOpenInFlight.Add(1) <= cb.opts.HalfOpenMaxCalls {
		return true
	}
	cb.halfOpenInFlight.Add(-1)
	return false
}

// OnSuccess records a successful call.
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	if CircuitState(cb.state.Load()) == CircuitHalfOpen {
		cb.halfOpenInFlight.Add(-1)
		cb.state.Store(int32(CircuitClosed))
	}
	cb.failures.Store(0)
}

// OnCancel releases a half-open call slot without judging the store.
func (cb *CircuitBreaker) OnCancel() {
	if cb == nil {
		return
	}
	if CircuitState(cb.state.Load()) == CircuitHalfOpen {
		cb.halfOpenInFlight.Add(-1)
	}
}

// OnFailure records a failure and opens the breaker at the threshold.
func (cb *CircuitBreaker) OnFailure() {
	if cb == nil {
		return
	}
	if CircuitState(cb.state.Load()) == CircuitHalfOpen {
		cb.halfOpenInFlight.Add(-1)
		cb.open()
		return
	}
	if cb.failures.Add(1) >= cb.opts.FailureThreshold {
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.failures.Store(cb.opts.FailureThreshold)
	cb.halfOpenInFlight.Store(0)
	cb.openUntil.Store(cb.now().Add(cb.opts.OpenDuration).UnixNano())
	cb.state.Store(int32(CircuitOpen))
}
