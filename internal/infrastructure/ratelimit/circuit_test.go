package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker(CircuitOptions{FailureThreshold: 2, OpenDuration: 30 * time.Millisecond, HalfOpenMaxCalls: 1}, clock.Now)

	assert.True(t, cb.Allow(), "closed breaker allows")
	cb.OnFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.OnFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	clock.Advance(35 * time.Millisecond)
	assert.True(t, cb.Allow(), "half-open admits a probe")
	assert.False(t, cb.Allow(), "only one probe at a time")
	cb.OnSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker(CircuitOptions{FailureThreshold: 1, OpenDuration: time.Second}, clock.Now)

	cb.OnFailure()
	assert.False(t, cb.Allow())
	clock.Advance(time.Second)
	assert.True(t, cb.Allow())
	cb.OnFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenAdmitsOneProbeUnderContention(t *testing.T) {
	for round := 0; round < 50; round++ {
		clock := &stepClock{now: time.Unix(0, 0)}
		cb := NewCircuitBreaker(CircuitOptions{FailureThreshold: 1, OpenDuration: time.Second, HalfOpenMaxCalls: 1}, clock.Now)
		cb.OnFailure()
		clock.Advance(time.Second)

		var admitted atomic.Int64
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if cb.Allow() {
					admitted.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int64(1), admitted.Load(), "round %d", round)
		assert.Equal(t, CircuitHalfOpen, cb.State())
	}
}

func TestCircuitBreaker_CancelReleasesProbe(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	cb := NewCircuitBreaker(CircuitOptions{FailureThreshold: 1, OpenDuration: time.Second}, clock.Now)
	cb.OnFailure()
	clock.Advance(time.Second)

	require.True(t, cb.Allow())
	cb.OnCancel()
	assert.Equal(t, CircuitHalfOpen, cb.State(), "a cancelled trial call neither opens nor closes the breaker")
	assert.True(t, cb.Allow(), "the slot is free again")
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitOptions{FailureThreshold: 2}, nil)
	cb.OnFailure()
	cb.OnSuccess()
	cb.OnFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, "closed", cb.State().String())
}

func TestCircuitBreaker_NilIsAlwaysClosed(t *testing.T) {
	var cb *CircuitBreaker
	assert.True(t, cb.Allow())
	cb.OnFailure()
	cb.OnSuccess()
}
