package ratelimit

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// bucketState is the immutable token-bucket state swapped by CAS.
type bucketState struct {
	tokens     int64
	lastRefill time.Time
}

// TokenBucket admits up to capacity tokens in a burst and refills at rate
// tokens per second. Acquire refills lazily and CASes the new state, so
// contended callers retry instead of blocking.
type TokenBucket struct {
	rate     int64
	capacity int64
	clock    clockwork.Clock
	state    atomic.Pointer[bucketState]
}

// NewTokenBucket builds a full bucket. A nil clock means the real one.
func NewTokenBucket(rate, capacity int64, clock clockwork.Clock) *TokenBucket {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	b := &TokenBucket{rate: rate, capacity: capacity, clock: clock}
	b.state.Store(&bucketState{tokens: capacity, lastRefill: clock.Now()})
	return b
}

// TryAcquire attempts to take permits tokens. Both the admit and the deny
// path install the refilled state atomically.
func (b *TokenBucket) TryAcquire(permits int64) bool {
	for {
		old := b.state.Load()
		now := b.clock.Now()
		elapsed := now.Sub(old.lastRefill)
		tokens := old.tokens
		refillTime := old.lastRefill
		if elapsed > 0 {
			tokens += int64(elapsed.Seconds() * float64(b.rate))
			if tokens > b.capacity {
				tokens = b.capacity
			}
			refillTime = now
		}
		admitted := tokens >= permits
		next := &bucketState{tokens: tokens, lastRefill: refillTime}
		if admitted {
			next.tokens -= permits
		}
		if b.state.CompareAndSwap(old, next) {
			return admitted
		}
	}
}

// Tokens reports the current token count after a lazy refill, for
// reporting.
func (b *TokenBucket) Tokens() int64 {
	old := b.state.Load()
	elapsed := b.clock.Now().Sub(old.lastRefill)
	tokens := old.tokens + int64(elapsed.Seconds()*float64(b.rate))
	if tokens > b.capacity {
		tokens = b.capacity
	}
	return tokens
}
