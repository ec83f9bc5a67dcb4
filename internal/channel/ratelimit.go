package channel

import (
	"sync"
	"time"
)

// RateLimit configures the per-session token bucket applied to
// write-type events. A zero Burst disables limiting entirely.
type RateLimit struct {
	WindowSeconds int
	MaxRequests   int
	Burst         int
}

// DefaultRateLimit allows bursts of 120 writes refilling at 10 per
// second.
var DefaultRateLimit = RateLimit{
	WindowSeconds: 60,
	MaxRequests:   600,
	Burst:         120,
}

func (c RateLimit) enabled() bool {
	return c.Burst > 0 && c.MaxRequests > 0 && c.WindowSeconds > 0
}

func (c RateLimit) newBucket() *TokenBucket {
	refillRate := float64(c.MaxRequests) / float64(c.WindowSeconds)
	return NewTokenBucket(c.Burst, refillRate)
}

// TokenBucket implements a token bucket rate limiter. Bursts drain the
// bucket up to its capacity; tokens refill continuously at refillRate
// per second.
type TokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a full bucket with the given capacity and
// refill rate in tokens per second.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow consumes one token when available. When denied it reports how
// long until the next token accrues.
func (tb *TokenBucket) Allow() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, 0
	}

	tokensUntilNext := 1.0 - tb.tokens
	wait := time.Duration(tokensUntilNext / tb.refillRate * float64(time.Second))
	return false, wait
}
