package ratelimit

import (
	"context"
	"math"
	"time"
)

// bucketTTL is how long an idle bucket is remembered.
const bucketTTL = 60 * time.Second

// Decision is the outcome of taking one token.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Store keeps token buckets. Take refills the bucket at key and consumes one token atomically.
type Store interface {
	Take(ctx context.Context, key string, capacity int, ratePerSec float64, now time.Time) (Decision, error)
}

// bucket is the refill state shared by every store.
type bucket struct {
	tokens float64
	last   time.Time
}

// take refills b up to capacity and consumes a token when one is available.
func (b *bucket) take(capacity int, ratePerSec float64, now time.Time) Decision {
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(float64(capacity), b.tokens+elapsed*ratePerSec)
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: b.tokens}
	}
	return Decision{Remaining: b.tokens, RetryAfter: retryAfter(b.tokens, ratePerSec)}
}

// retryAfter is the whole seconds until one token is back.
func retryAfter(tokens, ratePerSec float64) time.Duration {
	if ratePerSec <= 0 {
		return bucketTTL
	}
	secs := (1 - tokens) / ratePerSec
	return time.Duration(math.Ceil(secs-1e-9)) * time.Second
}
