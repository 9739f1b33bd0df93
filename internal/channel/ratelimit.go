// ratelimit.go implements token-bucket rate limiting for the clearing
// network API.
//
// The network enforces per-category limits measured in requests per
// 10-second windows. The bucket refills continuously rather than in 10s
// bursts to avoid hitting hard limits.
//
// Two buckets are maintained:
//   - Channel:  30 burst / 3 per sec — open, resize, close
//   - Transfer: 100 burst / 10 per sec — ledger transfers
package channel

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by clearing-network endpoint category.
// Each call must Wait() on the appropriate bucket before making the
// HTTP request.
type RateLimiter struct {
	Channel  *TokenBucket // POST /channels, /resize, /close
	Transfer *TokenBucket // POST /transfer
}

// NewRateLimiter creates rate limiters tuned to the network's published
// limits. Capacities are the 10-second burst allowance, rates 1/10th for
// smooth refill.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Channel:  NewTokenBucket(30, 3),   // 30 per 10s window
		Transfer: NewTokenBucket(100, 10), // 100 per 10s window
	}
}
