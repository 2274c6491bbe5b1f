// Package ratelimit implements a per-owner token bucket with weighted
// costs: cheap reads consume one token, expensive operations (command
// dispatch burns a sandbox exec; session creation burns a container)
// consume more. Thread-safe. No background goroutines — tokens refill
// lazily and idle buckets are pruned on the allow path.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when an owner has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// idleBucketTTL is how long an owner's bucket survives without
// activity before it is pruned. Long enough that a returning owner's
// bucket is full anyway.
const idleBucketTTL = 10 * time.Minute

// Config configures the token bucket rate limiter.
type Config struct {
	TokensPerMinute int // Tokens added per minute. 0 = unlimited (AllowN always succeeds).
	BurstSize       int // Maximum tokens in bucket. 0 = defaults to TokensPerMinute.
}

// Limiter is a per-owner weighted token bucket.
// Each owner gets an independent bucket; one owner cannot exhaust another's quota.
type Limiter struct {
	mu     sync.Mutex
	owners map[string]*bucket
	rate   float64 // tokens per second
	burst  float64 // max bucket capacity
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If TokensPerMinute is 0, every call succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.TokensPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		owners: make(map[string]*bucket),
		rate:   float64(cfg.TokensPerMinute) / 60.0,
		burst:  float64(burst),
	}
}

// Allow consumes one token for the owner.
func (l *Limiter) Allow(ownerID string) error {
	return l.AllowN(ownerID, 1)
}

// AllowN consumes cost tokens for the owner, or returns ErrRateLimited
// without consuming anything if the bucket holds fewer. A cost above
// the burst capacity can never succeed.
func (l *Limiter) AllowN(ownerID string, cost float64) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}
	if cost <= 0 {
		cost = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.pruneLocked(now)

	b, ok := l.owners[ownerID]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.owners[ownerID] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < cost {
		return ErrRateLimited
	}
	b.tokens -= cost
	return nil
}

// pruneLocked drops buckets idle past the TTL. An idle bucket would
// have refilled to burst anyway, so dropping it changes nothing for
// the owner. Must be called with l.mu held.
func (l *Limiter) pruneLocked(now time.Time) {
	for id, b := range l.owners {
		if now.Sub(b.lastFill) > idleBucketTTL {
			delete(l.owners, id)
		}
	}
}
