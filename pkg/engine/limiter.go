// Package engine implements the bulk analysis job engine: a bounded,
// dependency-aware work queue, a shared worker pool, retry with
// exponential backoff, rate/concurrency limiting, content-cache
// consultation and live progress tracking.
package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/codelens/codelens/pkg/analysis"
)

// LimiterConfig bounds calls to the downstream Analyzer. The limiter is
// shared across all jobs; it protects the collaborator, not any single job.
type LimiterConfig struct {
	// MaxInFlight caps concurrent Analyzer calls.
	MaxInFlight int `koanf:"max_in_flight"`

	// RatePerSecond is the sustained token-bucket refill rate.
	RatePerSecond float64 `koanf:"rate_per_second"`

	// Burst is the bucket capacity.
	Burst int `koanf:"burst"`

	// MaxWait bounds how long an acquire may queue for a rate token
	// before failing with rate_limited (retryable).
	MaxWait time.Duration `koanf:"max_wait"`
}

// ApplyDefaults fills unset fields.
func (c *LimiterConfig) ApplyDefaults() {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 16
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = c.MaxInFlight
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 10 * time.Second
	}
}

// Limiter enforces two independent limits on Analyzer calls: a concurrency
// cap (semaphore) and a sustained rate (token bucket). Acquire blocks
// cooperatively; a call that cannot obtain a rate token within MaxWait
// fails with a retryable rate_limited failure.
type Limiter struct {
	sem     *semaphore.Weighted
	bucket  *tokenBucket
	maxWait time.Duration
}

// NewLimiter builds a limiter from the config.
func NewLimiter(cfg LimiterConfig) *Limiter {
	cfg.ApplyDefaults()
	return &Limiter{
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		bucket:  newTokenBucket(cfg.RatePerSecond, cfg.Burst),
		maxWait: cfg.MaxWait,
	}
}

// Acquire blocks until both a concurrency slot and a rate token are held.
// The caller must Release the slot when the Analyzer call returns.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	wait, ok := l.bucket.reserve()
	if !ok || wait > l.maxWait {
		if ok {
			l.bucket.refund()
		}
		l.sem.Release(1)
		return analysis.NewFailure(analysis.FailRateLimited, "rate limit queue exceeded %s", l.maxWait)
	}
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			l.bucket.refund()
			l.sem.Release(1)
			return ctx.Err()
		}
	}
	return nil
}

// Release returns the concurrency slot.
func (l *Limiter) Release() {
	l.sem.Release(1)
}

// tokenBucket is a minimal reservation-based token bucket. Tokens may go
// negative; a negative balance is a queue of reservations waiting for
// refill.
type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	rate   float64 // tokens per second
	last   time.Time
	now    func() time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	tb := &tokenBucket{
		tokens: float64(burst),
		burst:  float64(burst),
		rate:   rate,
		now:    time.Now,
	}
	tb.last = tb.now()
	return tb
}

// reserve consumes one token and returns how long the caller must wait
// before proceeding. ok is false only for a zero-rate bucket.
func (tb *tokenBucket) reserve() (time.Duration, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.rate <= 0 {
		return 0, false
	}

	tb.refill()
	tb.tokens--
	if tb.tokens >= 0 {
		return 0, true
	}
	wait := time.Duration(-tb.tokens / tb.rate * float64(time.Second))
	return wait, true
}

// refund returns a reserved token after an abandoned wait.
func (tb *tokenBucket) refund() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens++
	if tb.tokens > tb.burst {
		tb.tokens = tb.burst
	}
}

func (tb *tokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.last).Seconds()
	tb.last = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.burst {
		tb.tokens = tb.burst
	}
}
