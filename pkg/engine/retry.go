package engine

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/codelens/codelens/pkg/analysis"
)

// Retrier executes a single item attempt under the job's retry policy:
// exponential backoff base*2^(attempt-1) capped at maxDelay, with ±20%
// jitter so many items failing on a shared event (a rate-limit trip, say)
// do not retry in lockstep.
type Retrier struct {
	maxDelay time.Duration
	logger   zerolog.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier builds a retrier with the given backoff ceiling.
func NewRetrier(maxDelay time.Duration, logger zerolog.Logger) *Retrier {
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Retrier{
		maxDelay: maxDelay,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// attemptFunc runs one attempt and returns the result or a classifiable
// error.
type attemptFunc func(ctx context.Context, attempt int) (json.RawMessage, error)

// Execute runs fn with retries per policy. The attempt counter passed to fn
// is 1-based. Retryable failures are re-attempted up to MaxRetries extra
// times; terminal failures and exhausted retries return the last failure.
func (r *Retrier) Execute(ctx context.Context, policy analysis.RetryPolicy, fn attemptFunc) (json.RawMessage, int, *analysis.Failure) {
	attempts := 0
	for {
		attempts++
		result, err := fn(ctx, attempts)
		if err == nil {
			return result, attempts, nil
		}

		failure := analysis.ClassifyError(err)
		if !failure.Code.Retryable() {
			return nil, attempts, failure
		}
		if attempts > policy.MaxRetries {
			r.logger.Debug().
				Int("attempts", attempts).
				Str("code", string(failure.Code)).
				Msg("Retries exhausted")
			return nil, attempts, failure
		}
		if ctx.Err() != nil {
			return nil, attempts, analysis.ClassifyError(ctx.Err())
		}

		delay := r.backoff(policy.BackoffBase, attempts)
		r.logger.Debug().
			Int("attempt", attempts).
			Dur("delay", delay).
			Str("code", string(failure.Code)).
			Msg("Retrying after backoff")

		if err := r.sleep(ctx, delay); err != nil {
			return nil, attempts, analysis.ClassifyError(err)
		}
	}
}

// backoff computes base*2^(attempt-1), capped, with ±20% jitter.
func (r *Retrier) backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = analysis.DefaultBackoffBase
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(r.maxDelay) {
		delay = float64(r.maxDelay)
	}

	jitter := 0.8 + 0.4*rand.Float64() //nolint:gosec // jitter does not need crypto randomness
	return time.Duration(delay * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
