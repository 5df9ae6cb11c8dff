// Package backoff implements the bounded exponential retry the event
// writer uses around append contention, and the retry shape every other resiliency client
// in this codebase (pkg/entropy) shares. The rate.Limiter gives the
// bounded loop a pacing floor so a hot contention storm can't
// busy-loop tighter than the configured minimum spacing between
// attempts.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// ErrBudgetExhausted is returned once Policy.Run has exhausted its
// bounded attempt count without its operation succeeding. Callers
// (pkg/writer) surface this as WriteContention: recoverable with
// bounded internal retry, surfaced once the bound runs out.
var ErrBudgetExhausted = errors.New("backoff: retry budget exhausted")

// Policy configures a bounded exponential-backoff retry loop.
type Policy struct {
	MaxAttempts int           // total attempts including the first, e.g. 5
	BaseDelay   time.Duration // delay before attempt 2
	MaxDelay    time.Duration // ceiling on any single computed delay
	Limiter     *rate.Limiter // optional pacing floor; nil disables it
}

// DefaultPolicy returns the policy EventWriter uses by default: five
// attempts, 50ms doubling up to 2s, paced at no more than 20 attempts/s
// so a contention storm across many goroutines doesn't itself become a
// self-inflicted denial of service against the store.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Limiter:     rate.NewLimiter(20, 1),
	}
}

// delay returns the backoff duration before the given attempt (1-based,
// attempt 1 is the first retry after the initial try), exponential in
// attempt with up to 50ms of jitter, capped at MaxDelay.
func (p Policy) delay(attempt int) time.Duration {
	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	jitter := time.Duration(rand.Intn(50)) * time.Millisecond
	d := time.Duration(base) + jitter
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Retryable distinguishes an error the loop should retry from one that
// should abort immediately (a caller-band or constitutional error has
// no business being retried by this loop).
type Retryable func(error) bool

// Run executes op up to p.MaxAttempts times, backing off between
// attempts, until op returns a nil error, a non-retryable error (per
// shouldRetry), or the attempt budget is exhausted. On exhaustion it
// returns ErrBudgetExhausted wrapping the last observed error.
func (p Policy) Run(ctx context.Context, shouldRetry Retryable, op func(ctx context.Context, attempt int) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return fmt.Errorf("backoff: rate limiter wait: %w", err)
			}
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("backoff: context cancelled: %w", ctx.Err())
		case <-time.After(p.delay(attempt)):
		}
	}

	return fmt.Errorf("%w: last error: %v", ErrBudgetExhausted, lastErr)
}
