// Package retry provides the bounded-attempt backoff policy shared by the
// fetcher and transcoder, so both classify and pace retries the same way.
package retry

import (
	"context"
	"time"

	"github.com/aseltyar/video-downloader/internal/domain"
)

// Policy describes how many attempts an operation gets and how long to wait
// between them. Only errors wrapped in domain.RetryableError are retried;
// everything else is treated as permanent and returned immediately.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

// Default is the stock policy for transient network failures.
var Default = Policy{
	MaxAttempts:     4,
	InitialInterval: 500 * time.Millisecond,
	Multiplier:      2.0,
	MaxInterval:     10 * time.Second,
}

// Do runs op until it succeeds, fails permanently, exhausts attempts, or
// the context is cancelled. The attempt number passed to op starts at 1.
func (p Policy) Do(ctx context.Context, op func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = op(attempt)
		if err == nil {
			return nil
		}
		if !domain.IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Interval(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// Interval returns the pause after the given attempt (1-based), growing by
// Multiplier and capped at MaxInterval.
func (p Policy) Interval(attempt int) time.Duration {
	interval := p.InitialInterval
	if interval <= 0 {
		return 0
	}

	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		interval = time.Duration(float64(interval) * mult)
		if p.MaxInterval > 0 && interval >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if p.MaxInterval > 0 && interval > p.MaxInterval {
		return p.MaxInterval
	}
	return interval
}
