// Package retry provides the backoff primitives shared by the archive
// uploader and the reconnect supervisor.
package retry

import (
	"context"
	"time"
)

// Backoff produces the sequence of sleep durations between attempts.
// Next is called once per failed attempt, starting at attempt 1.
type Backoff interface {
	// MaxAttempts returns the number of retries after the initial try.
	MaxAttempts() int
	// Next returns how long to sleep before the given retry attempt.
	Next(attempt int) time.Duration
}

// Exponential doubles its interval up to a ceiling on each attempt.
type Exponential struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// MaxAttempts implements Backoff.
func (e Exponential) MaxAttempts() int { return e.MaxRetries }

// Next implements Backoff.
func (e Exponential) Next(attempt int) time.Duration {
	interval := e.InitialInterval
	for i := 1; i < attempt; i++ {
		interval = time.Duration(float64(interval) * e.Multiplier)
		if interval > e.MaxInterval {
			interval = e.MaxInterval
			break
		}
	}
	if interval > e.MaxInterval {
		interval = e.MaxInterval
	}
	return interval
}

// FixedGap is the Reconnect Supervisor's strategy: a flat gap between
// every attempt, capped at 300 seconds regardless of what is asked for.
type FixedGap struct {
	Attempts int
	Gap      time.Duration
}

// MaxAttempts implements Backoff.
func (f FixedGap) MaxAttempts() int { return f.Attempts }

// Next implements Backoff.
func (f FixedGap) Next(int) time.Duration {
	gap := f.Gap
	if gap > 300*time.Second {
		gap = 300 * time.Second
	}
	return gap
}

// Do runs fn, retrying per b until it succeeds, attempts are
// exhausted, or ctx is cancelled. Once attempts are exhausted the error
// from the last attempt is returned; if ctx is cancelled before an
// attempt or during a sleep, ctx.Err() is returned instead.
func Do(ctx context.Context, b Backoff, fn func() error) error {
	var err error
	attempts := b.MaxAttempts()
	for attempt := 0; attempt <= attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(b.Next(attempt + 1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
