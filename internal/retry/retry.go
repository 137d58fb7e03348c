/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package retry decides, for a single failed step, whether to try again and
// how long to wait before doing so.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Backoff selects the delay growth curve between attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Policy configures retry behavior for hardware and storage steps.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	BaseDelay   time.Duration
}

// DefaultPolicy is applied when a plan does not configure retries.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Backoff: BackoffFixed, BaseDelay: 2 * time.Second}
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry maxAttempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.Backoff != BackoffFixed && p.Backoff != BackoffExponential {
		return fmt.Errorf("retry backoff must be %q or %q, got %q", BackoffFixed, BackoffExponential, p.Backoff)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("retry baseDelay must not be negative, got %v", p.BaseDelay)
	}
	return nil
}

// Delay returns the wait before the next attempt, given the number of
// attempts made so far (1-based). Fixed backoff waits baseDelay*attempt,
// exponential waits baseDelay*2^attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Backoff {
	case BackoffExponential:
		// Cap the shift so pathological attempt counts cannot overflow.
		if attempt > 32 {
			attempt = 32
		}
		return p.BaseDelay * time.Duration(int64(1)<<uint(attempt))
	default:
		return p.BaseDelay * time.Duration(attempt)
	}
}

// Outcome reports how a retried operation ended.
type Outcome struct {
	// Attempts is the number of times the operation was invoked.
	Attempts int
	// Err is nil on success, otherwise the error from the last attempt.
	Err error
	// Cancelled is set when the context ended before an attempt or during
	// a backoff wait. Err carries the last attempt's failure, or the
	// context error when no attempt was made.
	Cancelled bool
}

// Success reports whether any attempt succeeded.
func (o Outcome) Success() bool {
	return o.Err == nil
}

// Do runs op up to p.MaxAttempts times, sleeping per the policy between
// attempts. It returns the first success or the last failure, tagged with
// the number of attempts made. ctx is checked before every attempt and
// during backoff waits, so a cancelled caller never issues another
// attempt; an in-flight attempt is never interrupted by Do itself.
func Do(ctx context.Context, p Policy, op func(context.Context) error) Outcome {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Attempts: attempt - 1, Err: err, Cancelled: true}
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return Outcome{Attempts: attempt}
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return Outcome{Attempts: attempt, Err: lastErr, Cancelled: true}
		}
	}
	return Outcome{Attempts: attempts, Err: lastErr}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
