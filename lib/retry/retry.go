// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry runs an operation a bounded number of times with
// doubling backoff between attempts.
//
// The relay drops messages whenever its socket bounces, so every
// negotiation envelope is sent through [Do]. The policy is explicit:
// attempt 1 runs immediately, attempt n+1 runs BaseDelay<<(n-1) after
// attempt n failed, and after Attempts failures Do returns an
// [*ExhaustedError] wrapping the last failure. Waits go through an
// injected clock so tests step through the schedule deterministically.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/freeflow-chat/freeflow/lib/clock"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	// Values below 1 are treated as 1.
	Attempts int

	// BaseDelay is the wait after the first failure. Each later wait
	// doubles.
	BaseDelay time.Duration

	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
}

// Delay returns the wait that follows failed attempt number attempt
// (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

// ExhaustedError reports that every attempt failed.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Operation, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Do calls op until it succeeds, returns a Permanent error, the policy
// is exhausted, or ctx is done. operation names the loop in logs and
// in the ExhaustedError.
func Do(ctx context.Context, clk clock.Clock, policy Policy, logger *slog.Logger, operation string, op func(ctx context.Context, attempt int) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = op(ctx, attempt)
		if last == nil {
			return nil
		}
		if permanent, ok := last.(*permanentError); ok {
			return permanent.err
		}
		if attempt == attempts {
			break
		}

		delay := policy.Delay(attempt)
		if logger != nil {
			logger.Warn("attempt failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", attempts,
				"backoff", delay,
				"error", last,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(delay):
		}
	}

	return &ExhaustedError{Operation: operation, Attempts: attempts, Last: last}
}
