// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source used by every Freeflow
// component that waits: relay reconnect backoff, the stable-socket
// delay, send retries, the sync settle delay and connect timeouts.
//
// Production code receives [Real]. Tests receive [Fake] and drive time
// with [FakeClock.Advance], using [FakeClock.WaitForTimers] to block
// until the code under test has armed the timer it is about to fire.
package clock

import "time"

// Clock is the subset of the time package that Freeflow uses.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. A
	// non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels
	// the call if stopped first.
	AfterFunc(d time.Duration, f func()) *Timer

	// Sleep blocks for d.
	Sleep(d time.Duration)
}

// Timer is a cancellable pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the pending call. It reports whether the call was
// still pending.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
