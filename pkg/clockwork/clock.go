// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clockwork provides an injectable clock abstraction for
// time-dependent components.
//
// Production code takes a Clock instead of calling time.Now or
// time.AfterFunc directly, so tests can substitute a FakeClock and drive
// timers deterministically. This replaces environment-conditional timer
// code paths: there is exactly one production code path, and only the
// clock implementation differs under test.
package clockwork

import "time"

// Clock abstracts the parts of package time that the runtime uses.
//
// # Thread Safety
//
// Both implementations are safe for concurrent use.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for the duration to elapse and then calls fn in
	// its own goroutine. It returns a Timer that can be used to cancel
	// or reschedule the call.
	AfterFunc(d time.Duration, fn func()) Timer

	// NewTicker returns a new Ticker that delivers ticks at the given
	// interval on its channel.
	NewTicker(d time.Duration) Ticker
}

// Timer represents a single scheduled call created by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the Timer from firing. It returns true if the call
	// was stopped before running, false if it already fired or was
	// stopped.
	Stop() bool

	// Reset reschedules the timer to fire after duration d. It returns
	// true if the timer had been active.
	Reset(d time.Duration) bool
}

// Ticker delivers ticks of a clock at intervals.
type Ticker interface {
	// Chan returns the channel on which ticks are delivered.
	Chan() <-chan time.Time

	// Stop turns off the ticker. Stop does not close the channel.
	Stop()
}

// Real returns a Clock backed by package time.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{time.AfterFunc(d, fn)}
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool {
	return r.t.Stop()
}

func (r realTimer) Reset(d time.Duration) bool {
	return r.t.Reset(d)
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) Chan() <-chan time.Time {
	return r.t.C
}

func (r realTicker) Stop() {
	r.t.Stop()
}
