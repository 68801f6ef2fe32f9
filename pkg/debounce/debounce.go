// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package debounce provides a reusable trailing-edge debouncer.
//
// A Debouncer collapses a burst of calls into a single execution of the
// most recently supplied function. The window opens on the first call of
// a burst and is not extended by later calls, so a continuous stream of
// calls still executes once per window rather than being postponed
// indefinitely.
//
// The runtime uses two independent Debouncer instances: one for local
// snapshot writes and one for remote sync pushes. The windows are
// configured separately so a flaky network never slows down local
// persistence.
package debounce

import (
	"sync"
	"time"

	"github.com/AleutianAI/formrunner/pkg/clockwork"
)

// Debouncer coalesces rapid calls into one trailing execution.
//
// # Thread Safety
//
// Safe for concurrent use. The pending function runs without the
// internal lock held.
type Debouncer struct {
	clock clockwork.Clock
	delay time.Duration

	mu      sync.Mutex
	timer   clockwork.Timer
	pending func()
	stopped bool
}

// New creates a Debouncer with the given window.
//
// # Inputs
//
//   - clock: Clock for scheduling. Must not be nil.
//   - delay: Window length. A non-positive delay executes on the next
//     timer fire, effectively immediately.
func New(clock clockwork.Clock, delay time.Duration) *Debouncer {
	return &Debouncer{
		clock: clock,
		delay: delay,
	}
}

// Call schedules fn to run when the current window closes. If a window
// is already open, fn replaces the previously pending function; the
// window is not extended.
func (d *Debouncer) Call(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.pending = fn
	if d.timer == nil {
		d.timer = d.clock.AfterFunc(d.delay, d.fire)
	}
}

// Flush executes any pending function immediately and closes the window.
func (d *Debouncer) Flush() {
	d.fire()
}

// Stop discards any pending function and prevents future calls from
// scheduling work. Safe to call multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.pending = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Pending reports whether a function is waiting for the window to close.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	fn := d.pending
	d.pending = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}
