// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clockwork

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock for tests.
//
// # Description
//
// Time only moves when Advance is called. Timers created with AfterFunc
// fire synchronously inside Advance, in deadline order, before Advance
// returns. Ticker ticks are delivered on a buffered channel; ticks that
// find the buffer full are dropped, which mirrors how a slow receiver
// misses real ticker ticks.
//
// # Thread Safety
//
// Safe for concurrent use. Callbacks run without the clock lock held, so
// they may call back into the clock.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

// NewFakeClock returns a FakeClock starting at an arbitrary fixed time.
func NewFakeClock() *FakeClock {
	return NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

// NewFakeClockAt returns a FakeClock starting at t.
func NewFakeClockAt(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

// Now returns the fake current time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc schedules fn to run when the fake time reaches now+d.
func (f *FakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{
		clock:    f,
		deadline: f.now.Add(d),
		fn:       fn,
		active:   true,
	}
	f.timers = append(f.timers, t)
	return t
}

// NewTicker returns a ticker driven by Advance.
func (f *FakeClock) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTicker{
		clock:    f,
		interval: d,
		next:     f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance moves the fake time forward by d, firing due timers in
// deadline order and delivering due ticker ticks.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		t := f.nextDueTimerLocked(target)
		if t == nil {
			break
		}
		f.now = t.deadline
		t.active = false
		fn := t.fn
		f.deliverTicksLocked()

		// Run the callback without the lock so it can reschedule.
		f.mu.Unlock()
		fn()
		f.mu.Lock()
	}

	f.now = target
	f.deliverTicksLocked()
	f.mu.Unlock()
}

// nextDueTimerLocked returns the active timer with the earliest deadline
// not after target, or nil.
func (f *FakeClock) nextDueTimerLocked(target time.Time) *fakeTimer {
	var due *fakeTimer
	for _, t := range f.timers {
		if !t.active || t.deadline.After(target) {
			continue
		}
		if due == nil || t.deadline.Before(due.deadline) {
			due = t
		}
	}
	return due
}

func (f *FakeClock) deliverTicksLocked() {
	sort.SliceStable(f.tickers, func(i, j int) bool {
		return f.tickers[i].next.Before(f.tickers[j].next)
	})
	for _, t := range f.tickers {
		if t.stopped {
			continue
		}
		for !t.next.After(f.now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.interval)
		}
	}
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	fn       func()
	active   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	was := t.active
	t.active = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	was := t.active
	t.deadline = t.clock.now.Add(d)
	t.active = true
	return was
}

type fakeTicker struct {
	clock    *FakeClock
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (t *fakeTicker) Chan() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
