// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package debounce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/formrunner/pkg/clockwork"
)

// TestDebouncer_LatestWins verifies a burst collapses to one execution of
// the most recent function.
func TestDebouncer_LatestWins(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(clock, 3*time.Second)

	var got []int
	for i := 1; i <= 5; i++ {
		i := i
		d.Call(func() { got = append(got, i) })
		clock.Advance(100 * time.Millisecond)
	}

	assert.Empty(t, got, "nothing runs before the window closes")

	clock.Advance(3 * time.Second)
	assert.Equal(t, []int{5}, got, "exactly one execution, latest call wins")
	assert.False(t, d.Pending())
}

// TestDebouncer_WindowReopens verifies a call after the window closes
// schedules a new execution.
func TestDebouncer_WindowReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(clock, time.Second)

	var count int
	d.Call(func() { count++ })
	clock.Advance(time.Second)
	assert.Equal(t, 1, count)

	d.Call(func() { count++ })
	clock.Advance(time.Second)
	assert.Equal(t, 2, count)
}

// TestDebouncer_Flush verifies Flush runs the pending function immediately
// and that the timer firing later is a no-op.
func TestDebouncer_Flush(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(clock, time.Minute)

	var count int
	d.Call(func() { count++ })
	d.Flush()
	assert.Equal(t, 1, count)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, count, "flushed work must not run twice")
}

// TestDebouncer_FlushWithoutPending verifies Flush is safe when idle.
func TestDebouncer_FlushWithoutPending(t *testing.T) {
	d := New(clockwork.NewFakeClock(), time.Second)
	d.Flush() // must not panic
}

// TestDebouncer_Stop verifies Stop discards pending work and disables
// further scheduling.
func TestDebouncer_Stop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(clock, time.Second)

	var count int
	d.Call(func() { count++ })
	d.Stop()
	d.Stop() // idempotent

	clock.Advance(5 * time.Second)
	assert.Equal(t, 0, count)

	d.Call(func() { count++ })
	clock.Advance(5 * time.Second)
	assert.Equal(t, 0, count, "calls after Stop are ignored")
}
