// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package antispam

import (
	"sync"
	"time"

	"github.com/AleutianAI/formrunner/pkg/clockwork"
)

// SlidingWindow counts events per key over a trailing window and
// enforces an exact limit: the Nth event in a window is allowed, the
// N+1th is not. A token bucket would smooth bursts instead of counting
// them, so the window is tracked explicitly.
//
// State is in-memory only; counts reset on process restart.
type SlidingWindow struct {
	limit  int
	window time.Duration
	clock  clockwork.Clock

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewSlidingWindow creates a limiter allowing limit events per window
// per key.
func NewSlidingWindow(limit int, window time.Duration, clock clockwork.Clock) *SlidingWindow {
	if clock == nil {
		clock = clockwork.Real()
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
		clock:  clock,
		events: make(map[string][]time.Time),
	}
}

// Allow reports whether another event for key would stay within the
// limit. It does not record; call Record once the event is accepted.
func (w *SlidingWindow) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pruneLocked(key)) < w.limit
}

// Record counts one accepted event for key.
func (w *SlidingWindow) Record(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events[key] = append(w.pruneLocked(key), w.clock.Now())
}

// Len returns the current in-window count for key.
func (w *SlidingWindow) Len(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pruneLocked(key))
}

// Prune drops expired events for every key and deletes empty keys.
// Called by the gate's sweeper to bound memory.
func (w *SlidingWindow) Prune() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key := range w.events {
		if kept := w.pruneLocked(key); len(kept) == 0 {
			delete(w.events, key)
		}
	}
}

// pruneLocked trims expired events for one key and returns what
// remains. Caller holds w.mu.
func (w *SlidingWindow) pruneLocked(key string) []time.Time {
	cutoff := w.clock.Now().Add(-w.window)
	stamps := w.events[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 && stamps != nil {
		w.events[key] = nil
		return nil
	}
	w.events[key] = kept
	return kept
}
