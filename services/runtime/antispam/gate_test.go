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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/formrunner/pkg/clockwork"
)

func newTestGate(t *testing.T, clock clockwork.Clock, cfg Config) *Gate {
	t.Helper()
	cfg.Enabled = true
	cfg.Clock = clock
	g := NewGate(cfg)
	t.Cleanup(g.Close)
	return g
}

// TestGate_Disabled verifies a disabled gate accepts everything,
// including unknown sessions.
func TestGate_Disabled(t *testing.T) {
	g := NewGate(Config{Clock: clockwork.NewFakeClock()})
	defer g.Close()

	res := g.Validate("never-started", CheckInput{FormID: "contact"})
	assert.True(t, res.Valid)
	assert.Empty(t, res.Reason)
}

// TestGate_HappyPath verifies a plausible human submission passes.
func TestGate_HappyPath(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newTestGate(t, clock, Config{})

	g.StartSession("s1")
	clock.Advance(10 * time.Second)

	res := g.Validate("s1", CheckInput{IP: "10.0.0.1", FormID: "contact"})
	assert.True(t, res.Valid)
}

// TestGate_Honeypot verifies any trap-field value rejects, even when
// the submission is also too fast: honeypot outranks everything.
func TestGate_Honeypot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newTestGate(t, clock, Config{})

	g.StartSession("s1")
	g.SetHoneypot("s1", "http://spam.example")

	res := g.Validate("s1", CheckInput{FormID: "contact"})
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonHoneypot, res.Reason)
}

// TestGate_TooFast verifies the minimum-completion-time check.
func TestGate_TooFast(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newTestGate(t, clock, Config{MinCompletionTime: 3 * time.Second})

	g.StartSession("s1")
	clock.Advance(time.Second)

	res := g.Validate("s1", CheckInput{FormID: "contact"})
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonTooFast, res.Reason)

	clock.Advance(2 * time.Second)
	assert.True(t, g.Validate("s1", CheckInput{FormID: "contact"}).Valid)
}

// TestGate_UnknownSession verifies a submission with no recorded start
// fails the completion-time check.
func TestGate_UnknownSession(t *testing.T) {
	g := newTestGate(t, clockwork.NewFakeClock(), Config{})

	res := g.Validate("never-started", CheckInput{FormID: "contact"})
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonTooFast, res.Reason)
}

// TestGate_IPRateLimit verifies the Nth submission passes and the
// N+1th is rejected, per IP.
func TestGate_IPRateLimit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newTestGate(t, clock, Config{
		IPLimit: Limit{Count: 3, Window: time.Minute},
	})

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("s%d", i)
		g.StartSession(id)
		clock.Advance(5 * time.Second)
		assert.True(t, g.Validate(id, CheckInput{IP: "10.0.0.1", FormID: "contact"}).Valid)
	}

	g.StartSession("s4")
	clock.Advance(5 * time.Second)
	res := g.Validate("s4", CheckInput{IP: "10.0.0.1", FormID: "contact"})
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonRateLimitIP, res.Reason)

	// A different IP is unaffected.
	g.StartSession("s5")
	clock.Advance(5 * time.Second)
	assert.True(t, g.Validate("s5", CheckInput{IP: "10.0.0.2", FormID: "contact"}).Valid)

	// The window slides: after it passes, the first IP may submit again.
	clock.Advance(time.Minute)
	g.StartSession("s6")
	clock.Advance(5 * time.Second)
	assert.True(t, g.Validate("s6", CheckInput{IP: "10.0.0.1", FormID: "contact"}).Valid)
}

// TestGate_FormRateLimit verifies the per-form cap across IPs, and
// that the per-IP reason wins when both limits are exhausted.
func TestGate_FormRateLimit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newTestGate(t, clock, Config{
		IPLimit:   Limit{Count: 100, Window: time.Minute},
		FormLimit: Limit{Count: 2, Window: time.Minute},
	})

	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("s%d", i)
		g.StartSession(id)
		clock.Advance(5 * time.Second)
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		assert.True(t, g.Validate(id, CheckInput{IP: ip, FormID: "contact"}).Valid)
	}

	g.StartSession("s3")
	clock.Advance(5 * time.Second)
	res := g.Validate("s3", CheckInput{IP: "10.0.0.9", FormID: "contact"})
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonRateLimitForm, res.Reason)

	// Other forms are counted separately.
	g.StartSession("s4")
	clock.Advance(5 * time.Second)
	assert.True(t, g.Validate("s4", CheckInput{IP: "10.0.0.9", FormID: "other"}).Valid)
}

// TestGate_SkipRateLimit verifies the trusted-caller bypass skips only
// the rate limits, not the bot checks.
func TestGate_SkipRateLimit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newTestGate(t, clock, Config{
		IPLimit: Limit{Count: 1, Window: time.Minute},
	})

	g.StartSession("s1")
	clock.Advance(5 * time.Second)
	assert.True(t, g.Validate("s1", CheckInput{IP: "10.0.0.1", FormID: "contact"}).Valid)

	g.StartSession("s2")
	clock.Advance(5 * time.Second)
	res := g.Validate("s2", CheckInput{IP: "10.0.0.1", FormID: "contact", SkipRateLimit: true})
	assert.True(t, res.Valid)

	g.StartSession("s3")
	g.SetHoneypot("s3", "bot")
	res = g.Validate("s3", CheckInput{IP: "10.0.0.1", SkipRateLimit: true})
	assert.Equal(t, ReasonHoneypot, res.Reason)
}

// TestGate_EndSession verifies a discarded session behaves as unknown.
func TestGate_EndSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newTestGate(t, clock, Config{})

	g.StartSession("s1")
	clock.Advance(10 * time.Second)
	g.EndSession("s1")

	res := g.Validate("s1", CheckInput{FormID: "contact"})
	assert.Equal(t, ReasonTooFast, res.Reason)
}

// TestGate_RestartResetsClock verifies restarting a session resets its
// completion timer.
func TestGate_RestartResetsClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newTestGate(t, clock, Config{MinCompletionTime: 3 * time.Second})

	g.StartSession("s1")
	clock.Advance(time.Minute)
	g.StartSession("s1")

	res := g.Validate("s1", CheckInput{FormID: "contact"})
	assert.Equal(t, ReasonTooFast, res.Reason)
}

// TestGate_HoneypotFieldProps verifies the trap field renders hidden
// and unfocusable.
func TestGate_HoneypotFieldProps(t *testing.T) {
	g := newTestGate(t, clockwork.NewFakeClock(), Config{HoneypotFieldName: "company_site"})

	props := g.HoneypotFieldProps()
	assert.Equal(t, "company_site", props["name"])
	assert.Equal(t, "-1", props["tabindex"])
	assert.Equal(t, "off", props["autocomplete"])
	assert.Contains(t, props["style"], "opacity:0")
}

// TestSlidingWindow verifies the exact-count semantics directly.
func TestSlidingWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := NewSlidingWindow(2, time.Minute, clock)

	assert.True(t, w.Allow("k"))
	w.Record("k")
	assert.True(t, w.Allow("k"))
	w.Record("k")
	assert.False(t, w.Allow("k"))
	assert.Equal(t, 2, w.Len("k"))

	clock.Advance(61 * time.Second)
	assert.True(t, w.Allow("k"))
	assert.Equal(t, 0, w.Len("k"))

	w.Record("k")
	w.Prune()
	assert.Equal(t, 1, w.Len("k"))
}
