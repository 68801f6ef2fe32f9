// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package antispam gates form submissions against automated abuse.
//
// Three layered checks run at submit time, cheapest and most damning
// first:
//
//  1. Honeypot: a field legitimate respondents never see. Any value
//     in it marks the submission as a bot.
//  2. Minimum completion time: forms filled faster than a human can
//     read them are rejected.
//  3. Sliding-window rate limits per client IP and per form.
//
// The gate is deliberately quiet about WHY a submission was rejected;
// Result.Reason is for operators and logs, not for respondents.
package antispam

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/formrunner/pkg/clockwork"
)

// Rejection reasons, in check-priority order.
const (
	ReasonHoneypot      = "honeypot_filled"
	ReasonTooFast       = "too_fast"
	ReasonRateLimitIP   = "rate_limit_ip"
	ReasonRateLimitForm = "rate_limit_form"
)

// sessionTTL is how long an idle session is kept before the sweeper
// discards it.
const sessionTTL = 24 * time.Hour

// Limit is a count-per-window rate limit.
type Limit struct {
	Count  int
	Window time.Duration
}

// Config configures a Gate.
type Config struct {
	// Enabled turns the gate on. A disabled gate accepts everything.
	Enabled bool

	// MinCompletionTime is the minimum believable time between a
	// session starting and the submission arriving. Default: 3s.
	MinCompletionTime time.Duration

	// HoneypotFieldName is the rendered name of the trap field.
	// Default: "website_url".
	HoneypotFieldName string

	// IPLimit caps submissions per client IP. Default: 10/minute.
	IPLimit Limit

	// FormLimit caps submissions per form across all clients.
	// Default: 50/minute.
	FormLimit Limit

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// CheckInput carries the per-submission facts the gate evaluates.
type CheckInput struct {
	// IP is the client address for the per-IP limit. Empty skips the
	// per-IP check.
	IP string

	// FormID keys the per-form limit. Empty skips the per-form check.
	FormID string

	// SkipRateLimit bypasses both rate limits, for trusted callers.
	SkipRateLimit bool
}

// Result is the gate's verdict.
type Result struct {
	Valid  bool
	Reason string
}

type session struct {
	startedAt time.Time
	honeypot  string
}

// Gate tracks form sessions and validates submissions.
//
// # Thread Safety
//
// Safe for concurrent use.
type Gate struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	ipLimiter   *SlidingWindow
	formLimiter *SlidingWindow

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	done chan struct{}
}

// NewGate creates a gate and starts its background sweeper.
func NewGate(cfg Config) *Gate {
	if cfg.MinCompletionTime <= 0 {
		cfg.MinCompletionTime = 3 * time.Second
	}
	if cfg.HoneypotFieldName == "" {
		cfg.HoneypotFieldName = "website_url"
	}
	if cfg.IPLimit.Count <= 0 {
		cfg.IPLimit = Limit{Count: 10, Window: time.Minute}
	}
	if cfg.FormLimit.Count <= 0 {
		cfg.FormLimit = Limit{Count: 50, Window: time.Minute}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	g := &Gate{
		cfg:         cfg,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		ipLimiter:   NewSlidingWindow(cfg.IPLimit.Count, cfg.IPLimit.Window, cfg.Clock),
		formLimiter: NewSlidingWindow(cfg.FormLimit.Count, cfg.FormLimit.Window, cfg.Clock),
		sessions:    make(map[string]*session),
		done:        make(chan struct{}),
	}

	sweep := cfg.IPLimit.Window
	if cfg.FormLimit.Window > sweep {
		sweep = cfg.FormLimit.Window
	}
	go g.sweeper(2 * sweep)
	return g
}

// StartSession records when a respondent began the form. Restarting an
// existing session resets its clock.
func (g *Gate) StartSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.sessions[sessionID] = &session{startedAt: g.clock.Now()}
}

// SetHoneypot stores the trap field's submitted value for a session.
func (g *Gate) SetHoneypot(sessionID, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[sessionID]; ok {
		s.honeypot = value
	}
}

// Validate runs the gate's checks against one submission.
//
// # Description
//
// Checks run in priority order and the first failure wins: honeypot,
// then completion time, then the per-IP limit, then the per-form
// limit. A submission for an unknown session fails the completion-time
// check; without a recorded start there is no evidence a human spent
// any time on the form.
//
// A valid submission is counted against both rate limits.
func (g *Gate) Validate(sessionID string, in CheckInput) Result {
	if !g.cfg.Enabled {
		return Result{Valid: true}
	}

	g.mu.Lock()
	sess, known := g.sessions[sessionID]
	var honeypot string
	var elapsed time.Duration
	if known {
		honeypot = sess.honeypot
		elapsed = g.clock.Now().Sub(sess.startedAt)
	}
	g.mu.Unlock()

	if known && strings.TrimSpace(honeypot) != "" {
		g.logger.Info("submission rejected", "reason", ReasonHoneypot, "form_id", in.FormID)
		return Result{Reason: ReasonHoneypot}
	}
	if !known || elapsed < g.cfg.MinCompletionTime {
		g.logger.Info("submission rejected", "reason", ReasonTooFast,
			"form_id", in.FormID, "elapsed", elapsed)
		return Result{Reason: ReasonTooFast}
	}

	if !in.SkipRateLimit {
		if in.IP != "" && !g.ipLimiter.Allow("ip:"+in.IP) {
			g.logger.Info("submission rejected", "reason", ReasonRateLimitIP,
				"form_id", in.FormID, "ip", in.IP)
			return Result{Reason: ReasonRateLimitIP}
		}
		if in.FormID != "" && !g.formLimiter.Allow("form:"+in.FormID) {
			g.logger.Info("submission rejected", "reason", ReasonRateLimitForm,
				"form_id", in.FormID)
			return Result{Reason: ReasonRateLimitForm}
		}
	}

	if in.IP != "" {
		g.ipLimiter.Record("ip:" + in.IP)
	}
	if in.FormID != "" {
		g.formLimiter.Record("form:" + in.FormID)
	}
	return Result{Valid: true}
}

// EndSession discards a session's state after a completed submission.
func (g *Gate) EndSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionID)
}

// HoneypotFieldProps returns the attributes the rendering layer should
// put on the trap field so browsers neither show nor autofill it.
func (g *Gate) HoneypotFieldProps() map[string]string {
	return map[string]string{
		"name":         g.cfg.HoneypotFieldName,
		"tabindex":     "-1",
		"autocomplete": "off",
		"aria-hidden":  "true",
		"style":        "position:absolute;left:-9999px;opacity:0;pointer-events:none",
	}
}

// Close stops the sweeper. Safe to call more than once.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	close(g.done)
}

// sweeper periodically drops expired rate-limit entries and stale
// sessions so an abandoned form does not leak memory.
func (g *Gate) sweeper(interval time.Duration) {
	ticker := g.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.Chan():
			g.ipLimiter.Prune()
			g.formLimiter.Prune()
			cutoff := g.clock.Now().Add(-sessionTTL)
			g.mu.Lock()
			for id, s := range g.sessions {
				if s.startedAt.Before(cutoff) {
					delete(g.sessions, id)
				}
			}
			g.mu.Unlock()
		}
	}
}
