// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analytics batches interaction events to the analytics API.
//
// Tracking is strictly best-effort: Track never blocks the caller,
// never returns an error, and the buffer drops its oldest events under
// pressure. Losing telemetry must never degrade the respondent's
// experience.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/formrunner/pkg/clockwork"
)

// Common event names emitted by the runtime.
const (
	EventFormView     = "form_view"
	EventFormStart    = "form_start"
	EventStepView     = "step_view"
	EventStepComplete = "step_complete"
	EventFormComplete = "form_complete"
	EventFormAbandon  = "form_abandon"
)

// maxBuffer caps the in-memory queue; beyond it the oldest events drop.
const maxBuffer = 1000

// Event is one interaction record.
type Event struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	FormID     string         `json:"form_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Config configures a Tracker.
type Config struct {
	// Endpoint receives batched events via POST. Required.
	Endpoint string

	// FormID is stamped onto every event.
	FormID string

	// FlushInterval is how often buffered events are sent.
	// Default: 5s.
	FlushInterval time.Duration

	// BatchSize caps events per request. Default: 50.
	BatchSize int

	// Debug logs every tracked event.
	Debug bool

	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// Tracker buffers events and flushes them on a timer.
//
// # Thread Safety
//
// Safe for concurrent use.
type Tracker struct {
	cfg    Config
	http   *http.Client
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	buf    []Event
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a tracker and starts its flush loop.
func New(cfg Config) *Tracker {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	t := &Tracker{
		cfg:    cfg,
		http:   cfg.HTTPClient,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		done:   make(chan struct{}),
	}
	t.wg.Add(1)
	go t.flushLoop(cfg.FlushInterval)
	return t
}

// Track buffers one event. Never blocks, never fails.
func (t *Tracker) Track(name string, properties map[string]any) {
	ev := Event{
		ID:         uuid.NewString(),
		Name:       name,
		FormID:     t.cfg.FormID,
		Properties: properties,
		OccurredAt: t.clock.Now(),
	}
	if t.cfg.Debug {
		t.logger.Debug("analytics event", "name", name, "properties", properties)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.buf = append(t.buf, ev)
	if over := len(t.buf) - maxBuffer; over > 0 {
		t.buf = t.buf[over:]
	}
}

// Pending returns the number of buffered events.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

// Flush sends everything currently buffered. Failed batches are
// requeued for the next attempt.
func (t *Tracker) Flush(ctx context.Context) {
	for t.flushBatch(ctx) {
	}
}

// Close flushes remaining events and stops the loop. Safe to call more
// than once.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Flush(ctx)
}

// flushBatch sends one batch. Returns true when a batch was delivered
// and more events may be waiting.
func (t *Tracker) flushBatch(ctx context.Context) bool {
	t.mu.Lock()
	if len(t.buf) == 0 {
		t.mu.Unlock()
		return false
	}
	n := len(t.buf)
	if n > t.cfg.BatchSize {
		n = t.cfg.BatchSize
	}
	batch := make([]Event, n)
	copy(batch, t.buf)
	t.buf = t.buf[n:]
	t.mu.Unlock()

	if err := t.post(ctx, batch); err != nil {
		t.logger.Debug("analytics flush failed, requeueing",
			"count", len(batch), "error", err)
		t.requeue(batch)
		return false
	}
	return true
}

// requeue puts a failed batch back at the front of the buffer, still
// honoring the cap.
func (t *Tracker) requeue(batch []Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(batch, t.buf...)
	if over := len(t.buf) - maxBuffer; over > 0 {
		t.buf = t.buf[over:]
	}
}

func (t *Tracker) post(ctx context.Context, batch []Event) error {
	payload, err := json.Marshal(map[string]any{"events": batch})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

func (t *Tracker) flushLoop(interval time.Duration) {
	defer t.wg.Done()
	ticker := t.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			t.Flush(ctx)
			cancel()
		}
	}
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return http.StatusText(e.code)
}
