// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the runtime orchestrator for one form session.
//
// # Description
//
// An Engine owns the session state machine (current step, values,
// errors, completion) and composes the supporting services: the logic
// evaluator, field validation, durable offline storage with background
// sync, file-backed partial saves, the anti-automation gate, the
// remote API client and the analytics tracker. All of those are
// per-session and torn down by Destroy; nothing is shared between
// engines.
//
// Failure posture: validation failures surface as per-field messages,
// persistence and sync failures are logged and never block the
// respondent, spam rejection is a reported outcome rather than an
// error, and submission failures leave the form filled so the
// respondent can retry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/formrunner/pkg/clockwork"
	"github.com/AleutianAI/formrunner/services/runtime/analytics"
	"github.com/AleutianAI/formrunner/services/runtime/antispam"
	"github.com/AleutianAI/formrunner/services/runtime/client"
	"github.com/AleutianAI/formrunner/services/runtime/fieldcheck"
	"github.com/AleutianAI/formrunner/services/runtime/logic"
	"github.com/AleutianAI/formrunner/services/runtime/schema"
	"github.com/AleutianAI/formrunner/services/runtime/storage/badger"
	"github.com/AleutianAI/formrunner/services/runtime/store"
	"github.com/AleutianAI/formrunner/services/runtime/syncer"
)

// ErrValidation is returned by Submit when full-form validation fails.
// The per-field messages are available from State().Errors.
var ErrValidation = errors.New("form has validation errors")

// EventType identifies a session notification.
type EventType string

const (
	EventValueChanged EventType = "value_changed"
	EventStepChanged  EventType = "step_changed"
	EventSubmitted    EventType = "submitted"
	EventSpamRejected EventType = "spam_rejected"
	EventError        EventType = "error"
)

// Event carries a session notification to subscribers.
type Event struct {
	Type   EventType
	Field  string
	Step   int
	Reason string
	Err    error
}

// FormState is a point-in-time copy of the session.
type FormState struct {
	CurrentStep  int
	Values       map[string]any
	Errors       map[string]string
	Touched      map[string]bool
	IsSubmitting bool
	IsComplete   bool
}

// SubmitFunc replaces the default HTTP submission.
type SubmitFunc func(ctx context.Context, sub *client.Submission) error

// Config configures an Engine. Start from DefaultConfig.
type Config struct {
	// FormID identifies the form being run. Required, and must match
	// the schema's id.
	FormID string

	// APIURL is the base URL of the form backend. Empty disables all
	// remote calls.
	APIURL string

	// RespondentKey overrides the generated per-session key. Pass the
	// key from a previous session to resume that respondent's work.
	RespondentKey string

	// ResumeToken resumes a specific server-side partial regardless
	// of the local respondent key (the `resume` URL parameter).
	ResumeToken string

	// Locale is recorded in submission metadata.
	Locale string

	// OnSubmit replaces the default POST to {APIURL}/submissions.
	OnSubmit SubmitFunc

	// OnPartialSave observes every partial save.
	OnPartialSave func(partial *store.Partial)

	// OnError receives submission failures.
	OnError func(err error)

	// OnSpamDetected receives the gate's rejection reason. The
	// submission silently does not proceed; user-facing copy is the
	// caller's choice.
	OnSpamDetected func(reason string)

	// EnableOffline turns on the durable store and background sync.
	EnableOffline bool

	// DataDir is the durable store's directory.
	// Default: $TMPDIR/formrunner/<form id>/db.
	DataDir string

	// PartialDir is the partial-save directory.
	// Default: $TMPDIR/formrunner/<form id>/partials.
	PartialDir string

	// AutoSaveInterval is the local-save debounce window. Default: 3s.
	AutoSaveInterval time.Duration

	// EnableAntiSpam turns the gate on. DefaultConfig sets it.
	EnableAntiSpam bool

	// MinCompletionTime is the gate's minimum believable fill time.
	// Default: 3s.
	MinCompletionTime time.Duration

	// EnableAnalytics turns on event tracking to AnalyticsAPIURL.
	EnableAnalytics      bool
	AnalyticsAPIURL      string
	EnableAnalyticsDebug bool

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// DefaultConfig returns the baseline configuration: anti-spam on,
// everything optional off.
func DefaultConfig() Config {
	return Config{
		EnableAntiSpam:    true,
		AutoSaveInterval:  3 * time.Second,
		MinCompletionTime: 3 * time.Second,
	}
}

// Engine runs one respondent's session over one form schema.
//
// # Thread Safety
//
// Safe for concurrent use; one mutex serializes all state transitions.
// Event callbacks run outside the lock and may call back into the
// engine.
type Engine struct {
	schema *schema.FormSchema
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	evaluator *logic.Evaluator
	remote    *client.RemoteClient
	gate      *antispam.Gate
	tracker   *analytics.Tracker

	db       *badgerdb.DB
	offline  *store.OfflineStore
	sync     *syncer.Service
	partials *store.PartialStore

	respondentKey string
	sessionID     string
	resumeToken   string
	startedAt     time.Time

	mu         sync.Mutex
	state      FormState
	pendingNav *logic.Navigation
	destroyed  bool
	subs       map[int]func(Event)
	nextSub    int

	// persistWG tracks in-flight partial saves so teardown and
	// post-submit purging can wait them out.
	persistWG sync.WaitGroup
}

// New creates an engine for the schema, wires its services and
// attempts to resume a previous session.
func New(sch *schema.FormSchema, cfg Config) (*Engine, error) {
	if sch == nil {
		return nil, errors.New("schema must not be nil")
	}
	if cfg.FormID == "" {
		return nil, errors.New("FormID is required")
	}
	if cfg.FormID != sch.ID {
		return nil, fmt.Errorf("FormID %q does not match schema id %q", cfg.FormID, sch.ID)
	}
	if cfg.AutoSaveInterval <= 0 {
		cfg.AutoSaveInterval = 3 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		schema:        sch,
		cfg:           cfg,
		clock:         cfg.Clock,
		logger:        cfg.Logger.With("form_id", cfg.FormID),
		evaluator:     logic.NewEvaluator(),
		respondentKey: cfg.RespondentKey,
		resumeToken:   cfg.ResumeToken,
		startedAt:     cfg.Clock.Now(),
		state: FormState{
			Values:  make(map[string]any),
			Errors:  make(map[string]string),
			Touched: make(map[string]bool),
		},
		subs: make(map[int]func(Event)),
	}
	if e.respondentKey == "" {
		e.respondentKey = uuid.NewString()
	}

	if cfg.APIURL != "" {
		rc, err := client.New(cfg.APIURL)
		if err != nil {
			return nil, err
		}
		e.remote = rc
	}

	if err := e.initStores(); err != nil {
		return nil, err
	}

	if cfg.EnableAntiSpam {
		e.gate = antispam.NewGate(antispam.Config{
			Enabled:           true,
			MinCompletionTime: cfg.MinCompletionTime,
			Clock:             cfg.Clock,
			Logger:            e.logger,
		})
		e.sessionID = uuid.NewString()
		e.gate.StartSession(e.sessionID)
	}

	if cfg.EnableAnalytics && cfg.AnalyticsAPIURL != "" {
		e.tracker = analytics.New(analytics.Config{
			Endpoint: cfg.AnalyticsAPIURL + "/batch",
			FormID:   cfg.FormID,
			Debug:    cfg.EnableAnalyticsDebug,
			Clock:    cfg.Clock,
			Logger:   e.logger,
		})
	}

	e.resume()
	e.reevaluate()
	e.track(analytics.EventFormView, nil)
	return e, nil
}

// initStores opens the durable store, sync service and partial store
// per the configuration.
func (e *Engine) initStores() error {
	dataDir := e.cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(os.TempDir(), "formrunner", e.cfg.FormID, "db")
	}
	partialDir := e.cfg.PartialDir
	if partialDir == "" {
		partialDir = filepath.Join(os.TempDir(), "formrunner", e.cfg.FormID, "partials")
	}

	var remotePartial store.RemotePartialSaver
	if e.remote != nil {
		remotePartial = e.remote
	}
	partials, err := store.NewPartialStore(store.PartialStoreConfig{
		Dir:    partialDir,
		Remote: remotePartial,
		Clock:  e.clock,
		Logger: e.logger,
	})
	if err != nil {
		return err
	}
	e.partials = partials

	if !e.cfg.EnableOffline {
		return nil
	}

	db, err := badger.Open(badger.Config{Path: dataDir, SyncWrites: true})
	if err != nil {
		return fmt.Errorf("open offline store: %w", err)
	}
	e.db = db

	offline, err := store.NewOfflineStore(db, e.cfg.FormID, e.clock, e.logger)
	if err != nil {
		db.Close()
		return err
	}
	e.offline = offline

	syncCfg := syncer.Config{
		AutoSaveInterval: e.cfg.AutoSaveInterval,
		Clock:            e.clock,
		Logger:           e.logger,
	}
	if e.remote != nil {
		syncCfg.Save = func(ctx context.Context, snap *store.PersistedSnapshot) error {
			_, err := e.remote.SavePartial(ctx, &store.Partial{
				FormID:        snap.FormID,
				RespondentKey: snap.RespondentKey,
				Values:        snap.Values,
				CurrentStep:   snap.CurrentStep,
				Progress:      snap.Progress,
				ResumeToken:   snap.ResumeToken,
			})
			return err
		}
		syncCfg.Probe = e.remote.Ping
	}
	svc, err := syncer.New(offline, syncCfg)
	if err != nil {
		db.Close()
		return err
	}
	e.sync = svc
	return nil
}

// resume restores a previous session: a resume token wins, then the
// partial store, then the offline store, else the session starts
// fresh.
func (e *Engine) resume() {
	if partial := e.findResumable(); partial != nil {
		e.respondentKey = partial.RespondentKey
		if partial.ResumeToken != "" {
			e.resumeToken = partial.ResumeToken
		}
		for k, v := range partial.Values {
			e.state.Values[k] = v
		}
		e.state.CurrentStep = partial.CurrentStep
		e.logger.Info("session resumed",
			"respondent", e.respondentKey, "step", partial.CurrentStep)
		return
	}

	if e.sync != nil {
		if snap, err := e.sync.GetState(); err == nil {
			e.respondentKey = snap.RespondentKey
			if snap.ResumeToken != "" {
				e.resumeToken = snap.ResumeToken
			}
			for k, v := range snap.Values {
				e.state.Values[k] = v
			}
			e.state.CurrentStep = snap.CurrentStep
			e.startedAt = snap.StartedAt
			e.logger.Info("session resumed from offline store",
				"respondent", e.respondentKey, "step", snap.CurrentStep)
			return
		}
	}

	e.track(analytics.EventFormStart, nil)
}

// findResumable checks the token paths and the local partial file.
func (e *Engine) findResumable() *store.Partial {
	if e.resumeToken != "" {
		if partial, err := e.partials.LoadByToken(e.resumeToken); err == nil {
			return partial
		}
		if e.remote != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if partial, err := e.remote.LoadPartial(ctx, e.resumeToken); err == nil {
				return partial
			}
			e.logger.Warn("resume token did not resolve", "token", e.resumeToken)
		}
	}
	if partial, err := e.partials.Load(e.cfg.FormID, e.respondentKey); err == nil {
		return partial
	}
	return nil
}

// Subscribe registers a callback for session events and returns an
// unsubscribe function.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// State returns a copy of the session state.
func (e *Engine) State() FormState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateCopyLocked()
}

// RespondentKey returns the key persisted progress is stored under.
// Hand it back via Config.RespondentKey to resume later.
func (e *Engine) RespondentKey() string {
	return e.respondentKey
}

// ResumeToken returns the server-issued token, if one has been minted.
func (e *Engine) ResumeToken() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resumeToken
}

// VisibleBlocks returns the schema's blocks minus those hidden by the
// last logic pass, in schema order.
func (e *Engine) VisibleBlocks() []schema.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visibleLocked()
}

// SetHoneypot records the trap field's value for the anti-spam gate.
func (e *Engine) SetHoneypot(value string) {
	if e.gate != nil {
		e.gate.SetHoneypot(e.sessionID, value)
	}
}

// HoneypotFieldProps returns rendering hints for the trap field, or
// nil when anti-spam is disabled.
func (e *Engine) HoneypotFieldProps() map[string]string {
	if e.gate == nil {
		return nil
	}
	return e.gate.HoneypotFieldProps()
}

// SetValue records a field value and re-evaluates the form's logic.
//
// # Description
//
// Writing to a logic-hidden field is a no-op. Otherwise the value is
// stored, the field's error cleared, and every rule re-evaluated:
// the hidden set is replaced, set_value overrides merge into the
// values, and any skip/jump is staged for the next GoNext. Persistence
// is fire-and-forget; typing never blocks on I/O.
func (e *Engine) SetValue(field string, value any) {
	e.mu.Lock()
	if e.destroyed || e.state.IsComplete || e.evaluator.IsHidden(field) {
		e.mu.Unlock()
		return
	}
	e.state.Values[field] = value
	e.state.Touched[field] = true
	delete(e.state.Errors, field)
	e.reevaluate()
	e.mu.Unlock()

	e.emit(Event{Type: EventValueChanged, Field: field})
	e.persist()
}

// Touch marks a field as visited and validates it, the on-blur path.
func (e *Engine) Touch(field string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed || e.state.IsComplete {
		return
	}
	block, ok := e.schema.BlockByID(field)
	if !ok {
		return
	}
	e.state.Touched[field] = true
	if msg := fieldcheck.ValidateField(block, e.state.Values[field]); msg != "" {
		e.state.Errors[field] = msg
	} else {
		delete(e.state.Errors, field)
	}
}

// CanGoNext reports whether the current block passes validation.
func (e *Engine) CanGoNext() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	block := e.currentBlockLocked()
	if block == nil {
		return false
	}
	return fieldcheck.ValidateField(block, e.state.Values[block.ID]) == ""
}

// GoNext advances the session.
//
// # Description
//
// The current block must validate; a failure records the message and
// stays put. A staged jump moves to its target's visible index and a
// staged skip to the index after its target; a skip past the end, or
// a plain advance from the last visible block, triggers submission. A
// navigation whose target is not visible falls back to a plain
// one-step advance.
func (e *Engine) GoNext(ctx context.Context) error {
	e.mu.Lock()
	if e.destroyed || e.state.IsComplete || e.state.IsSubmitting {
		e.mu.Unlock()
		return nil
	}

	block := e.currentBlockLocked()
	if block != nil {
		if msg := fieldcheck.ValidateField(block, e.state.Values[block.ID]); msg != "" {
			e.state.Errors[block.ID] = msg
			e.state.Touched[block.ID] = true
			e.mu.Unlock()
			return nil
		}
	}

	visible := e.visibleLocked()
	nav := e.pendingNav
	e.pendingNav = nil

	next := e.state.CurrentStep + 1
	if nav != nil {
		if idx := indexOf(visible, nav.Target); idx >= 0 {
			switch nav.Type {
			case schema.ActionJump:
				next = idx
			case schema.ActionSkip:
				next = idx + 1
			}
		}
	}

	if next >= len(visible) {
		e.mu.Unlock()
		return e.Submit(ctx)
	}

	e.state.CurrentStep = next
	step := next
	e.mu.Unlock()

	e.emit(Event{Type: EventStepChanged, Step: step})
	e.track(analytics.EventStepView, map[string]any{"step": step})
	e.persist()
	return nil
}

// GoPrev steps backward without validation.
func (e *Engine) GoPrev() {
	e.mu.Lock()
	if e.destroyed || e.state.IsComplete || e.state.CurrentStep == 0 {
		e.mu.Unlock()
		return
	}
	e.state.CurrentStep--
	step := e.state.CurrentStep
	e.mu.Unlock()

	e.emit(Event{Type: EventStepChanged, Step: step})
	e.persist()
}

// Progress returns completion as a percentage of visible blocks.
func (e *Engine) Progress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	visible := e.visibleLocked()
	if len(visible) == 0 {
		return 0
	}
	return float64(e.state.CurrentStep+1) / float64(len(visible)) * 100
}

// Submit validates the whole form, runs the anti-spam gate and
// delivers the submission.
//
// # Description
//
// Validation failure populates State().Errors and returns
// ErrValidation with no transition. A spam rejection reports its
// reason through OnSpamDetected and returns nil without proceeding.
// Delivery failure resets IsSubmitting, reports through OnError and
// returns the error; the filled state is untouched so the respondent
// can retry. Success sets IsComplete and purges all persisted local
// progress for the session.
func (e *Engine) Submit(ctx context.Context) error {
	e.mu.Lock()
	if e.destroyed || e.state.IsComplete || e.state.IsSubmitting {
		e.mu.Unlock()
		return nil
	}

	visible := e.visibleLocked()
	errs := fieldcheck.ValidateForm(visible, e.state.Values)
	if len(errs) > 0 {
		for id, msg := range errs {
			e.state.Errors[id] = msg
			e.state.Touched[id] = true
		}
		e.mu.Unlock()
		return ErrValidation
	}

	if e.gate != nil {
		res := e.gate.Validate(e.sessionID, antispam.CheckInput{FormID: e.cfg.FormID})
		if !res.Valid {
			e.mu.Unlock()
			e.track(analytics.EventFormAbandon, map[string]any{"reason": res.Reason})
			e.emit(Event{Type: EventSpamRejected, Reason: res.Reason})
			if e.cfg.OnSpamDetected != nil {
				e.cfg.OnSpamDetected(res.Reason)
			}
			return nil
		}
	}

	e.state.IsSubmitting = true
	sub := &client.Submission{
		FormID:        e.cfg.FormID,
		RespondentKey: e.respondentKey,
		Values:        copyValues(e.state.Values),
		StartedAt:     e.startedAt,
		CompletedAt:   e.clock.Now(),
	}
	if e.cfg.Locale != "" {
		sub.Metadata = map[string]string{"locale": e.cfg.Locale}
	}
	e.mu.Unlock()

	err := e.deliver(ctx, sub)

	e.mu.Lock()
	e.state.IsSubmitting = false
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("submission failed", "error", err)
		e.emit(Event{Type: EventError, Err: err})
		if e.cfg.OnError != nil {
			e.cfg.OnError(err)
		}
		return err
	}
	e.state.IsComplete = true
	e.mu.Unlock()

	e.clearPersisted()
	e.track(analytics.EventFormComplete, nil)
	e.emit(Event{Type: EventSubmitted})
	e.logger.Info("form submitted", "respondent", e.respondentKey)
	return nil
}

// deliver hands the submission to the caller's handler or the default
// HTTP POST. With neither configured the submission completes locally.
func (e *Engine) deliver(ctx context.Context, sub *client.Submission) error {
	if e.cfg.OnSubmit != nil {
		return e.cfg.OnSubmit(ctx, sub)
	}
	if e.remote != nil {
		return e.remote.SubmitForm(ctx, sub)
	}
	e.logger.Debug("no submission target configured, completing locally")
	return nil
}

// clearPersisted purges every saved trace of the completed session.
// Waits out in-flight saves first so none of them recreates what is
// being deleted.
func (e *Engine) clearPersisted() {
	e.persistWG.Wait()
	if e.sync != nil {
		e.sync.Flush()
	}
	if e.offline != nil {
		if err := e.offline.Delete(); err != nil {
			e.logger.Warn("offline purge failed", "error", err)
		}
	}
	if err := e.partials.Delete(e.cfg.FormID, e.respondentKey); err != nil {
		e.logger.Warn("partial purge failed", "error", err)
	}
	if e.remote != nil && e.resumeToken != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.remote.DeletePartial(ctx, e.resumeToken); err != nil {
			e.logger.Warn("remote partial purge failed", "error", err)
		}
	}
	if e.gate != nil {
		e.gate.EndSession(e.sessionID)
	}
}

// SetOnline forwards a connectivity transition to the sync service.
// Safe to call from any callback at any time.
func (e *Engine) SetOnline(online bool) {
	if e.sync != nil {
		e.sync.SetOnline(online)
	}
}

// SyncNow requests an immediate push of unsynced progress.
func (e *Engine) SyncNow(ctx context.Context) bool {
	if e.sync == nil {
		return false
	}
	return e.sync.SyncAll(ctx)
}

// Destroy tears the session down: timers stopped, pending saves
// flushed, stores closed. Safe to call more than once; every other
// method is a no-op afterward.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	e.mu.Unlock()

	e.persistWG.Wait()
	if e.sync != nil {
		e.sync.Destroy()
	}
	if e.gate != nil {
		e.gate.Close()
	}
	if e.tracker != nil {
		e.tracker.Close()
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.logger.Warn("offline store close failed", "error", err)
		}
	}
}

// reevaluate runs a full logic pass against the current values.
// Caller holds e.mu.
func (e *Engine) reevaluate() {
	actions := e.evaluator.EvaluateRules(e.schema.Logic, e.state.Values)
	effects := e.evaluator.ApplyActions(actions)
	for field, value := range effects.FieldUpdates {
		e.state.Values[field] = value
	}
	if effects.Navigation != nil {
		e.pendingNav = effects.Navigation
	}
}

// persist schedules a debounced durable save and a fire-and-forget
// partial save of the current state.
func (e *Engine) persist() {
	e.mu.Lock()
	if e.destroyed || e.state.IsComplete {
		e.mu.Unlock()
		return
	}
	values := copyValues(e.state.Values)
	step := e.state.CurrentStep
	progress := e.progressLocked()
	token := e.resumeToken
	e.mu.Unlock()

	if e.sync != nil {
		e.sync.SaveState(&store.PersistedSnapshot{
			FormID:        e.cfg.FormID,
			RespondentKey: e.respondentKey,
			Values:        values,
			CurrentStep:   step,
			Progress:      progress,
			StartedAt:     e.startedAt,
			ResumeToken:   token,
		})
	}

	partial := &store.Partial{
		FormID:        e.cfg.FormID,
		RespondentKey: e.respondentKey,
		Values:        values,
		CurrentStep:   step,
		Progress:      progress,
		ResumeToken:   token,
	}
	e.persistWG.Add(1)
	go func() {
		defer e.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.partials.Save(ctx, partial); err != nil {
			e.logger.Warn("partial save failed", "error", err)
			return
		}
		e.mu.Lock()
		if e.destroyed {
			e.mu.Unlock()
			return
		}
		if partial.ResumeToken != "" {
			e.resumeToken = partial.ResumeToken
		}
		e.mu.Unlock()
		if e.cfg.OnPartialSave != nil {
			e.cfg.OnPartialSave(partial)
		}
	}()
}

func (e *Engine) visibleLocked() []schema.Block {
	all := e.schema.AllBlocks()
	visible := make([]schema.Block, 0, len(all))
	for _, b := range all {
		if !e.evaluator.IsHidden(b.ID) {
			visible = append(visible, b)
		}
	}
	return visible
}

func (e *Engine) currentBlockLocked() *schema.Block {
	visible := e.visibleLocked()
	if e.state.CurrentStep < 0 || e.state.CurrentStep >= len(visible) {
		return nil
	}
	return &visible[e.state.CurrentStep]
}

func (e *Engine) progressLocked() float64 {
	visible := e.visibleLocked()
	if len(visible) == 0 {
		return 0
	}
	return float64(e.state.CurrentStep+1) / float64(len(visible)) * 100
}

func (e *Engine) stateCopyLocked() FormState {
	cp := FormState{
		CurrentStep:  e.state.CurrentStep,
		Values:       copyValues(e.state.Values),
		Errors:       make(map[string]string, len(e.state.Errors)),
		Touched:      make(map[string]bool, len(e.state.Touched)),
		IsSubmitting: e.state.IsSubmitting,
		IsComplete:   e.state.IsComplete,
	}
	for k, v := range e.state.Errors {
		cp.Errors[k] = v
	}
	for k, v := range e.state.Touched {
		cp.Touched[k] = v
	}
	return cp
}

// emit delivers an event to subscribers outside the lock.
func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (e *Engine) track(name string, properties map[string]any) {
	if e.tracker != nil {
		e.tracker.Track(name, properties)
	}
}

func indexOf(blocks []schema.Block, id string) int {
	for i := range blocks {
		if blocks[i].ID == id {
			return i
		}
	}
	return -1
}

func copyValues(values map[string]any) map[string]any {
	cp := make(map[string]any, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return cp
}
