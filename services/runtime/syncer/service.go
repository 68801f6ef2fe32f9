// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syncer coordinates local durable saves with background
// delivery to the remote API.
//
// # Description
//
// The service owns an OfflineStore and layers three time-based
// behaviors on top of it:
//
//   - SaveState is debounced so a burst of keystrokes produces one
//     durable write.
//   - A periodic loop pushes unsynced snapshots to the remote while
//     online, with a minimum spacing between sync attempts and at most
//     one sync in flight; extra triggers are dropped, not queued.
//   - A connectivity probe polls the remote and drives online/offline
//     transitions. Going online triggers an immediate sync.
//
// Local persistence and remote delivery are throttled independently:
// a respondent's progress is durable locally well before the remote
// ever sees it.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/formrunner/pkg/clockwork"
	"github.com/AleutianAI/formrunner/pkg/debounce"
	"github.com/AleutianAI/formrunner/services/runtime/store"
)

// EventType identifies a lifecycle notification from the service.
type EventType string

const (
	EventSaved     EventType = "saved"
	EventRestored  EventType = "restored"
	EventSynced    EventType = "synced"
	EventSyncError EventType = "sync_error"
	EventOnline    EventType = "online"
	EventOffline   EventType = "offline"
)

// Event carries a notification to subscribers. Snapshot is set for
// saved, restored and synced events; Err for sync_error.
type Event struct {
	Type     EventType
	Snapshot *store.PersistedSnapshot
	Err      error
}

// SaveFunc delivers one snapshot to the remote. A nil error marks the
// snapshot synced.
type SaveFunc func(ctx context.Context, snap *store.PersistedSnapshot) error

// ProbeFunc reports whether the remote is reachable.
type ProbeFunc func(ctx context.Context) bool

// Config configures a Service.
type Config struct {
	// AutoSaveInterval is the debounce window for local saves.
	// Default: 3s.
	AutoSaveInterval time.Duration

	// SyncInterval is how often unsynced snapshots are pushed while
	// online. Default: 10s.
	SyncInterval time.Duration

	// SyncThrottle is the minimum spacing between sync attempts,
	// whatever triggered them. Default: 2s.
	SyncThrottle time.Duration

	// PollInterval is how often the connectivity probe runs.
	// Default: 30s. Set Probe to nil to disable probing.
	PollInterval time.Duration

	// Save pushes one snapshot to the remote. Required for syncing;
	// with a nil Save the service is local-only.
	Save SaveFunc

	// Probe checks remote reachability. Optional.
	Probe ProbeFunc

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Service persists snapshots locally and syncs them to the remote.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	store    *store.OfflineStore
	save     SaveFunc
	probe    ProbeFunc
	throttle time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	debouncer *debounce.Debouncer

	mu        sync.Mutex
	online    bool
	syncing   bool
	lastSync  time.Time
	destroyed bool
	subs      map[int]func(Event)
	nextSub   int

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates the service and starts its background loops. The service
// starts in the online state; the probe corrects it on first poll.
func New(st *store.OfflineStore, cfg Config) (*Service, error) {
	if st == nil {
		return nil, errors.New("store must not be nil")
	}
	if cfg.AutoSaveInterval <= 0 {
		cfg.AutoSaveInterval = 3 * time.Second
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 10 * time.Second
	}
	if cfg.SyncThrottle <= 0 {
		cfg.SyncThrottle = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Service{
		store:     st,
		save:      cfg.Save,
		probe:     cfg.Probe,
		throttle:  cfg.SyncThrottle,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		debouncer: debounce.New(cfg.Clock, cfg.AutoSaveInterval),
		online:    true,
		subs:      make(map[int]func(Event)),
		done:      make(chan struct{}),
	}

	if s.save != nil {
		s.wg.Add(1)
		go s.syncLoop(cfg.SyncInterval)
	}
	if s.probe != nil {
		s.wg.Add(1)
		go s.probeLoop(cfg.PollInterval)
	}
	return s, nil
}

// Subscribe registers a callback for lifecycle events and returns an
// unsubscribe function. Callbacks run synchronously on the goroutine
// that emitted the event and must not block.
func (s *Service) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// SaveState schedules a debounced durable write of the snapshot. The
// latest snapshot in a burst wins.
func (s *Service) SaveState(snap *store.PersistedSnapshot) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.debouncer.Call(func() {
		if err := s.store.Put(snap); err != nil {
			s.logger.Warn("durable save failed", "error", err)
			return
		}
		s.emit(Event{Type: EventSaved, Snapshot: snap})
	})
}

// Flush forces any pending debounced save to run now.
func (s *Service) Flush() {
	s.debouncer.Flush()
}

// GetState loads the most recent snapshot and announces the restore.
// Returns store.ErrNotFound when nothing is saved.
func (s *Service) GetState() (*store.PersistedSnapshot, error) {
	snap, err := s.store.Get()
	if err != nil {
		return nil, err
	}
	s.emit(Event{Type: EventRestored, Snapshot: snap})
	return snap, nil
}

// Online reports the current connectivity state.
func (s *Service) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline transitions connectivity. Going online triggers an
// immediate sync attempt; going offline suspends syncing until the
// next transition. Redundant transitions are ignored.
func (s *Service) SetOnline(online bool) {
	s.mu.Lock()
	if s.destroyed || s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	s.mu.Unlock()

	if online {
		s.emit(Event{Type: EventOnline})
		s.SyncAll(context.Background())
	} else {
		s.emit(Event{Type: EventOffline})
	}
}

// SyncAll pushes every unsynced snapshot to the remote.
//
// The attempt is dropped, not queued, when the service is offline,
// destroyed, inside the throttle window, or another sync is already in
// flight. Returns true when a sync pass actually ran.
func (s *Service) SyncAll(ctx context.Context) bool {
	if s.save == nil {
		return false
	}

	s.mu.Lock()
	now := s.clock.Now()
	if s.destroyed || !s.online || s.syncing || now.Sub(s.lastSync) < s.throttle {
		s.mu.Unlock()
		return false
	}
	s.syncing = true
	s.lastSync = now
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()

	s.syncPass(ctx)
	return true
}

// syncPass delivers unsynced snapshots one at a time, newest first.
func (s *Service) syncPass(ctx context.Context) {
	for {
		snap, err := s.store.NewestUnsynced()
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			s.logger.Warn("sync scan failed", "error", err)
			return
		}

		if err := s.save(ctx, snap); err != nil {
			if ierr := s.store.IncrementRetry(snap.RespondentKey); ierr != nil {
				s.logger.Warn("retry bookkeeping failed", "error", ierr)
			}
			s.emit(Event{Type: EventSyncError, Snapshot: snap, Err: err})
			s.logger.Debug("sync push failed",
				"respondent", snap.RespondentKey, "error", err)
			// One failure ends the pass; the next interval retries.
			return
		}

		if err := s.store.MarkSynced(snap.RespondentKey, s.clock.Now()); err != nil {
			s.logger.Warn("sync bookkeeping failed", "error", err)
			return
		}
		s.emit(Event{Type: EventSynced, Snapshot: snap})
	}
}

// Destroy stops background loops and flushes any pending save. Safe to
// call more than once.
func (s *Service) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()

	close(s.done)
	s.debouncer.Flush()
	s.debouncer.Stop()
	s.wg.Wait()
}

func (s *Service) syncLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			s.SyncAll(context.Background())
		}
	}
}

func (s *Service) probeLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			reachable := s.probe(ctx)
			cancel()
			s.SetOnline(reachable)
		}
	}
}

// emit delivers an event to every subscriber outside the lock.
func (s *Service) emit(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
