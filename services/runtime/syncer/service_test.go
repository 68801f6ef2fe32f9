// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/formrunner/pkg/clockwork"
	"github.com/AleutianAI/formrunner/services/runtime/storage/badger"
	"github.com/AleutianAI/formrunner/services/runtime/store"
)

type recordingSaver struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (r *recordingSaver) save(_ context.Context, snap *store.PersistedSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, snap.RespondentKey)
	return nil
}

func (r *recordingSaver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saved)
}

func newTestService(t *testing.T, clock clockwork.Clock, cfg Config) (*Service, *store.OfflineStore) {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.NewOfflineStore(db, "contact", clock, nil)
	require.NoError(t, err)

	cfg.Clock = clock
	svc, err := New(st, cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Destroy)
	return svc, st
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

// TestSaveState_Debounced verifies a burst of saves collapses into one
// durable write carrying the latest snapshot.
func TestSaveState_Debounced(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, st := newTestService(t, clock, Config{})

	log := &eventLog{}
	defer svc.Subscribe(log.record)()

	svc.SaveState(&store.PersistedSnapshot{RespondentKey: "r1", CurrentStep: 1})
	svc.SaveState(&store.PersistedSnapshot{RespondentKey: "r1", CurrentStep: 2})
	svc.SaveState(&store.PersistedSnapshot{RespondentKey: "r1", CurrentStep: 3})

	// Nothing written before the window elapses.
	_, err := st.Get()
	assert.ErrorIs(t, err, store.ErrNotFound)

	clock.Advance(3 * time.Second)

	snap, err := st.Get()
	require.NoError(t, err)
	assert.Equal(t, 3, snap.CurrentStep)
	assert.Equal(t, []EventType{EventSaved}, log.types())
}

// TestFlush verifies a pending save can be forced through.
func TestFlush(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, st := newTestService(t, clock, Config{})

	svc.SaveState(&store.PersistedSnapshot{RespondentKey: "r1", CurrentStep: 2})
	svc.Flush()

	snap, err := st.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, snap.CurrentStep)
}

// TestGetState verifies restore and its event.
func TestGetState(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, st := newTestService(t, clock, Config{})

	_, err := svc.GetState()
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.Put(&store.PersistedSnapshot{RespondentKey: "r1", CurrentStep: 4}))

	log := &eventLog{}
	defer svc.Subscribe(log.record)()

	snap, err := svc.GetState()
	require.NoError(t, err)
	assert.Equal(t, 4, snap.CurrentStep)
	assert.Equal(t, []EventType{EventRestored}, log.types())
}

// TestSyncAll verifies unsynced snapshots are delivered and marked.
func TestSyncAll(t *testing.T) {
	clock := clockwork.NewFakeClock()
	saver := &recordingSaver{}
	svc, st := newTestService(t, clock, Config{Save: saver.save})

	log := &eventLog{}
	defer svc.Subscribe(log.record)()

	require.NoError(t, st.Put(&store.PersistedSnapshot{RespondentKey: "a"}))
	require.NoError(t, st.Put(&store.PersistedSnapshot{RespondentKey: "b"}))

	assert.True(t, svc.SyncAll(context.Background()))
	assert.Equal(t, 2, saver.count())

	unsynced, err := st.HasUnsynced()
	require.NoError(t, err)
	assert.False(t, unsynced)
	assert.Equal(t, []EventType{EventSynced, EventSynced}, log.types())
}

// TestSyncAll_Throttle verifies back-to-back sync attempts are dropped
// inside the throttle window.
func TestSyncAll_Throttle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	saver := &recordingSaver{}
	svc, st := newTestService(t, clock, Config{Save: saver.save, SyncThrottle: 2 * time.Second})

	require.NoError(t, st.Put(&store.PersistedSnapshot{RespondentKey: "a"}))
	assert.True(t, svc.SyncAll(context.Background()))

	require.NoError(t, st.Put(&store.PersistedSnapshot{RespondentKey: "b"}))
	assert.False(t, svc.SyncAll(context.Background()), "second attempt inside window must drop")

	clock.Advance(2 * time.Second)
	assert.True(t, svc.SyncAll(context.Background()))
	assert.Equal(t, 2, saver.count())
}

// TestSyncAll_FailureIncrementsRetry verifies failed pushes bump the
// retry counter and emit sync_error.
func TestSyncAll_FailureIncrementsRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	saver := &recordingSaver{err: errors.New("api down")}
	svc, st := newTestService(t, clock, Config{Save: saver.save})

	log := &eventLog{}
	defer svc.Subscribe(log.record)()

	require.NoError(t, st.Put(&store.PersistedSnapshot{RespondentKey: "r1"}))
	assert.True(t, svc.SyncAll(context.Background()))

	snap, err := st.GetByRespondent("r1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RetryCount)
	assert.True(t, snap.Unsynced())
	assert.Equal(t, []EventType{EventSyncError}, log.types())
}

// TestSyncAll_OfflineDrops verifies syncing is suspended while offline
// and resumes with an immediate attempt on reconnect.
func TestSyncAll_OfflineDrops(t *testing.T) {
	clock := clockwork.NewFakeClock()
	saver := &recordingSaver{}
	svc, st := newTestService(t, clock, Config{Save: saver.save})

	log := &eventLog{}
	defer svc.Subscribe(log.record)()

	svc.SetOnline(false)
	assert.False(t, svc.Online())

	require.NoError(t, st.Put(&store.PersistedSnapshot{RespondentKey: "r1"}))
	assert.False(t, svc.SyncAll(context.Background()))
	assert.Equal(t, 0, saver.count())

	svc.SetOnline(true)
	assert.True(t, svc.Online())
	assert.Equal(t, 1, saver.count(), "reconnect must trigger an immediate sync")
	assert.Equal(t, []EventType{EventOffline, EventOnline, EventSynced}, log.types())
}

// TestSetOnline_Redundant verifies repeated transitions to the same
// state emit nothing.
func TestSetOnline_Redundant(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, _ := newTestService(t, clock, Config{})

	log := &eventLog{}
	defer svc.Subscribe(log.record)()

	svc.SetOnline(true)
	assert.Empty(t, log.types())
}

// TestPeriodicSync verifies the background loop picks up unsynced work.
func TestPeriodicSync(t *testing.T) {
	clock := clockwork.NewFakeClock()
	saver := &recordingSaver{}
	svc, st := newTestService(t, clock, Config{Save: saver.save, SyncInterval: 10 * time.Second})
	_ = svc

	require.NoError(t, st.Put(&store.PersistedSnapshot{RespondentKey: "r1"}))

	clock.Advance(10 * time.Second)
	assert.Eventually(t, func() bool {
		return saver.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// TestProbeDrivesConnectivity verifies the poll loop flips state from
// the probe result.
func TestProbeDrivesConnectivity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var mu sync.Mutex
	reachable := false
	probe := func(context.Context) bool {
		mu.Lock()
		defer mu.Unlock()
		return reachable
	}
	svc, _ := newTestService(t, clock, Config{Probe: probe, PollInterval: 30 * time.Second})

	clock.Advance(30 * time.Second)
	assert.Eventually(t, func() bool { return !svc.Online() }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	reachable = true
	mu.Unlock()

	clock.Advance(30 * time.Second)
	assert.Eventually(t, func() bool { return svc.Online() }, 2*time.Second, 10*time.Millisecond)
}

// TestDestroy verifies Destroy is idempotent and flushes pending work.
func TestDestroy(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc, st := newTestService(t, clock, Config{})

	svc.SaveState(&store.PersistedSnapshot{RespondentKey: "r1", CurrentStep: 7})
	svc.Destroy()
	svc.Destroy()

	snap, err := st.Get()
	require.NoError(t, err)
	assert.Equal(t, 7, snap.CurrentStep)

	// Saves after destroy are ignored.
	svc.SaveState(&store.PersistedSnapshot{RespondentKey: "r1", CurrentStep: 9})
	svc.Flush()
	snap, err = st.Get()
	require.NoError(t, err)
	assert.Equal(t, 7, snap.CurrentStep)
}
