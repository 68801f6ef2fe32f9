// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists form session progress.
//
// Two stores with different trade-offs live here:
//
//   - OfflineStore: BadgerDB-backed, transactional, the durable source
//     of truth for snapshots and their sync bookkeeping.
//   - PartialStore: a flat-file key-value copy for near-instant resume,
//     with an optional throttled push to the remote partials endpoint.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/formrunner/pkg/clockwork"
	"github.com/AleutianAI/formrunner/services/runtime/storage/badger"
)

// ErrNotFound is returned when no snapshot exists for the requested key.
var ErrNotFound = errors.New("snapshot not found")

// PersistedSnapshot is one respondent's saved progress on one form.
//
// Invariant: at most one current snapshot exists per
// (FormID, RespondentKey) pair; writes for the same pair overwrite.
type PersistedSnapshot struct {
	FormID        string            `json:"form_id"`
	RespondentKey string            `json:"respondent_key"`
	Values        map[string]any    `json:"values"`
	CurrentStep   int               `json:"current_step"`
	Progress      float64           `json:"progress"`
	StartedAt     time.Time         `json:"started_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	SyncedAt      *time.Time        `json:"synced_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	ResumeToken   string            `json:"resume_token,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RetryCount    int               `json:"retry_count,omitempty"`
}

// Unsynced reports whether the snapshot has local changes the remote
// has not seen.
func (s *PersistedSnapshot) Unsynced() bool {
	return s.SyncedAt == nil || s.UpdatedAt.After(*s.SyncedAt)
}

// Stats summarizes the store for UI status indicators.
type Stats struct {
	Total          int
	Unsynced       int
	OldestUnsynced *time.Time
}

// OfflineStore durably persists snapshots for a single form.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation and
// writes for the same key are idempotent overwrites.
type OfflineStore struct {
	db     *badgerdb.DB
	formID string
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewOfflineStore creates a store bound to one form id.
func NewOfflineStore(db *badgerdb.DB, formID string, clock clockwork.Clock, logger *slog.Logger) (*OfflineStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if formID == "" {
		return nil, errors.New("formID must not be empty")
	}
	if clock == nil {
		clock = clockwork.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OfflineStore{db: db, formID: formID, clock: clock, logger: logger}, nil
}

// Put writes a snapshot, stamping UpdatedAt and preserving the
// previously recorded SyncedAt for the same respondent so a local edit
// does not erase sync bookkeeping.
func (o *OfflineStore) Put(snap *PersistedSnapshot) error {
	if snap == nil {
		return errors.New("snapshot must not be nil")
	}
	snap.FormID = o.formID
	snap.UpdatedAt = o.clock.Now()

	key := badger.SnapshotKey(o.formID, snap.RespondentKey)
	return o.db.Update(func(txn *badgerdb.Txn) error {
		if snap.SyncedAt == nil {
			if prev, err := readSnapshot(txn, key); err == nil {
				snap.SyncedAt = prev.SyncedAt
				snap.RetryCount = prev.RetryCount
			}
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		return txn.Set(key, data)
	})
}

// Get returns the most-recently-updated snapshot for the form across
// all respondent keys, or ErrNotFound.
func (o *OfflineStore) Get() (*PersistedSnapshot, error) {
	var newest *PersistedSnapshot
	err := o.forEach(func(snap *PersistedSnapshot) {
		if newest == nil || snap.UpdatedAt.After(newest.UpdatedAt) {
			newest = snap
		}
	})
	if err != nil {
		return nil, err
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest, nil
}

// GetByRespondent returns one respondent's snapshot, or ErrNotFound.
func (o *OfflineStore) GetByRespondent(respondentKey string) (*PersistedSnapshot, error) {
	var snap *PersistedSnapshot
	err := o.db.View(func(txn *badgerdb.Txn) error {
		s, err := readSnapshot(txn, badger.SnapshotKey(o.formID, respondentKey))
		if err != nil {
			return err
		}
		snap = s
		return nil
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Delete removes every snapshot for the form. Used after a successful
// final submission or an explicit start-fresh.
func (o *OfflineStore) Delete() error {
	var keys [][]byte
	err := o.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{
			Prefix:         badger.SnapshotPrefix(o.formID),
			PrefetchValues: false,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	return o.db.Update(func(txn *badgerdb.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkSynced stamps a respondent's snapshot as delivered to the remote
// and resets its retry count.
func (o *OfflineStore) MarkSynced(respondentKey string, at time.Time) error {
	key := badger.SnapshotKey(o.formID, respondentKey)
	return o.db.Update(func(txn *badgerdb.Txn) error {
		snap, err := readSnapshot(txn, key)
		if err != nil {
			return err
		}
		snap.SyncedAt = &at
		snap.RetryCount = 0
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		return txn.Set(key, data)
	})
}

// IncrementRetry bumps the retry counter after a failed sync attempt.
func (o *OfflineStore) IncrementRetry(respondentKey string) error {
	key := badger.SnapshotKey(o.formID, respondentKey)
	return o.db.Update(func(txn *badgerdb.Txn) error {
		snap, err := readSnapshot(txn, key)
		if err != nil {
			return err
		}
		snap.RetryCount++
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		return txn.Set(key, data)
	})
}

// HasUnsynced reports whether any snapshot has changes newer than its
// last sync.
func (o *OfflineStore) HasUnsynced() (bool, error) {
	found := false
	err := o.forEach(func(snap *PersistedSnapshot) {
		if snap.Unsynced() {
			found = true
		}
	})
	return found, err
}

// NewestUnsynced returns the most-recently-updated unsynced snapshot,
// or ErrNotFound.
func (o *OfflineStore) NewestUnsynced() (*PersistedSnapshot, error) {
	var newest *PersistedSnapshot
	err := o.forEach(func(snap *PersistedSnapshot) {
		if !snap.Unsynced() {
			return
		}
		if newest == nil || snap.UpdatedAt.After(newest.UpdatedAt) {
			newest = snap
		}
	})
	if err != nil {
		return nil, err
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest, nil
}

// GetStats summarizes snapshot counts for status indicators.
func (o *OfflineStore) GetStats() (Stats, error) {
	var stats Stats
	err := o.forEach(func(snap *PersistedSnapshot) {
		stats.Total++
		if !snap.Unsynced() {
			return
		}
		stats.Unsynced++
		if stats.OldestUnsynced == nil || snap.UpdatedAt.Before(*stats.OldestUnsynced) {
			t := snap.UpdatedAt
			stats.OldestUnsynced = &t
		}
	})
	return stats, err
}

// Cleanup purges completed snapshots older than maxAge. Incomplete
// records are never auto-purged regardless of age: an abandoned but
// resumable session must not be silently lost.
func (o *OfflineStore) Cleanup(maxAge time.Duration) (int, error) {
	cutoff := o.clock.Now().Add(-maxAge)

	var victims [][]byte
	err := o.forEach(func(snap *PersistedSnapshot) {
		if snap.CompletedAt != nil && snap.CompletedAt.Before(cutoff) {
			victims = append(victims, badger.SnapshotKey(o.formID, snap.RespondentKey))
		}
	})
	if err != nil {
		return 0, err
	}
	if len(victims) == 0 {
		return 0, nil
	}

	err = o.db.Update(func(txn *badgerdb.Txn) error {
		for _, key := range victims {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	o.logger.Debug("purged completed snapshots",
		"form_id", o.formID, "count", len(victims))
	return len(victims), nil
}

// forEach iterates every snapshot for the form. Corrupted records are
// skipped with a warning rather than failing the whole scan.
func (o *OfflineStore) forEach(fn func(*PersistedSnapshot)) error {
	return o.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{
			Prefix:         badger.SnapshotPrefix(o.formID),
			PrefetchValues: true,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var snap PersistedSnapshot
				if err := json.Unmarshal(val, &snap); err != nil {
					o.logger.Warn("skipping corrupted snapshot record",
						"key", string(it.Item().Key()), "error", err)
					return nil
				}
				fn(&snap)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func readSnapshot(txn *badgerdb.Txn, key []byte) (*PersistedSnapshot, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var snap PersistedSnapshot
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
