// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger provides factory functions and key conventions for the
// runtime's BadgerDB-backed durable store.
//
// BadgerDB gives the form runtime transactional, reload-surviving local
// persistence for session snapshots — the richer of the two durable
// stores (the other being the file-backed partial store).
//
// Key layout:
//
//	snapshot/{formID}/{respondentKey}  -> JSON PersistedSnapshot
//	submission/{formID}/{id}           -> JSON submission (formapi)
//	partial/{resumeToken}              -> JSON partial record (formapi)
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent databases. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: durable synchronous writes.
func DefaultConfig() Config {
	return Config{SyncWrites: true}
}

// InMemoryConfig returns a configuration optimized for testing: no disk
// I/O, no sync.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Open creates and opens a BadgerDB instance with the given
// configuration, creating the directory if needed.
//
// # Outputs
//
//   - *badger.DB: The opened database. Caller must Close() when done.
//   - error: Non-nil if the path is invalid or the database cannot open.
//
// # Thread Safety
//
// The returned *badger.DB is safe for concurrent use.
func Open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&slogAdapter{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// OpenInMemory is a convenience function for tests.
func OpenInMemory() (*badger.DB, error) {
	return Open(InMemoryConfig())
}

// SnapshotKey builds the storage key for one respondent's snapshot of
// one form.
func SnapshotKey(formID, respondentKey string) []byte {
	return []byte("snapshot/" + formID + "/" + respondentKey)
}

// SnapshotPrefix matches every snapshot for a form.
func SnapshotPrefix(formID string) []byte {
	return []byte("snapshot/" + formID + "/")
}

// SubmissionKey builds the storage key for a completed submission.
func SubmissionKey(formID, id string) []byte {
	return []byte("submission/" + formID + "/" + id)
}

// PartialKey builds the storage key for a server-side partial record.
func PartialKey(resumeToken string) []byte {
	return []byte("partial/" + resumeToken)
}

// slogAdapter adapts slog.Logger to BadgerDB's Logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (l *slogAdapter) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
