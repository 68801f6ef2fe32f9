// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package formapi

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/formrunner/services/runtime/schema"
)

// SchemaRegistry serves form schemas from a directory of JSON files
// and hot-reloads them when the files change.
//
// A file that fails to parse is skipped with a warning; the previously
// loaded version, if any, stays live.
//
// # Thread Safety
//
// Safe for concurrent use.
type SchemaRegistry struct {
	dir     string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	schemas map[string]*schema.FormSchema
}

// NewSchemaRegistry loads every *.json schema under dir and starts
// watching for changes. Call Close to stop the watcher.
func NewSchemaRegistry(dir string, logger *slog.Logger) (*SchemaRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &SchemaRegistry{
		dir:     dir,
		logger:  logger,
		schemas: make(map[string]*schema.FormSchema),
	}
	if err := r.loadAll(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create schema watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch schema directory %s: %w", dir, err)
	}
	r.watcher = watcher
	go r.watch()
	return r, nil
}

// Get returns the schema for a form id, or nil.
func (r *SchemaRegistry) Get(id string) *schema.FormSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[id]
}

// IDs returns the loaded form ids.
func (r *SchemaRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		ids = append(ids, id)
	}
	return ids
}

// Close stops the file watcher.
func (r *SchemaRegistry) Close() error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Close()
}

func (r *SchemaRegistry) loadAll() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read schema directory %s: %w", r.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		r.loadFile(filepath.Join(r.dir, entry.Name()))
	}
	return nil
}

func (r *SchemaRegistry) loadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		r.logger.Warn("schema read failed", "path", path, "error", err)
		return
	}
	sch, err := schema.Load(data)
	if err != nil {
		r.logger.Warn("schema parse failed, keeping previous version",
			"path", path, "error", err)
		return
	}
	if err := sch.Validate(); err != nil {
		r.logger.Warn("schema rejected", "path", path, "error", err)
		return
	}

	r.mu.Lock()
	r.schemas[sch.ID] = sch
	r.mu.Unlock()
	r.logger.Info("schema loaded", "form_id", sch.ID, "path", path)
}

// watch reloads schema files as they change. Removes are ignored; a
// deleted form stays served until restart.
func (r *SchemaRegistry) watch() {
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				r.loadFile(ev.Name)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("schema watcher error", "error", err)
		}
	}
}
