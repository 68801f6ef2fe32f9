// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/formrunner/pkg/clockwork"
)

const (
	partialFilePrefix = "form-partial-"
	partialFileSuffix = ".json"

	// partialMaxAge is how long locally saved partials are retained
	// before being eligible for purge.
	partialMaxAge = 30 * 24 * time.Hour
)

// RemotePartialSaver pushes partial progress to the backing API. The
// HTTP client implements this; the store only needs the push.
type RemotePartialSaver interface {
	SavePartial(ctx context.Context, partial *Partial) (*PartialReceipt, error)
}

// Partial is the locally cached copy of in-progress answers. Unlike
// PersistedSnapshot it carries no sync bookkeeping; it exists so a
// reload can restore instantly without opening the database.
type Partial struct {
	FormID        string         `json:"form_id"`
	RespondentKey string         `json:"respondent_key"`
	Values        map[string]any `json:"values"`
	CurrentStep   int            `json:"current_step"`
	Progress      float64        `json:"progress"`
	ResumeToken   string         `json:"resume_token,omitempty"`
	SavedAt       time.Time      `json:"saved_at"`
}

// PartialReceipt is what the remote returns after accepting a partial.
type PartialReceipt struct {
	ID          string    `json:"id"`
	ResumeToken string    `json:"resume_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// PartialStore keeps one JSON file per (form, respondent) pair under a
// directory, and optionally pushes each save to the remote API with a
// minimum spacing between pushes.
//
// # Thread Safety
//
// Safe for concurrent use. A single mutex serializes file writes and
// the push-throttle bookkeeping.
type PartialStore struct {
	dir      string
	remote   RemotePartialSaver
	throttle time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	lastPush time.Time
}

// PartialStoreConfig configures a PartialStore.
type PartialStoreConfig struct {
	// Dir is the directory partial files are written to. Required.
	Dir string

	// Remote, when non-nil, receives a throttled push after each
	// local save. Push failures are logged, never surfaced.
	Remote RemotePartialSaver

	// PushThrottle is the minimum spacing between remote pushes.
	// Default: 2s.
	PushThrottle time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// NewPartialStore creates the store and its directory.
func NewPartialStore(cfg PartialStoreConfig) (*PartialStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("dir must not be empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("create partial directory %s: %w", cfg.Dir, err)
	}
	if cfg.PushThrottle <= 0 {
		cfg.PushThrottle = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PartialStore{
		dir:      cfg.Dir,
		remote:   cfg.Remote,
		throttle: cfg.PushThrottle,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// Save writes the partial to its file and, when a remote is configured
// and the throttle window has elapsed, pushes it to the API. A remote
// receipt's resume token is written back into the local file so the
// session can later be resumed from either side.
//
// The local write is the durability guarantee; remote failures degrade
// to local-only and are logged.
func (p *PartialStore) Save(ctx context.Context, partial *Partial) error {
	if partial == nil {
		return errors.New("partial must not be nil")
	}
	if partial.FormID == "" || partial.RespondentKey == "" {
		return errors.New("partial needs form_id and respondent_key")
	}
	partial.SavedAt = p.clock.Now()

	p.mu.Lock()
	pushDue := p.remote != nil && p.clock.Now().Sub(p.lastPush) >= p.throttle
	if pushDue {
		p.lastPush = p.clock.Now()
	}
	err := p.writeFile(partial)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	if !pushDue {
		return nil
	}

	receipt, err := p.remote.SavePartial(ctx, partial)
	if err != nil {
		p.logger.Debug("remote partial push failed, keeping local copy",
			"form_id", partial.FormID, "error", err)
		return nil
	}
	if receipt != nil && receipt.ResumeToken != "" && receipt.ResumeToken != partial.ResumeToken {
		partial.ResumeToken = receipt.ResumeToken
		p.mu.Lock()
		if err := p.writeFile(partial); err != nil {
			p.logger.Warn("failed to persist resume token", "error", err)
		}
		p.mu.Unlock()
	}
	return nil
}

// Load returns the stored partial for a (form, respondent) pair, or
// ErrNotFound.
func (p *PartialStore) Load(formID, respondentKey string) (*Partial, error) {
	return p.readFile(p.filePath(formID, respondentKey))
}

// LoadByToken scans the directory for a partial carrying the given
// resume token.
func (p *PartialStore) LoadByToken(token string) (*Partial, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("read partial directory: %w", err)
	}
	for _, entry := range entries {
		if !isPartialFile(entry.Name()) {
			continue
		}
		partial, err := p.readFile(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			continue
		}
		if partial.ResumeToken == token {
			return partial, nil
		}
	}
	return nil, ErrNotFound
}

// Delete removes a partial file. Missing files are not an error.
func (p *PartialStore) Delete(formID, respondentKey string) error {
	err := os.Remove(p.filePath(formID, respondentKey))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Purge removes partial files older than the retention window and
// returns the number removed.
func (p *PartialStore) Purge() (int, error) {
	cutoff := p.clock.Now().Add(-partialMaxAge)
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return 0, fmt.Errorf("read partial directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !isPartialFile(entry.Name()) {
			continue
		}
		path := filepath.Join(p.dir, entry.Name())
		partial, err := p.readFile(path)
		if err != nil {
			continue
		}
		if partial.SavedAt.Before(cutoff) {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// writeFile persists a partial, retrying once after evicting the
// oldest files when the first attempt fails. Caller holds p.mu.
func (p *PartialStore) writeFile(partial *Partial) error {
	data, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("encode partial: %w", err)
	}
	path := p.filePath(partial.FormID, partial.RespondentKey)
	if err := os.WriteFile(path, data, 0640); err == nil {
		return nil
	}

	// Likely out of space or quota. Evict oldest partials and retry.
	p.evictOldest(5)
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("write partial file: %w", err)
	}
	return nil
}

// evictOldest removes up to n of the oldest partial files.
func (p *PartialStore) evictOldest(n int) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return
	}
	type aged struct {
		path    string
		savedAt time.Time
	}
	var candidates []aged
	for _, entry := range entries {
		if !isPartialFile(entry.Name()) {
			continue
		}
		path := filepath.Join(p.dir, entry.Name())
		partial, err := p.readFile(path)
		if err != nil {
			// Unreadable files are the best eviction candidates.
			candidates = append(candidates, aged{path: path})
			continue
		}
		candidates = append(candidates, aged{path: path, savedAt: partial.SavedAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].savedAt.Before(candidates[j].savedAt)
	})
	for i := 0; i < len(candidates) && i < n; i++ {
		if os.Remove(candidates[i].path) == nil {
			p.logger.Warn("evicted partial to free space", "path", candidates[i].path)
		}
	}
}

func (p *PartialStore) readFile(path string) (*Partial, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var partial Partial
	if err := json.Unmarshal(data, &partial); err != nil {
		return nil, fmt.Errorf("decode partial %s: %w", path, err)
	}
	return &partial, nil
}

func (p *PartialStore) filePath(formID, respondentKey string) string {
	return filepath.Join(p.dir, partialFilePrefix+formID+"-"+respondentKey+partialFileSuffix)
}

func isPartialFile(name string) bool {
	return strings.HasPrefix(name, partialFilePrefix) && strings.HasSuffix(name, partialFileSuffix)
}
