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
	"encoding/json"
	"errors"
	"net/http"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/formrunner/services/runtime/storage/badger"
	"github.com/AleutianAI/formrunner/services/runtime/store"
)

// submissionRequest is the wire shape of a completed submission.
// Binding tags run through gin's validator.
type submissionRequest struct {
	FormID        string            `json:"form_id" binding:"required"`
	RespondentKey string            `json:"respondent_key"`
	Values        map[string]any    `json:"values"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   time.Time         `json:"completed_at"`
	Metadata      map[string]string `json:"metadata"`
}

// partialRecord is the server-side copy of a partial save.
type partialRecord struct {
	store.Partial
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleSubmit stores a completed submission and clears any partial
// the respondent left behind.
func (s *Server) handleSubmit(c *gin.Context) {
	var req submissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := uuid.NewString()
	data, err := json.Marshal(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode submission"})
		return
	}
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(badger.SubmissionKey(req.FormID, id), data)
	})
	if err != nil {
		s.logger.Error("submission store failed", "form_id", req.FormID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store submission"})
		return
	}

	if req.RespondentKey != "" {
		s.deletePartialsFor(req.FormID, req.RespondentKey)
	}

	s.metrics.submissions.WithLabelValues(req.FormID).Inc()
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// handleSavePartial upserts a partial save. A request without a resume
// token reuses the respondent's existing token when one exists,
// otherwise a new one is minted.
func (s *Server) handleSavePartial(c *gin.Context) {
	var req store.Partial
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.FormID == "" || req.RespondentKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "form_id and respondent_key are required"})
		return
	}

	token := req.ResumeToken
	recordID := ""
	if token == "" {
		if existing := s.findPartial(req.FormID, req.RespondentKey); existing != nil {
			token = existing.ResumeToken
			recordID = existing.ID
		}
	}
	if token == "" {
		token = uuid.NewString()
	}
	if recordID == "" {
		recordID = uuid.NewString()
	}

	rec := partialRecord{
		Partial:   req,
		ID:        recordID,
		ExpiresAt: time.Now().Add(s.cfg.PartialTTL),
	}
	rec.ResumeToken = token
	rec.SavedAt = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode partial"})
		return
	}
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(badger.PartialKey(token), data).
			WithTTL(s.cfg.PartialTTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		s.logger.Error("partial store failed", "form_id", req.FormID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store partial"})
		return
	}

	s.metrics.partialSaves.WithLabelValues(req.FormID).Inc()
	c.JSON(http.StatusOK, store.PartialReceipt{
		ID:          rec.ID,
		ResumeToken: token,
		ExpiresAt:   rec.ExpiresAt,
	})
}

// handleLoadPartial serves a partial by resume token.
func (s *Server) handleLoadPartial(c *gin.Context) {
	rec, err := s.loadPartial(c.Param("token"))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown resume token"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load partial"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// handleDeletePartial removes a partial. Deleting an unknown token is
// a success; the caller's goal is already met.
func (s *Server) handleDeletePartial(c *gin.Context) {
	token := c.Param("token")
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(badger.PartialKey(token))
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete partial"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleAnalyticsBatch accepts a batch of analytics events. Events are
// counted and logged; durable analytics storage is a separate system.
func (s *Server) handleAnalyticsBatch(c *gin.Context) {
	var req struct {
		Events []json.RawMessage `json:"events" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.metrics.events.Add(float64(len(req.Events)))
	s.logger.Debug("analytics batch accepted", "count", len(req.Events))
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(req.Events)})
}

// handleGetForm serves a schema from the registry.
func (s *Server) handleGetForm(c *gin.Context) {
	sch := s.registry.Get(c.Param("id"))
	if sch == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown form"})
		return
	}
	c.JSON(http.StatusOK, sch)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// loadPartial fetches one record, treating expiry as absence.
func (s *Server) loadPartial(token string) (*partialRecord, error) {
	var rec partialRecord
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(badger.PartialKey(token))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		return nil, badgerdb.ErrKeyNotFound
	}
	return &rec, nil
}

// findPartial scans for a respondent's existing partial record.
func (s *Server) findPartial(formID, respondentKey string) *partialRecord {
	var found *partialRecord
	s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{
			Prefix:         badger.PartialKey(""),
			PrefetchValues: true,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec partialRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				continue
			}
			if rec.FormID == formID && rec.RespondentKey == respondentKey {
				found = &rec
				return nil
			}
		}
		return nil
	})
	return found
}

// deletePartialsFor clears every partial a respondent left on a form.
func (s *Server) deletePartialsFor(formID, respondentKey string) {
	var keys [][]byte
	s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{
			Prefix:         badger.PartialKey(""),
			PrefetchValues: true,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec partialRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				continue
			}
			if rec.FormID == formID && rec.RespondentKey == respondentKey {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if len(keys) == 0 {
		return
	}
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("partial cleanup failed",
			"form_id", formID, "respondent", respondentKey, "error", err)
	}
}
