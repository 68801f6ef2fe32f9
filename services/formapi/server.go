// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package formapi is the reference HTTP backend for the form runtime:
// submissions, partial saves with resume tokens, analytics ingestion
// and schema serving, on gin over BadgerDB.
package formapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/formrunner/services/runtime/storage/badger"
)

// Config configures the API server.
type Config struct {
	// Addr is the listen address. Default: ":8080".
	Addr string `yaml:"addr"`

	// SchemaDir holds the form schema JSON files. Required.
	SchemaDir string `yaml:"schema_dir"`

	// DataDir is the BadgerDB directory. Empty runs in-memory, for
	// tests and demos.
	DataDir string `yaml:"data_dir"`

	// RateLimit is requests per second per client IP. Default: 10.
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the per-IP burst allowance. Default: 20.
	RateBurst int `yaml:"rate_burst"`

	// PartialTTL is how long server-side partials live.
	// Default: 720h (30 days).
	PartialTTL time.Duration `yaml:"partial_ttl"`

	Logger *slog.Logger `yaml:"-"`
}

// Server is the formapi HTTP service.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	db       *badgerdb.DB
	registry *SchemaRegistry
	metrics  *metrics
	router   *gin.Engine
}

// New builds the server: database, schema registry, metrics, routes.
// Call Close (or let Run return) to release resources.
func New(cfg Config) (*Server, error) {
	if cfg.SchemaDir == "" {
		return nil, errors.New("SchemaDir is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.PartialTTL <= 0 {
		cfg.PartialTTL = 30 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var db *badgerdb.DB
	var err error
	if cfg.DataDir == "" {
		db, err = badger.OpenInMemory()
	} else {
		db, err = badger.Open(badger.Config{
			Path:       cfg.DataDir,
			SyncWrites: true,
			Logger:     cfg.Logger,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	registry, err := NewSchemaRegistry(cfg.SchemaDir, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		db:       db,
		registry: registry,
		metrics:  newMetrics(),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		s.metrics.registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.Use(newIPRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst).middleware())
	{
		v1.POST("/submissions", s.handleSubmit)
		v1.POST("/partials", s.handleSavePartial)
		v1.GET("/partials/:token", s.handleLoadPartial)
		v1.DELETE("/partials/:token", s.handleDeletePartial)
		v1.POST("/analytics/batch", s.handleAnalyticsBatch)
		v1.GET("/forms/:id", s.handleGetForm)
		v1.GET("/healthz", s.handleHealthz)
	}
	return r
}

// Run serves until ctx is canceled, then shuts down gracefully and
// releases resources.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("formapi listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.Close()
	return err
}

// Close releases the database and the schema watcher.
func (s *Server) Close() {
	if err := s.registry.Close(); err != nil {
		s.logger.Warn("registry close failed", "error", err)
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("database close failed", "error", err)
	}
}
