// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the repair loop over HTTP.
//
// Endpoints:
//
//	GET  /health     - Liveness
//	GET  /ready      - Sandbox preflight
//	GET  /metrics    - Prometheus scrape, when the exporter is enabled
//	POST /v1/repair  - Run one repair session
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianFix/services/fixer/loop"
	"github.com/AleutianAI/AleutianFix/services/fixer/telemetry"
)

// Version is reported by /health.
var Version = "dev"

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// Config controls the HTTP server.
type Config struct {
	// Addr is the listen address.
	// Default: ":8090"
	Addr string `yaml:"addr" json:"addr"`

	// ServiceName labels spans from the otelgin middleware.
	ServiceName string `yaml:"service_name" json:"service_name"`

	// MaxConcurrent caps repair sessions in flight. Requests beyond it
	// are rejected with 429.
	// Default: 4
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent" validate:"omitempty,min=1"`

	// MaxIters caps the per-request max_iters.
	// Default: 20
	MaxIters int `yaml:"max_iters" json:"max_iters" validate:"omitempty,min=1"`

	// RequestTimeout bounds one repair session.
	// Default: 10m
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// WorkspaceRoot is the parent of request workspaces, "" for the temp dir.
	WorkspaceRoot string `yaml:"workspace_root" json:"workspace_root"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig returns a Config with defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8090",
		ServiceName:     "aleutian-fixer",
		MaxConcurrent:   4,
		MaxIters:        20,
		RequestTimeout:  10 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
	}
}

func (c *Config) validate() {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.ServiceName == "" {
		c.ServiceName = d.ServiceName
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxIters < 1 {
		c.MaxIters = d.MaxIters
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
}

// Server serves repair requests.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	cfg     Config
	loopCfg loop.Config
	deps    loop.Dependencies
	sem     *semaphore.Weighted
	engine  *gin.Engine
	logger  *slog.Logger
}

// New builds a Server and its routes.
//
// Inputs:
//
//	cfg - Server configuration.
//	loopCfg - Base loop configuration; nil uses loop.DefaultConfig().
//	deps - Completers and verifier. They must be safe for concurrent use.
//	logger - Logger; nil uses slog.Default().
//
// Outputs:
//
//	*Server - The server.
//	error - loop.ErrMissingDependency if deps is incomplete.
func New(cfg Config, loopCfg *loop.Config, deps loop.Dependencies, logger *slog.Logger) (*Server, error) {
	if deps.Thinker == nil || deps.Verifier == nil {
		return nil, loop.ErrMissingDependency
	}
	if logger == nil {
		logger = slog.Default()
	}
	if loopCfg == nil {
		loopCfg = loop.DefaultConfig()
	}
	lc := *loopCfg
	_ = lc.Validate()
	cfg.validate()

	s := &Server{
		cfg:     cfg,
		loopCfg: lc,
		deps:    deps,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:  logger,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(cfg.ServiceName))
	engine.Use(requestID())
	s.registerRoutes(engine)
	s.engine = engine
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until ctx is cancelled, then shuts down
// gracefully within ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Fixer server listening", slog.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("Fixer server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// registerRoutes wires every endpoint onto engine.
func (s *Server) registerRoutes(engine *gin.Engine) {
	engine.GET("/health", s.handleHealth)
	engine.GET("/ready", s.handleReady)
	engine.GET("/metrics", s.handleMetrics)

	v1 := engine.Group("/v1")
	v1.POST("/repair", s.handleRepair)
}

// requestID propagates or assigns X-Request-ID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (s *Server) handleMetrics(c *gin.Context) {
	h := telemetry.MetricsHandler()
	if h == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "metrics exporter is not enabled",
			Code:  "METRICS_DISABLED",
		})
		return
	}
	h.ServeHTTP(c.Writer, c.Request)
}
