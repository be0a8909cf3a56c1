// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFix/services/fixer/loop"
	"github.com/AleutianAI/AleutianFix/services/fixer/sandbox"
	"github.com/AleutianAI/AleutianFix/services/fixer/telemetry"
	"github.com/AleutianAI/AleutianFix/services/fixer/workspace"
)

// RepairRequest is the body of POST /v1/repair.
type RepairRequest struct {
	// Source is the buggy program.
	Source string `json:"source" binding:"required,max=262144"`

	// Tests is the test code appended to the source.
	Tests string `json:"tests" binding:"required,max=262144"`

	// MaxIters overrides the loop budget, capped by the server.
	MaxIters int `json:"max_iters" binding:"omitempty,min=1"`
}

// RepairResponse is the result of a repair session.
type RepairResponse struct {
	SessionID   string   `json:"session_id"`
	Status      string   `json:"status"`
	Passed      bool     `json:"passed"`
	Iterations  int      `json:"iterations"`
	Trajectory  []string `json:"trajectory"`
	FinalSource string   `json:"final_source"`
	Diffs       []string `json:"diffs,omitempty"`
	DurationMs  int64    `json:"duration_ms"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable code.
	Code string `json:"code,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: Version})
}

func (s *Server) handleReady(c *gin.Context) {
	if err := s.deps.Verifier.Preflight(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: err.Error(),
			Code:  "SANDBOX_UNAVAILABLE",
		})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ready", Version: Version})
}

// handleRepair handles POST /v1/repair.
//
// Response:
//
//	200 OK: RepairResponse
//	400 Bad Request: Validation error
//	429 Too Many Requests: MaxConcurrent sessions already running
//	503 Service Unavailable: Sandbox unavailable
//	504 Gateway Timeout: RequestTimeout expired
//	500 Internal Server Error: Any other failure
func (s *Server) handleRepair(c *gin.Context) {
	ctx := c.Request.Context()
	logger := telemetry.LoggerWithTrace(ctx, s.logger).With(
		slog.String("request_id", c.GetString("request_id")),
		slog.String("handler", "handleRepair"),
	)

	var req RepairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	if !s.sem.TryAcquire(1) {
		c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error: "too many repair sessions in flight",
			Code:  "BUSY",
		})
		return
	}
	defer s.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	ws, err := workspace.New(s.cfg.WorkspaceRoot, workspace.Task{
		ID:     "repair_" + uuid.NewString()[:8],
		Source: req.Source,
		Tests:  req.Tests,
	}, workspace.WithLogger(logger))
	if err != nil {
		logger.Error("Workspace creation failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "WORKSPACE_FAILED"})
		return
	}
	defer func() { _ = ws.Cleanup() }()

	cfg := s.loopCfg
	if req.MaxIters > 0 {
		cfg.MaxIters = min(req.MaxIters, s.cfg.MaxIters)
	}
	ctrl, err := loop.NewController(&cfg, s.deps, logger)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "CONTROLLER_FAILED"})
		return
	}

	res, err := ctrl.Run(ctx, ws)
	if err != nil {
		status, code := http.StatusInternalServerError, "REPAIR_FAILED"
		switch {
		case errors.Is(err, sandbox.ErrSandboxUnavailable):
			status, code = http.StatusServiceUnavailable, "SANDBOX_UNAVAILABLE"
		case errors.Is(err, context.DeadlineExceeded):
			status, code = http.StatusGatewayTimeout, "REPAIR_TIMEOUT"
		}
		logger.Error("Repair failed", slog.String("error", err.Error()), slog.String("code", code))
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	logger.Info("Repair finished",
		slog.String("session_id", res.SessionID),
		slog.String("status", string(res.Status)),
		slog.Int("iterations", res.Iterations),
		slog.Bool("passed", res.Passed),
	)
	c.JSON(http.StatusOK, newRepairResponse(res))
}

func newRepairResponse(res *loop.Result) RepairResponse {
	out := RepairResponse{
		SessionID:   res.SessionID,
		Status:      string(res.Status),
		Passed:      res.Passed,
		Iterations:  res.Iterations,
		Trajectory:  res.Trajectory,
		FinalSource: res.FinalSource,
		DurationMs:  res.Duration.Milliseconds(),
	}
	for _, p := range res.Patches {
		if p.Diff != "" {
			out.Diffs = append(out.Diffs, p.Diff)
		}
	}
	if out.Trajectory == nil {
		out.Trajectory = []string{}
	}
	return out
}
