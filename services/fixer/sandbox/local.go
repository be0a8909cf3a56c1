// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"context"
	"log/slog"
	"os/exec"
)

// LocalVerifier runs pytest directly on the host.
//
// There is no isolation and MemoryMB/CPUs are ignored. Intended for
// development machines without a container runtime; never point it at
// untrusted model output on a shared host.
//
// Thread Safety: Safe for concurrent use.
type LocalVerifier struct {
	config *Config
	runner *executor
	logger *slog.Logger
}

// NewLocalVerifier creates a LocalVerifier.
func NewLocalVerifier(cfg *Config, logger *slog.Logger) *LocalVerifier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalVerifier{
		config: cfg,
		runner: &executor{backend: "local", maxOutput: cfg.MaxOutputBytes, logger: logger},
		logger: logger,
	}
}

// Preflight checks that the interpreter is on PATH.
func (v *LocalVerifier) Preflight(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	if _, err := exec.LookPath(v.config.PythonBinary); err != nil {
		return &UnavailableError{Backend: "local", Reason: v.config.PythonBinary + " not found on PATH", Cause: err}
	}
	return nil
}

// Verify runs pytest in req.Workdir.
func (v *LocalVerifier) Verify(ctx context.Context, req Request) (*Observation, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if req.Workdir == "" {
		return nil, ErrEmptyWorkdir
	}
	if err := v.Preflight(ctx); err != nil {
		return nil, err
	}

	ctx, span := startVerifySpan(ctx, "local", req)
	defer span.End()

	args := pytestArgs(req, v.config.ExtraPytestArgs)
	obs, err := v.runner.execute(ctx, req.Workdir, v.config.PythonBinary, args[1:], req.Timeout+v.config.GracePeriod)
	if err != nil {
		return nil, err
	}

	setVerifySpanResult(span, obs)
	recordVerification(ctx, "local", obs)

	v.logger.Debug("Local pytest run complete",
		slog.String("workdir", req.Workdir),
		slog.Bool("passed", obs.Passed),
		slog.Int("exit_code", obs.ExitCode),
	)
	return obs, nil
}
