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
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"time"
)

// =============================================================================
// PROCESS EXECUTION
// =============================================================================

// executor runs one command with an outer bound and output capture.
type executor struct {
	backend   string
	maxOutput int
	logger    *slog.Logger
}

// execute runs command in dir, bounded by bound.
//
// Caller cancellation returns ctx.Err(). Expiry of bound yields a failing
// Observation with TimeoutExitCode. A process that cannot be started at all
// returns an *UnavailableError.
func (e *executor) execute(ctx context.Context, dir, command string, args []string, bound time.Duration) (*Observation, error) {
	runCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, args...)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second

	// One writer for both streams keeps stdout and stderr interleaved.
	var out bytes.Buffer
	lw := &limitedWriter{w: &out, limit: e.maxOutput}
	cmd.Stdout = lw
	cmd.Stderr = lw

	e.logger.Debug("Executing sandbox command",
		slog.String("backend", e.backend),
		slog.String("command", command),
		slog.Any("args", args),
		slog.Duration("bound", bound),
	)

	start := time.Now()
	err := cmd.Run()

	obs := &Observation{
		RawOutput: out.String(),
		Truncated: lw.truncated,
		Duration:  time.Since(start),
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		obs.TimedOut = true
		obs.ExitCode = TimeoutExitCode
		obs.RawOutput += "\n" + TimeoutNotice
		e.logger.Warn("Sandbox run timed out",
			slog.String("backend", e.backend),
			slog.Duration("bound", bound),
		)
		return obs, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &UnavailableError{Backend: e.backend, Reason: "command execution failed", Cause: err}
		}
		obs.ExitCode = exitErr.ExitCode()
	}

	obs.Passed = obs.ExitCode == PassExitCode
	return obs, nil
}

// timeoutSeconds renders a pytest --timeout value, rounding up to whole
// seconds with a floor of one.
func timeoutSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// =============================================================================
// LIMITED WRITER
// =============================================================================

// limitedWriter wraps a writer with a size limit.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	if lw.written >= lw.limit {
		lw.truncated = true
		return len(p), nil
	}

	remaining := lw.limit - lw.written
	chunk := p
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
		lw.truncated = true
	}

	n, err = lw.w.Write(chunk)
	lw.written += n
	// Report the full length so the child process never sees a short write.
	return len(p), err
}
