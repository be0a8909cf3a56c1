// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox runs a task's combined test file under pytest and reports
// a pass/fail observation.
//
// # Pass Convention
//
// The harness appends a self-executing check function to the source rather
// than discoverable test functions, so a clean run collects nothing and
// pytest exits with code 5 ("no tests collected"). That exit code, and only
// that exit code, is PASS. A failed assertion raises at import time and
// yields any other code.
//
// # Timeouts
//
// pytest enforces the per-run timeout itself (pytest-timeout). The verifier
// bounds the whole invocation by timeout + Config.GracePeriod. When that
// outer bound fires the run is reported as a failing observation with exit
// code 124, not as an error.
//
// # Thread Safety
//
// Verifiers hold no per-run state and are safe for concurrent use. Each
// request must use its own workdir.
package sandbox

import (
	"context"
	"time"
)

const (
	// PassExitCode is pytest's "no tests collected" exit status.
	PassExitCode = 5

	// TimeoutExitCode is reported when the outer bound expires.
	TimeoutExitCode = 124

	// TimeoutNotice is appended to the output of a timed-out run.
	TimeoutNotice = "[agent] Container timed out."
)

// Request describes one verification run.
type Request struct {
	// Workdir holds test_task.py and is mounted read-write.
	Workdir string

	// Timeout is the pytest per-run timeout.
	Timeout time.Duration

	// MemoryMB caps container memory and swap.
	MemoryMB int

	// CPUs is the CPU quota in logical CPUs. Values below 0.1 are raised.
	CPUs float64
}

// Observation is the outcome of one verification run.
type Observation struct {
	// Passed is true iff ExitCode == PassExitCode.
	Passed bool `json:"passed"`

	// ExitCode is the process exit status, TimeoutExitCode on outer timeout.
	ExitCode int `json:"exit_code"`

	// RawOutput is the combined stdout/stderr, capped at MaxOutputBytes.
	RawOutput string `json:"raw_output"`

	// TimedOut is set when the outer bound expired.
	TimedOut bool `json:"timed_out"`

	// Truncated is set when output exceeded MaxOutputBytes.
	Truncated bool `json:"truncated"`

	// Duration is the wall time of the run.
	Duration time.Duration `json:"duration"`
}

// Verifier runs the test suite for a workdir.
type Verifier interface {
	// Preflight checks that the backend can run at all. It returns an
	// error wrapping ErrSandboxUnavailable when it cannot.
	Preflight(ctx context.Context) error

	// Verify runs pytest once. Test failures and timeouts are reported in
	// the Observation; only backend failures return an error, and those
	// wrap ErrSandboxUnavailable.
	Verify(ctx context.Context, req Request) (*Observation, error)
}

// VerifierFunc adapts a function to the Verifier interface. Preflight
// always succeeds.
type VerifierFunc func(ctx context.Context, req Request) (*Observation, error)

// Preflight implements Verifier.
func (f VerifierFunc) Preflight(context.Context) error { return nil }

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, req Request) (*Observation, error) {
	return f(ctx, req)
}

// NewObservation builds an Observation applying the pass convention.
func NewObservation(exitCode int, output string) *Observation {
	return &Observation{
		Passed:    exitCode == PassExitCode,
		ExitCode:  exitCode,
		RawOutput: output,
	}
}
