// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"time"

	"github.com/AleutianAI/AleutianFix/services/fixer/action"
	"github.com/AleutianAI/AleutianFix/services/fixer/patch"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the state of a repair session.
type Status string

const (
	// StatusInit is the state before the initial verification.
	StatusInit Status = "init"

	// StatusRunning is the state while iterations remain.
	StatusRunning Status = "running"

	// StatusDone means the tests passed or the model finished.
	StatusDone Status = "done"

	// StatusBudgetExhausted means MaxIters patch attempts were spent.
	StatusBudgetExhausted Status = "budget_exhausted"

	// StatusAborted means Run returned an error (sandbox unavailable or
	// context cancelled) before reaching another terminal state.
	StatusAborted Status = "aborted"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if no further steps will run.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusBudgetExhausted, StatusAborted:
		return true
	default:
		return false
	}
}

// =============================================================================
// TRAJECTORY
// =============================================================================

// Trajectory is the ordered record of thoughts, actions and observations.
type Trajectory []string

// Append adds one record to the end.
func (t *Trajectory) Append(record string) {
	*t = append(*t, record)
}

// Entries returns a copy of every record.
func (t Trajectory) Entries() []string {
	return append([]string(nil), t...)
}

// Len returns the number of records.
func (t Trajectory) Len() int { return len(t) }

// Tail returns the last n records, or all of them when fewer exist.
func (t Trajectory) Tail(n int) []string {
	if n <= 0 {
		return nil
	}
	if n >= len(t) {
		return t.Entries()
	}
	return append([]string(nil), t[len(t)-n:]...)
}

// =============================================================================
// STATE & RESULT
// =============================================================================

// LoopState is the mutable state of one session.
type LoopState struct {
	// SessionID identifies the session in logs and spans.
	SessionID string

	// Status is the current state.
	Status Status

	// Iteration counts spent patch attempts.
	Iteration int

	// Source is the current source under repair.
	Source string

	// Tests is the immutable test code.
	Tests string

	// LastResult is the body of the most recent verification observation.
	LastResult string

	// Passed reports whether the most recent verification passed.
	Passed bool

	// Trajectory is the full record so far.
	Trajectory Trajectory

	// Patches lists every patch that was applied.
	Patches []AppliedPatch

	// FormatRetries counts unparseable thoughts.
	FormatRetries int

	// LLMCalls counts completer calls.
	LLMCalls int

	// StartTime is when Run began.
	StartTime time.Time
}

// append adds one record to the trajectory.
func (s *LoopState) append(record string) {
	s.Trajectory.Append(record)
}

// AppliedPatch records one patch applied to the workspace.
type AppliedPatch struct {
	// Iteration is the 1-based attempt the patch belongs to.
	Iteration int `json:"iteration"`

	// Action is the parsed patch as the model sent it.
	Action action.Patch `json:"action"`

	// Diff is the unified diff of the change.
	Diff string `json:"diff"`

	// Stats counts changed lines.
	Stats patch.Stats `json:"stats"`

	// Passed reports whether the tests passed after this patch.
	Passed bool `json:"passed"`
}

// Result is the outcome of a repair session.
type Result struct {
	// SessionID identifies the session.
	SessionID string `json:"session_id"`

	// Status is the final state.
	Status Status `json:"status"`

	// Iterations is the number of patch attempts spent.
	Iterations int `json:"iterations"`

	// Passed reports whether the last verification passed.
	Passed bool `json:"passed"`

	// Trajectory is the full record.
	Trajectory []string `json:"trajectory"`

	// FinalSource is the source as left in the workspace.
	FinalSource string `json:"final_source"`

	// Patches lists every applied patch.
	Patches []AppliedPatch `json:"patches,omitempty"`

	// FormatRetries counts unparseable thoughts.
	FormatRetries int `json:"format_retries"`

	// LLMCalls counts completer calls.
	LLMCalls int `json:"llm_calls"`

	// Duration is the wall time of the session.
	Duration time.Duration `json:"duration"`
}
