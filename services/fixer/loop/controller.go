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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFix/services/fixer/action"
	"github.com/AleutianAI/AleutianFix/services/fixer/llm"
	"github.com/AleutianAI/AleutianFix/services/fixer/patch"
	"github.com/AleutianAI/AleutianFix/services/fixer/prompt"
	"github.com/AleutianAI/AleutianFix/services/fixer/sandbox"
	"github.com/AleutianAI/AleutianFix/services/fixer/telemetry"
	"github.com/AleutianAI/AleutianFix/services/fixer/workspace"
)

// Trajectory records written by the controller itself.
const (
	// ObservationAllPassed is recorded when a verification passes.
	ObservationAllPassed = "Observation: all tests passed"

	// ObservationThoughtFormat is recorded for an unparseable thought.
	ObservationThoughtFormat = "Observation: Error parsing your Thought output, retry and follow the format exactly."

	// TruncationSuffix marks test output cut at MaxObservationChars.
	TruncationSuffix = "\n...[truncated]..."
)

// completion stages, used in logs and metrics.
const (
	stageThought = "thought"
	stagePatch   = "patch"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Workspace is the task directory a session edits.
//
// *workspace.Workspace implements it.
type Workspace interface {
	Path() string
	ReadSource() (string, error)
	ReadTests() (string, error)
	WriteSource(src string) error
}

// Dependencies are the collaborators of a Controller.
type Dependencies struct {
	// Thinker answers thought prompts. Required.
	Thinker llm.Completer

	// Patcher answers patch prompts. Nil reuses Thinker.
	Patcher llm.Completer

	// Verifier runs the tests. Required.
	Verifier sandbox.Verifier

	// Prompts renders prompts. Nil uses the default templates.
	Prompts prompt.Builder
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller runs repair sessions.
//
// Thread Safety: Run refuses to start while another Run on the same
// Controller is in progress. Use one Controller per concurrent task.
type Controller struct {
	config  *Config
	deps    Dependencies
	logger  *slog.Logger
	running atomic.Bool
}

// NewController creates a repair loop controller.
//
// Inputs:
//
//	cfg - Loop configuration; nil uses DefaultConfig()
//	deps - Completers, verifier and prompt builder
//	logger - Logger for structured logging; nil uses slog.Default()
//
// Outputs:
//
//	*Controller - Configured controller
//	error - ErrMissingDependency if Thinker or Verifier is nil, or a
//	        prompt template error
func NewController(cfg *Config, deps Dependencies, logger *slog.Logger) (*Controller, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	_ = cfg.Validate()
	if logger == nil {
		logger = slog.Default()
	}

	if deps.Thinker == nil {
		return nil, fmt.Errorf("%w: thought completer", ErrMissingDependency)
	}
	if deps.Verifier == nil {
		return nil, fmt.Errorf("%w: verifier", ErrMissingDependency)
	}
	if deps.Patcher == nil {
		deps.Patcher = deps.Thinker
	}
	if deps.Prompts == nil {
		b, err := prompt.NewTemplateBuilder()
		if err != nil {
			return nil, err
		}
		deps.Prompts = b
	}

	return &Controller{config: cfg, deps: deps, logger: logger}, nil
}

// Config returns the validated configuration.
func (c *Controller) Config() Config {
	return *c.config
}

// Run executes one repair session against ws.
//
// Description:
//
//	Verifies the initial source, then iterates Thought → Patch → Verify
//	until the tests pass, the model finishes or MaxIters patch attempts
//	are spent. The workspace is left holding the final source.
//
// Inputs:
//
//	ctx - Context for cancellation
//	ws - The task workspace
//
// Outputs:
//
//	*Result - Session outcome. Also returned, partially filled, with a
//	          non-nil error.
//	error - sandbox.ErrSandboxUnavailable (wrapped), ctx.Err(), or a
//	        workspace I/O error. Nil for DONE and BUDGET_EXHAUSTED.
func (c *Controller) Run(ctx context.Context, ws Workspace) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if ws == nil {
		return nil, ErrNilWorkspace
	}
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer c.running.Store(false)

	st := &LoopState{
		SessionID: uuid.New().String()[:8],
		Status:    StatusInit,
		StartTime: time.Now(),
	}

	ctx, span := startSessionSpan(ctx, st.SessionID, c.config.MaxIters)
	defer span.End()

	if c.config.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.TotalTimeout)
		defer cancel()
	}

	s := &session{
		c:      c,
		ws:     ws,
		st:     st,
		span:   span,
		logger: telemetry.LoggerWithTrace(ctx, c.logger).With(slog.String("session_id", st.SessionID)),
	}

	s.logger.Info("Starting repair session",
		slog.String("workdir", ws.Path()),
		slog.Int("max_iters", c.config.MaxIters),
		slog.String("thinker", c.deps.Thinker.Name()),
		slog.String("patcher", c.deps.Patcher.Name()),
	)

	err := s.run(ctx)
	if err != nil {
		s.logger.Error("Repair session aborted",
			slog.String("state", string(st.Status)),
			slog.Int("iteration", st.Iteration),
			slog.String("error", err.Error()),
		)
		s.transition(ctx, StatusAborted)
		span.RecordError(err)
	}

	result := s.result()
	setSessionSpanResult(span, result.Status, result.Iterations, result.Passed)
	recordSessionMetrics(ctx, result.Status, result.Duration, result.Iterations)

	s.logger.Info("Repair session complete",
		slog.String("final_state", string(result.Status)),
		slog.Int("iterations", result.Iterations),
		slog.Bool("passed", result.Passed),
		slog.Int("llm_calls", result.LLMCalls),
		slog.Duration("duration", result.Duration),
	)
	return result, err
}

// =============================================================================
// SESSION
// =============================================================================

// session is the per-Run state.
type session struct {
	c      *Controller
	ws     Workspace
	st     *LoopState
	span   trace.Span
	logger *slog.Logger
}

func (s *session) run(ctx context.Context) error {
	for !s.st.Status.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// step executes one step of the state machine.
func (s *session) step(ctx context.Context) error {
	switch s.st.Status {
	case StatusInit:
		return s.stepInit(ctx)
	case StatusRunning:
		return s.stepIterate(ctx)
	default:
		return &StateTransitionError{From: s.st.Status, To: s.st.Status}
	}
}

// transition changes state with logging.
func (s *session) transition(ctx context.Context, to Status) {
	from := s.st.Status
	s.st.Status = to

	recordStateTransition(ctx, from, to)
	addTransitionEvent(s.span, from, to, s.st.Iteration)

	s.logger.Info("Repair state transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int("iteration", s.st.Iteration),
		slog.Duration("elapsed", time.Since(s.st.StartTime)),
	)
}

// charge spends one iteration without a verification.
func (s *session) charge(ctx context.Context) {
	s.st.Iteration++
	if s.st.Iteration >= s.c.config.MaxIters {
		s.transition(ctx, StatusBudgetExhausted)
	}
}

func (s *session) result() *Result {
	return &Result{
		SessionID:     s.st.SessionID,
		Status:        s.st.Status,
		Iterations:    s.st.Iteration,
		Passed:        s.st.Passed,
		Trajectory:    s.st.Trajectory.Entries(),
		FinalSource:   s.st.Source,
		Patches:       s.st.Patches,
		FormatRetries: s.st.FormatRetries,
		LLMCalls:      s.st.LLMCalls,
		Duration:      time.Since(s.st.StartTime),
	}
}

// =============================================================================
// STATE HANDLERS
// =============================================================================

func (s *session) stepInit(ctx context.Context) error {
	source, err := s.ws.ReadSource()
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	tests, err := s.ws.ReadTests()
	if err != nil {
		return fmt.Errorf("read tests: %w", err)
	}
	s.st.Source, s.st.Tests = source, tests

	if err := s.c.deps.Verifier.Preflight(ctx); err != nil {
		return err
	}

	obs, err := s.verify(ctx)
	if err != nil {
		return err
	}

	s.st.Passed = obs.Passed
	if obs.Passed {
		s.logger.Info("Initial source already passes")
		s.st.append(ObservationAllPassed)
		s.transition(ctx, StatusDone)
		return nil
	}

	s.st.LastResult = s.describe(ctx, obs)
	s.transition(ctx, StatusRunning)
	return nil
}

// stepIterate runs one Thought → Patch → Verify iteration.
func (s *session) stepIterate(ctx context.Context) error {
	thought, ok, err := s.think(ctx)
	if err != nil || !ok {
		return err
	}

	patchPrompt, err := s.c.deps.Prompts.PatchPrompt(s.input(), action.Format(thought))
	if err != nil {
		return fmt.Errorf("build patch prompt: %w", err)
	}
	reply, err := s.complete(ctx, stagePatch, s.c.deps.Patcher, patchPrompt)
	if err != nil {
		return s.completerFailed(ctx, err)
	}

	pa, err := action.ParsePatch(reply)
	if err != nil {
		recordFormatRetry(ctx, stagePatch)
		s.logger.Debug("Unparseable patch",
			slog.Int("iteration", s.st.Iteration),
			slog.String("error", err.Error()),
		)
		s.st.append(fmt.Sprintf("Observation: Error parsing your Patch output (%v), retry and follow the format exactly.", err))
		s.charge(ctx)
		return nil
	}

	base := canonicalSource(s.st.Source)
	sp := patch.FromAction(pa)
	updated := patch.Apply(base, sp)

	diff, stats, err := patch.RenderDiff(workspace.SourceFile, base, sp)
	if err != nil {
		s.logger.Warn("Failed to render patch diff", slog.String("error", err.Error()))
	}

	s.st.append(action.Format(pa))
	if err := s.ws.WriteSource(updated); err != nil {
		return fmt.Errorf("write source: %w", err)
	}
	s.st.Source = updated

	obs, err := s.verify(ctx)
	if err != nil {
		return err
	}

	body := s.describe(ctx, obs)
	s.st.LastResult = body
	s.st.Passed = obs.Passed
	s.st.append("Observation: " + body)
	s.st.Iteration++
	s.st.Patches = append(s.st.Patches, AppliedPatch{
		Iteration: s.st.Iteration,
		Action:    pa,
		Diff:      diff,
		Stats:     stats,
		Passed:    obs.Passed,
	})

	s.logger.Info("Patch verified",
		slog.Int("iteration", s.st.Iteration),
		slog.Int("start", pa.Start),
		slog.Int("end", pa.End),
		slog.Int("lines_added", stats.LinesAdded),
		slog.Int("lines_removed", stats.LinesRemoved),
		slog.Bool("passed", obs.Passed),
		slog.Int("exit_code", obs.ExitCode),
	)

	switch {
	case obs.Passed:
		s.transition(ctx, StatusDone)
	case s.st.Iteration >= s.c.config.MaxIters:
		s.transition(ctx, StatusBudgetExhausted)
	}
	return nil
}

// think obtains a Thought. ok is false when the iteration already ended
// (Finish, a charged retry or a failed request).
func (s *session) think(ctx context.Context) (thought action.Thought, ok bool, err error) {
	streak := 0
	for {
		thoughtPrompt, err := s.c.deps.Prompts.ThoughtPrompt(s.input())
		if err != nil {
			return thought, false, fmt.Errorf("build thought prompt: %w", err)
		}

		reply, err := s.complete(ctx, stageThought, s.c.deps.Thinker, thoughtPrompt)
		if err != nil {
			return thought, false, s.completerFailed(ctx, err)
		}

		a, err := s.parseThought(reply)
		if err != nil {
			streak++
			s.st.FormatRetries++
			recordFormatRetry(ctx, stageThought)
			s.st.append(ObservationThoughtFormat)
			s.logger.Debug("Unparseable thought",
				slog.Int("streak", streak),
				slog.String("error", err.Error()),
			)

			if s.chargesBudget(streak) {
				s.charge(ctx)
				return thought, false, nil
			}
			if err := ctx.Err(); err != nil {
				return thought, false, err
			}
			continue
		}

		switch a := a.(type) {
		case action.Finish:
			s.st.append(action.Format(a))
			s.logger.Info("Model finished", slog.String("message", a.Message))
			s.transition(ctx, StatusDone)
			return thought, false, nil
		case action.Thought:
			s.st.append(action.Format(a))
			return a, true, nil
		default:
			return thought, false, fmt.Errorf("unexpected %s action at thought stage", a.Kind())
		}
	}
}

// chargesBudget reports whether the streak-th consecutive unparseable
// thought spends an iteration.
func (s *session) chargesBudget(streak int) bool {
	cfg := s.c.config
	if cfg.ThoughtRetryPolicy == RetryConsumesBudget {
		return true
	}
	return cfg.MaxFormatRetries > 0 && streak > cfg.MaxFormatRetries
}

func (s *session) parseThought(reply string) (action.Action, error) {
	if s.c.config.AllowFinish {
		return action.ParseThoughtOrFinish(reply)
	}
	return action.ParseThought(reply)
}

// completerFailed records a failed model request as a spent iteration.
// Cancellation is returned instead.
func (s *session) completerFailed(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.logger.Warn("Completer request failed",
		slog.Int("iteration", s.st.Iteration),
		slog.String("error", err.Error()),
	)
	s.st.append("Observation: model request failed: " + err.Error())
	s.charge(ctx)
	return nil
}

func (s *session) complete(ctx context.Context, stage string, c llm.Completer, p string) (string, error) {
	s.st.LLMCalls++
	start := time.Now()
	reply, err := c.Complete(ctx, p)
	recordLLMCall(ctx, stage, c.Name(), err)

	s.logger.Debug("Completer call",
		slog.String("stage", stage),
		slog.String("provider", c.Name()),
		slog.Int("prompt_chars", len(p)),
		slog.Int("reply_chars", len(reply)),
		slog.Duration("duration", time.Since(start)),
	)
	return reply, err
}

// verify runs the tests. Only cancellation and an unavailable sandbox are
// returned as errors; anything else becomes a failing observation. The call
// is bounded by TestTimeout plus GracePeriod.
func (s *session) verify(ctx context.Context) (*sandbox.Observation, error) {
	limit := s.c.config.TestTimeout + s.c.config.GracePeriod
	vctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	obs, err := s.c.deps.Verifier.Verify(vctx, sandbox.Request{
		Workdir:  s.ws.Path(),
		Timeout:  s.c.config.TestTimeout,
		MemoryMB: s.c.config.MemoryMB,
		CPUs:     s.c.config.CPUs,
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(vctx.Err(), context.DeadlineExceeded) && (err != nil || obs == nil) {
		s.logger.Warn("Verification exceeded its time limit",
			slog.Duration("limit", limit),
		)
		return &sandbox.Observation{
			ExitCode:  sandbox.TimeoutExitCode,
			TimedOut:  true,
			RawOutput: sandbox.TimeoutNotice,
			Duration:  limit,
		}, nil
	}
	if err == nil {
		return obs, nil
	}
	if errors.Is(err, sandbox.ErrSandboxUnavailable) {
		return nil, err
	}

	s.logger.Warn("Verification error recorded as failure", slog.String("error", err.Error()))
	return &sandbox.Observation{ExitCode: -1, RawOutput: "verification error: " + err.Error()}, nil
}

// describe renders the observation body for obs.
func (s *session) describe(ctx context.Context, obs *sandbox.Observation) string {
	if obs.Passed {
		return strings.TrimPrefix(ObservationAllPassed, "Observation: ")
	}

	var b strings.Builder
	if obs.TimedOut {
		fmt.Fprintf(&b, "tests timed out after %s", s.c.config.TestTimeout)
	} else {
		fmt.Fprintf(&b, "tests failed (exit code %d)", obs.ExitCode)
	}
	if out := strings.TrimSpace(obs.RawOutput); out != "" {
		b.WriteString(":\n")
		b.WriteString(truncateOutput(out, s.c.config.MaxObservationChars))
	}

	if s.c.config.SyntaxHint {
		issue, err := CheckPythonSyntax(ctx, s.st.Source)
		if err != nil {
			s.logger.Debug("Syntax check failed", slog.String("error", err.Error()))
		} else if issue != nil {
			b.WriteString("\nSyntax check: ")
			b.WriteString(issue.String())
		}
	}
	return b.String()
}

func (s *session) input() prompt.Input {
	return prompt.Input{
		Source:         s.st.Source,
		Tests:          s.st.Tests,
		LastResult:     s.st.LastResult,
		TrajectoryTail: s.st.Trajectory.Tail(s.c.config.TrajectoryWindow),
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// canonicalSource drops trailing whitespace and ends the source with
// exactly one newline, so an insertion after the last line never joins it.
func canonicalSource(src string) string {
	trimmed := strings.TrimRight(src, " \t\r\n")
	if trimmed == "" {
		return ""
	}
	return trimmed + "\n"
}

// truncateOutput cuts s to at most n bytes on a rune boundary and appends
// TruncationSuffix when anything was removed.
func truncateOutput(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationSuffix
}
