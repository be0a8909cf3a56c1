// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianFix/services/fixer/loop"
	"github.com/AleutianAI/AleutianFix/services/fixer/sandbox"
	"github.com/AleutianAI/AleutianFix/services/fixer/workspace"
)

var tracer = otel.Tracer("aleutian.fixer.eval")

// ErrNilContext indicates a nil context.Context was passed.
var ErrNilContext = errors.New("context must not be nil")

// ResultStore persists task results so an interrupted run can resume.
//
// *store.ResultStore implements it.
type ResultStore interface {
	Put(ctx context.Context, runKey string, r TaskResult) error
	Get(ctx context.Context, runKey, taskID string) (TaskResult, bool, error)
}

// RunnerConfig controls a benchmark run.
type RunnerConfig struct {
	// Concurrency is the number of tasks in flight. Default: 1
	Concurrency int `yaml:"concurrency" json:"concurrency" validate:"omitempty,min=1,max=64"`

	// WorkspaceRoot is the parent of task workspaces, "" for the temp dir.
	WorkspaceRoot string `yaml:"workspace_root" json:"workspace_root"`

	// KeepWorkspaces leaves task directories on disk.
	KeepWorkspaces bool `yaml:"keep_workspaces" json:"keep_workspaces"`

	// ReportPath is rewritten after every task. Empty disables it.
	ReportPath string `yaml:"report" json:"report"`

	// RunKey groups stored results. Empty generates one.
	RunKey string `yaml:"run_key" json:"run_key"`

	// Resume skips tasks that already have a result under RunKey, taken
	// from the store when set and the report file otherwise.
	Resume bool `yaml:"resume" json:"resume"`
}

// Runner evaluates tasks with the repair loop.
//
// Thread Safety: Run may be called once at a time.
type Runner struct {
	cfg     RunnerConfig
	loopCfg loop.Config
	deps    loop.Dependencies
	store   ResultStore
	sink    Sink
	logger  *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithStore persists results to s.
func WithStore(s ResultStore) RunnerOption {
	return func(r *Runner) {
		r.store = s
	}
}

// WithSink reports progress to s.
func WithSink(s Sink) RunnerOption {
	return func(r *Runner) {
		if s != nil {
			r.sink = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a Runner.
//
// Inputs:
//
//	cfg - Run configuration.
//	loopCfg - Per-task loop configuration; nil uses loop.DefaultConfig().
//	deps - Completers and verifier shared by every task. They must be
//	       safe for concurrent use when cfg.Concurrency > 1.
//	opts - Optional store, sink and logger.
//
// Outputs:
//
//	*Runner - The runner.
//	error - loop.ErrMissingDependency if deps lacks a completer or verifier.
func NewRunner(cfg RunnerConfig, loopCfg *loop.Config, deps loop.Dependencies, opts ...RunnerOption) (*Runner, error) {
	if deps.Thinker == nil {
		return nil, fmt.Errorf("%w: thought completer", loop.ErrMissingDependency)
	}
	if deps.Verifier == nil {
		return nil, fmt.Errorf("%w: verifier", loop.ErrMissingDependency)
	}
	if loopCfg == nil {
		loopCfg = loop.DefaultConfig()
	}
	lc := *loopCfg
	_ = lc.Validate()

	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.RunKey == "" {
		cfg.RunKey = uuid.NewString()[:8]
	}

	r := &Runner{
		cfg:     cfg,
		loopCfg: lc,
		deps:    deps,
		sink:    nopSink{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RunKey returns the key results are stored under.
func (r *Runner) RunKey() string {
	return r.cfg.RunKey
}

// Run evaluates tasks.
//
// Description:
//
//	Checks the sandbox once, then runs up to Concurrency tasks at a time.
//	Each finished task is stored, reported to the sink and flushed to
//	the report file. A sandbox outage or cancellation stops the run; any
//	other per-task error is recorded on that task as a failure.
//
// Outputs:
//
//	[]TaskResult - Finished tasks in input order, including resumed ones.
//	               Returned even alongside an error.
//	error - Preflight failure, sandbox outage, cancellation or a store
//	        or report write failure.
func (r *Runner) Run(ctx context.Context, tasks []Task) ([]TaskResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	ctx, span := tracer.Start(ctx, "eval.Runner.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("eval.run_key", r.cfg.RunKey),
		attribute.Int("eval.tasks", len(tasks)),
		attribute.Int("eval.concurrency", r.cfg.Concurrency),
	)

	if err := r.deps.Verifier.Preflight(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "preflight failed")
		return nil, fmt.Errorf("preflight: %w", err)
	}

	previous, err := r.previous(ctx, tasks)
	if err != nil {
		return nil, err
	}

	results := make([]*TaskResult, len(tasks))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for i, task := range tasks {
		if prev, ok := previous[task.ID]; ok {
			results[i] = &prev
			continue
		}
		g.Go(func() error {
			res, err := r.runTask(gctx, task)
			if err != nil {
				return fmt.Errorf("task %s: %w", task.ID, err)
			}
			if r.store != nil {
				if err := r.store.Put(gctx, r.cfg.RunKey, res); err != nil {
					return fmt.Errorf("store result %s: %w", task.ID, err)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			results[i] = &res
			finished := collect(results)
			score, passed, total := PassAt1(finished)
			r.sink.Observe(res)
			r.sink.SetScore(score)
			if r.cfg.ReportPath != "" {
				if err := WriteReport(r.cfg.ReportPath, finished); err != nil {
					return err
				}
			}
			r.logger.Info("Task finished",
				slog.String("task_id", res.TaskID),
				slog.String("status", string(res.Status)),
				slog.Int("iterations", res.Iterations),
				slog.Duration("duration", res.Duration),
				slog.Int("passed", passed),
				slog.Int("finished", total),
			)
			return nil
		})
	}

	err = g.Wait()
	finished := collect(results)
	score, passed, total := PassAt1(finished)
	span.SetAttributes(
		attribute.Float64("eval.pass_at_1", score),
		attribute.Int("eval.passed", passed),
		attribute.Int("eval.finished", total),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run aborted")
		return finished, err
	}
	return finished, nil
}

// previous returns results to skip when resuming.
func (r *Runner) previous(ctx context.Context, tasks []Task) (map[string]TaskResult, error) {
	out := make(map[string]TaskResult)
	if !r.cfg.Resume {
		return out, nil
	}

	if r.store != nil {
		for _, t := range tasks {
			res, ok, err := r.store.Get(ctx, r.cfg.RunKey, t.ID)
			if err != nil {
				return nil, fmt.Errorf("load stored result %s: %w", t.ID, err)
			}
			if ok {
				out[t.ID] = res
			}
		}
	} else if r.cfg.ReportPath != "" {
		prior, err := ReadReport(r.cfg.ReportPath)
		if err != nil {
			r.logger.Warn("No report to resume from", slog.String("error", err.Error()))
			return out, nil
		}
		for _, res := range prior {
			out[res.TaskID] = res
		}
	}

	if len(out) > 0 {
		r.logger.Info("Resuming run",
			slog.String("run_key", r.cfg.RunKey),
			slog.Int("skipped", len(out)),
		)
	}
	return out, nil
}

// runTask repairs and adjudicates one task. Only errors that should stop
// the whole run are returned; the rest are recorded on the result.
func (r *Runner) runTask(ctx context.Context, task Task) (TaskResult, error) {
	start := time.Now()
	logger := r.logger.With(slog.String("task_id", task.ID))
	result := TaskResult{TaskID: task.ID, Status: TaskFail}

	ctx, span := tracer.Start(ctx, "eval.Runner.runTask")
	defer span.End()
	span.SetAttributes(attribute.String("eval.task_id", task.ID))

	ws, err := workspace.New(r.cfg.WorkspaceRoot, task.WorkspaceTask(),
		workspace.WithKeep(r.cfg.KeepWorkspaces),
		workspace.WithLogger(logger),
	)
	if err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result, nil
	}
	defer func() {
		if err := ws.Cleanup(); err != nil {
			logger.Warn("Workspace cleanup failed", slog.String("error", err.Error()))
		}
	}()

	cfg := r.loopCfg
	ctrl, err := loop.NewController(&cfg, r.deps, logger)
	if err != nil {
		return result, err
	}

	res, runErr := ctrl.Run(ctx, ws)
	if res != nil {
		result.LoopStatus = string(res.Status)
		result.Iterations = res.Iterations
		result.TrajectoryLen = len(res.Trajectory)
	}
	if runErr != nil {
		if stopsRun(ctx, runErr) {
			return result, runErr
		}
		result.Error = runErr.Error()
	}

	obs, err := r.deps.Verifier.Verify(ctx, sandbox.Request{
		Workdir:  ws.Path(),
		Timeout:  cfg.TestTimeout,
		MemoryMB: cfg.MemoryMB,
		CPUs:     cfg.CPUs,
	})
	switch {
	case err != nil && stopsRun(ctx, err):
		return result, err
	case err != nil:
		result.Error = err.Error()
	case obs.Passed:
		result.Status = TaskPass
	}

	if latest, err := ws.ReadSource(); err == nil {
		result.LatestCode = strings.TrimSpace(latest)
	}
	result.Duration = time.Since(start)
	span.SetAttributes(attribute.String("eval.status", string(result.Status)))
	return result, nil
}

func stopsRun(ctx context.Context, err error) bool {
	return errors.Is(err, sandbox.ErrSandboxUnavailable) || ctx.Err() != nil
}

func collect(results []*TaskResult) []TaskResult {
	out := make([]TaskResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}
