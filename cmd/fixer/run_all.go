// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFix/pkg/ux"
	"github.com/AleutianAI/AleutianFix/services/fixer/eval"
	"github.com/AleutianAI/AleutianFix/services/fixer/store"
)

type runAllFlags struct {
	subset      string
	maxIters    int
	timeoutSecs int
	report      string
	benchmark   string
	concurrency int
	resume      bool
	runKey      string
	storePath   string
	metricsAddr string
	dataset     string
}

func newRunAllCmd(a *app) *cobra.Command {
	var f runAllFlags

	cmd := &cobra.Command{
		Use:   "run-all",
		Short: "Evaluate the repair loop on a dataset subset and record pass@1",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			applyRunAllFlags(cmd, a, f)
			return runAll(cmd.Context(), a, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.subset, "subset", "", `"all", "stratified" or "stratified_<fraction>"`)
	fl.IntVar(&f.maxIters, "max-iters", 0, "patch attempts per task")
	fl.IntVar(&f.timeoutSecs, "timeout-secs", 0, "pytest timeout per run in seconds")
	fl.StringVar(&f.report, "report", "", "report JSON path")
	fl.StringVar(&f.benchmark, "benchmark", "", "benchmark history JSON path")
	fl.IntVar(&f.concurrency, "concurrency", 0, "tasks in flight")
	fl.BoolVar(&f.resume, "resume", false, "skip tasks already finished under --run-key")
	fl.StringVar(&f.runKey, "run-key", "", "key grouping stored results (default: derived from the subset)")
	fl.StringVar(&f.storePath, "store", "", "badger directory for resumable results")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	fl.StringVar(&f.dataset, "dataset", "", "HumanEvalFix JSONL file")
	return cmd
}

// applyRunAllFlags overlays explicitly set flags onto the configuration.
func applyRunAllFlags(cmd *cobra.Command, a *app, f runAllFlags) {
	changed := cmd.Flags().Changed
	if changed("subset") {
		a.cfg.Eval.Subset = f.subset
	}
	if changed("max-iters") {
		a.cfg.Runtime.MaxIters = f.maxIters
	}
	if changed("timeout-secs") {
		a.cfg.Runtime.TestTimeoutS = f.timeoutSecs
		a.cfg.Runtime.WallTimeS = max(a.cfg.Runtime.WallTimeS, f.timeoutSecs)
	}
	if changed("report") {
		a.cfg.Eval.Report = f.report
	}
	if changed("benchmark") {
		a.cfg.Eval.Benchmark = f.benchmark
	}
	if changed("concurrency") {
		a.cfg.Eval.Concurrency = f.concurrency
	}
	if changed("store") {
		a.cfg.Eval.StorePath = f.storePath
	}
	if changed("dataset") {
		a.cfg.Eval.Dataset = f.dataset
	}
}

func runAll(ctx context.Context, a *app, f runAllFlags) error {
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}

	subset, err := eval.ParseSubset(cfg.Eval.Subset)
	if err != nil {
		return err
	}
	if cfg.Runtime.Seed != 0 {
		subset.Seed = cfg.Runtime.Seed
	}
	all, err := eval.LoadTasks(cfg.Eval.Dataset)
	if err != nil {
		return err
	}
	tasks := subset.Select(all)

	deps, err := a.dependencies()
	if err != nil {
		return err
	}

	runKey := f.runKey
	if runKey == "" {
		runKey = fmt.Sprintf("%s_%s_i%d", cfg.LLM.Provider, subset.Name, cfg.Runtime.MaxIters)
	}

	opts := []eval.RunnerOption{eval.WithLogger(a.logger)}

	if cfg.Eval.StorePath != "" {
		st, err := store.Open(store.Config{
			Path:           cfg.Eval.StorePath,
			SyncWrites:     true,
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
		})
		if err != nil {
			return err
		}
		defer st.Close()
		opts = append(opts, eval.WithStore(st))
	}

	reg := prometheus.NewRegistry()
	promSink, err := eval.NewPrometheusSink(reg, runKey)
	if err != nil {
		return err
	}
	opts = append(opts, eval.WithSink(multiSink{promSink, printerSink{a.printer}}))
	if f.metricsAddr != "" {
		stop := serveMetrics(f.metricsAddr, reg, a.logger)
		defer stop()
	}

	runner, err := eval.NewRunner(eval.RunnerConfig{
		Concurrency:    cfg.Eval.Concurrency,
		WorkspaceRoot:  cfg.Eval.WorkspaceRoot,
		KeepWorkspaces: cfg.Eval.KeepWorkspaces,
		ReportPath:     cfg.Eval.Report,
		RunKey:         runKey,
		Resume:         f.resume,
	}, cfg.BuildLoopConfig(), deps, opts...)
	if err != nil {
		return err
	}

	a.printer.Title(fmt.Sprintf("run-all: %d/%d tasks (%s), run key %s", len(tasks), len(all), subset.Name, runKey))
	a.logger.Info("Evaluation started",
		slog.String("run_key", runKey),
		slog.String("subset", subset.Name),
		slog.Int("tasks", len(tasks)),
		slog.Int("concurrency", cfg.Eval.Concurrency),
	)

	results, runErr := runner.Run(ctx, tasks)
	score, passed, total := eval.PassAt1(results)
	a.printer.Summary(score, passed, total)
	if runErr != nil {
		return runErr
	}

	if cfg.Eval.Benchmark != "" {
		entry := eval.NewBenchmarkEntry(time.Now(), eval.BenchmarkConfig{
			RunType:     cfg.LLM.Provider,
			Subset:      subset.Name,
			MaxIters:    cfg.Runtime.MaxIters,
			TimeoutSecs: cfg.Runtime.TestTimeoutS,
			ModelName:   modelName(deps.Thinker, cfg.LLM.Model),
			Report:      cfg.Eval.Report,
		}, results)
		if err := eval.AppendBenchmark(cfg.Eval.Benchmark, entry); err != nil {
			return err
		}
	}
	return nil
}

// serveMetrics exposes reg on addr until the returned stop is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.Gatherers{reg, prometheus.DefaultGatherer}, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// printerSink prints one line per finished task.
type printerSink struct {
	p *ux.Printer
}

func (s printerSink) Observe(r eval.TaskResult) {
	s.p.TaskLine(r.TaskID, r.Status == eval.TaskPass, r.Iterations, r.Duration)
}

func (s printerSink) SetScore(float64) {}

// multiSink fans out to several sinks.
type multiSink []eval.Sink

func (m multiSink) Observe(r eval.TaskResult) {
	for _, s := range m {
		s.Observe(r)
	}
}

func (m multiSink) SetScore(score float64) {
	for _, s := range m {
		s.SetScore(score)
	}
}
