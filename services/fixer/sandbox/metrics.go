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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for sandbox operations.
var (
	tracer = otel.Tracer("aleutian.fixer.sandbox")
	meter  = otel.Meter("aleutian.fixer.sandbox")
)

// Metrics for sandbox operations.
var (
	verifyLatency metric.Float64Histogram
	verifyTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		verifyLatency, err = meter.Float64Histogram(
			"fixer_sandbox_verify_duration_seconds",
			metric.WithDescription("Duration of sandboxed test runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		verifyTotal, err = meter.Int64Counter(
			"fixer_sandbox_verify_total",
			metric.WithDescription("Total sandboxed test runs by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startVerifySpan creates a span for one verification run.
func startVerifySpan(ctx context.Context, backend string, req Request) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Verifier.Verify",
		trace.WithAttributes(
			attribute.String("sandbox.backend", backend),
			attribute.Float64("sandbox.timeout_s", req.Timeout.Seconds()),
			attribute.Int("sandbox.memory_mb", req.MemoryMB),
		),
	)
}

// setVerifySpanResult sets the result attributes on a verification span.
func setVerifySpanResult(span trace.Span, obs *Observation) {
	span.SetAttributes(
		attribute.Bool("sandbox.passed", obs.Passed),
		attribute.Int("sandbox.exit_code", obs.ExitCode),
		attribute.Bool("sandbox.timed_out", obs.TimedOut),
	)
}

// recordVerification records metrics for one verification run.
func recordVerification(ctx context.Context, backend string, obs *Observation) {
	if err := initMetrics(); err != nil {
		return
	}

	outcome := "fail"
	switch {
	case obs.Passed:
		outcome = "pass"
	case obs.TimedOut:
		outcome = "timeout"
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("outcome", outcome),
	)
	verifyLatency.Record(ctx, obs.Duration.Seconds(), attrs)
	verifyTotal.Add(ctx, 1, attrs)
}
