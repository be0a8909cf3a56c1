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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for repair sessions.
var (
	tracer = otel.Tracer("aleutian.fixer.loop")
	meter  = otel.Meter("aleutian.fixer.loop")
)

// Metrics for repair sessions.
var (
	sessionLatency   metric.Float64Histogram
	sessionTotal     metric.Int64Counter
	sessionIters     metric.Int64Histogram
	stateTransitions metric.Int64Counter
	formatRetries    metric.Int64Counter
	llmCalls         metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		sessionLatency, err = meter.Float64Histogram(
			"fixer_loop_session_duration_seconds",
			metric.WithDescription("Duration of repair sessions"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		sessionTotal, err = meter.Int64Counter(
			"fixer_loop_session_total",
			metric.WithDescription("Total repair sessions by final status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		sessionIters, err = meter.Int64Histogram(
			"fixer_loop_session_iterations",
			metric.WithDescription("Patch attempts spent per session"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stateTransitions, err = meter.Int64Counter(
			"fixer_loop_state_transitions_total",
			metric.WithDescription("Total repair loop state transitions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		formatRetries, err = meter.Int64Counter(
			"fixer_loop_format_retries_total",
			metric.WithDescription("Total unparseable model replies by stage"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		llmCalls, err = meter.Int64Counter(
			"fixer_loop_llm_calls_total",
			metric.WithDescription("Total completer calls by stage and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startSessionSpan creates a span for a repair session.
func startSessionSpan(ctx context.Context, sessionID string, maxIters int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Controller.Run",
		trace.WithAttributes(
			attribute.String("fixer.session_id", sessionID),
			attribute.Int("fixer.max_iters", maxIters),
		),
	)
}

// setSessionSpanResult sets the result attributes on a session span.
func setSessionSpanResult(span trace.Span, status Status, iterations int, passed bool) {
	span.SetAttributes(
		attribute.String("fixer.final_status", string(status)),
		attribute.Int("fixer.iterations", iterations),
		attribute.Bool("fixer.passed", passed),
	)
}

// addTransitionEvent adds a state transition event to the span.
func addTransitionEvent(span trace.Span, from, to Status, iteration int) {
	span.AddEvent("state_transition", trace.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		attribute.Int("iteration", iteration),
	))
}

// recordSessionMetrics records metrics for a finished session.
func recordSessionMetrics(ctx context.Context, status Status, duration time.Duration, iterations int) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	sessionLatency.Record(ctx, duration.Seconds(), attrs)
	sessionTotal.Add(ctx, 1, attrs)
	sessionIters.Record(ctx, int64(iterations), attrs)
}

// recordStateTransition records a state transition event.
func recordStateTransition(ctx context.Context, from, to Status) {
	if err := initMetrics(); err != nil {
		return
	}
	stateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// recordFormatRetry records an unparseable model reply.
func recordFormatRetry(ctx context.Context, stage string) {
	if err := initMetrics(); err != nil {
		return
	}
	formatRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// recordLLMCall records one completer call.
func recordLLMCall(ctx context.Context, stage, provider string, err error) {
	if err := initMetrics(); err != nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	llmCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}
