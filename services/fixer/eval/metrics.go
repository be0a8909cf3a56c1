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
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Prometheus Metrics for Evaluation Runs
// =============================================================================

// Sink receives per-task outcomes as a run progresses.
type Sink interface {
	// Observe records one finished task.
	Observe(r TaskResult)

	// SetScore records the running pass@1.
	SetScore(score float64)
}

// PrometheusSink exports run progress as Prometheus collectors.
//
// Thread Safety: Safe for concurrent use.
type PrometheusSink struct {
	passAt1    prometheus.Gauge
	tasks      *prometheus.CounterVec
	iterations prometheus.Histogram
	duration   prometheus.Histogram
}

// NewPrometheusSink registers the evaluation collectors with reg.
//
// Inputs:
//
//	reg - Registerer; nil uses prometheus.DefaultRegisterer.
//	runID - Constant label distinguishing concurrent runs.
//
// Outputs:
//
//	*PrometheusSink - The sink.
//	error - Non-nil if registration fails, e.g. a second sink with the
//	        same runID on the same registry.
func NewPrometheusSink(reg prometheus.Registerer, runID string) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"run_id": runID}

	s := &PrometheusSink{
		passAt1: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "fixer",
			Subsystem:   "eval",
			Name:        "pass_at_1",
			Help:        "Running pass@1 of the evaluation",
			ConstLabels: labels,
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "fixer",
			Subsystem:   "eval",
			Name:        "tasks_total",
			Help:        "Finished tasks by adjudicated status",
			ConstLabels: labels,
		}, []string{"status"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "fixer",
			Subsystem:   "eval",
			Name:        "task_iterations",
			Help:        "Patch attempts spent per task",
			ConstLabels: labels,
			Buckets:     []float64{0, 1, 2, 3, 4, 5, 6, 8, 10, 15, 20},
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "fixer",
			Subsystem:   "eval",
			Name:        "task_duration_seconds",
			Help:        "Wall time per task",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	for _, c := range []prometheus.Collector{s.passAt1, s.tasks, s.iterations, s.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register eval metrics: %w", err)
		}
	}
	return s, nil
}

// Observe implements Sink.
func (s *PrometheusSink) Observe(r TaskResult) {
	s.tasks.WithLabelValues(string(r.Status)).Inc()
	s.iterations.Observe(float64(r.Iterations))
	s.duration.Observe(r.Duration.Seconds())
}

// SetScore implements Sink.
func (s *PrometheusSink) SetScore(score float64) {
	s.passAt1.Set(score)
}

type nopSink struct{}

func (nopSink) Observe(TaskResult) {}
func (nopSink) SetScore(float64)   {}
