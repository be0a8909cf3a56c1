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

import "time"

// =============================================================================
// RETRY POLICY
// =============================================================================

// RetryPolicy decides whether an unparseable thought spends budget.
type RetryPolicy string

const (
	// RetryBudgetFree re-asks for a thought without advancing the
	// iteration counter.
	RetryBudgetFree RetryPolicy = "budget_free"

	// RetryConsumesBudget counts every unparseable thought as an iteration.
	RetryConsumesBudget RetryPolicy = "consumes_budget"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds the settings of one repair session.
type Config struct {
	// MaxIters is the number of patch attempts allowed.
	// Default: 10
	MaxIters int `yaml:"max_iters" json:"max_iters" validate:"gte=1,lte=100"`

	// TestTimeout is the per-run pytest timeout passed to the sandbox.
	// Default: 10s
	TestTimeout time.Duration `yaml:"test_timeout" json:"test_timeout"`

	// GracePeriod is added to TestTimeout to bound each verification call.
	// A call still running after that becomes a timed-out observation.
	// Default: 2s
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period"`

	// MemoryMB caps sandbox memory.
	// Default: 2048
	MemoryMB int `yaml:"mem_limit_mb" json:"mem_limit_mb" validate:"gte=0"`

	// CPUs is the sandbox CPU quota.
	// Default: 1
	CPUs float64 `yaml:"cpus" json:"cpus" validate:"gte=0"`

	// TrajectoryWindow is how many trailing trajectory records go into
	// each prompt.
	// Default: 6
	TrajectoryWindow int `yaml:"trajectory_window" json:"trajectory_window" validate:"gte=0"`

	// MaxObservationChars caps the test output kept in one observation.
	// Default: 4000
	MaxObservationChars int `yaml:"max_observation_chars" json:"max_observation_chars" validate:"gte=0"`

	// ThoughtRetryPolicy decides whether unparseable thoughts spend budget.
	// Default: RetryBudgetFree
	ThoughtRetryPolicy RetryPolicy `yaml:"thought_retry_policy" json:"thought_retry_policy" validate:"omitempty,oneof=budget_free consumes_budget"`

	// MaxFormatRetries caps consecutive budget-free thought retries. Once
	// exceeded, the next unparseable thought spends one iteration.
	// Zero means unbounded.
	// Default: 0
	MaxFormatRetries int `yaml:"max_format_retries" json:"max_format_retries" validate:"gte=0"`

	// AllowFinish lets the model end the session with Finish[...].
	// Default: true
	AllowFinish bool `yaml:"allow_finish" json:"allow_finish"`

	// SyntaxHint appends a tree-sitter parse check of the patched source
	// to failing observations.
	// Default: true
	SyntaxHint bool `yaml:"syntax_hint" json:"syntax_hint"`

	// TotalTimeout bounds the whole session. Zero means no bound.
	// Default: 0
	TotalTimeout time.Duration `yaml:"total_timeout" json:"total_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
//
// Outputs:
//
//	*Config - Configuration with default values
func DefaultConfig() *Config {
	return &Config{
		MaxIters:            10,
		TestTimeout:         10 * time.Second,
		GracePeriod:         2 * time.Second,
		MemoryMB:            2048,
		CPUs:                1,
		TrajectoryWindow:    6,
		MaxObservationChars: 4000,
		ThoughtRetryPolicy:  RetryBudgetFree,
		AllowFinish:         true,
		SyntaxHint:          true,
	}
}

// Validate clamps the configuration to usable values.
//
// Outputs:
//
//	error - Always nil; kept for symmetry with other config types
func (c *Config) Validate() error {
	if c.MaxIters < 1 {
		c.MaxIters = 1
	}
	if c.TestTimeout < time.Second {
		c.TestTimeout = time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * time.Second
	}
	if c.MemoryMB < 64 {
		c.MemoryMB = 64
	}
	if c.CPUs <= 0 {
		c.CPUs = 1
	}
	if c.TrajectoryWindow < 0 {
		c.TrajectoryWindow = 0
	}
	if c.MaxObservationChars < 256 {
		c.MaxObservationChars = 256
	}
	switch c.ThoughtRetryPolicy {
	case RetryBudgetFree, RetryConsumesBudget:
	default:
		c.ThoughtRetryPolicy = RetryBudgetFree
	}
	if c.MaxFormatRetries < 0 {
		c.MaxFormatRetries = 0
	}
	if c.TotalTimeout < 0 {
		c.TotalTimeout = 0
	}
	return nil
}

// =============================================================================
// CONFIGURATION OPTIONS
// =============================================================================

// Option is a function that modifies Config.
type Option func(*Config)

// WithMaxIters sets the patch attempt budget.
func WithMaxIters(n int) Option {
	return func(c *Config) {
		c.MaxIters = n
	}
}

// WithTestTimeout sets the per-run test timeout.
func WithTestTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.TestTimeout = d
	}
}

// WithGracePeriod sets the slack allowed past TestTimeout.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Config) {
		c.GracePeriod = d
	}
}

// WithResources sets the sandbox memory and CPU limits.
func WithResources(memoryMB int, cpus float64) Option {
	return func(c *Config) {
		c.MemoryMB = memoryMB
		c.CPUs = cpus
	}
}

// WithTrajectoryWindow sets how many trailing records prompts include.
func WithTrajectoryWindow(n int) Option {
	return func(c *Config) {
		c.TrajectoryWindow = n
	}
}

// WithMaxObservationChars sets the observation output cap.
func WithMaxObservationChars(n int) Option {
	return func(c *Config) {
		c.MaxObservationChars = n
	}
}

// WithThoughtRetryPolicy sets the retry policy and the budget-free cap.
func WithThoughtRetryPolicy(p RetryPolicy, maxFormatRetries int) Option {
	return func(c *Config) {
		c.ThoughtRetryPolicy = p
		c.MaxFormatRetries = maxFormatRetries
	}
}

// WithAllowFinish enables or disables Finish actions.
func WithAllowFinish(enabled bool) Option {
	return func(c *Config) {
		c.AllowFinish = enabled
	}
}

// WithSyntaxHint enables or disables the syntax check on failures.
func WithSyntaxHint(enabled bool) Option {
	return func(c *Config) {
		c.SyntaxHint = enabled
	}
}

// WithTotalTimeout bounds the whole session.
func WithTotalTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.TotalTimeout = d
	}
}

// NewConfig creates a Config with the given options applied.
func NewConfig(opts ...Option) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	_ = cfg.Validate()
	return cfg
}
