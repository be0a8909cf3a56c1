// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the fixer application configuration.
//
// Precedence, lowest first: built-in defaults, the YAML file, environment
// variables, command-line flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFix/services/fixer/llm"
	"github.com/AleutianAI/AleutianFix/services/fixer/loop"
	"github.com/AleutianAI/AleutianFix/services/fixer/sandbox"
	"github.com/AleutianAI/AleutianFix/services/fixer/server"
	"github.com/AleutianAI/AleutianFix/services/fixer/telemetry"
)

// DefaultPath is read when no --config is given and it exists.
const DefaultPath = "fixer.yaml"

// Sandbox backends.
const (
	BackendDocker = "docker"
	BackendLocal  = "local"
)

// Environment variables consulted after the file.
const (
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvOpenAIModel  = "OPENAI_MODEL"
	EnvSandboxImage = "AF_SANDBOX_IMAGE"
	EnvOllamaURL    = "OLLAMA_URL"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// RuntimeConfig holds the per-task repair budget.
type RuntimeConfig struct {
	// MaxIters is the patch attempt budget per task.
	MaxIters int `yaml:"max_iters" json:"max_iters" validate:"min=1,max=100"`

	// TestTimeoutS is the pytest timeout per run.
	TestTimeoutS int `yaml:"test_timeout_s" json:"test_timeout_s" validate:"min=1"`

	// MemLimitMB caps sandbox memory.
	MemLimitMB int `yaml:"mem_limit_mb" json:"mem_limit_mb" validate:"min=64"`

	// CPUs is the sandbox CPU quota.
	CPUs float64 `yaml:"cpus" json:"cpus" validate:"gt=0"`

	// CPUTimeS caps CPU seconds per sandbox process.
	CPUTimeS int `yaml:"cpu_time_s" json:"cpu_time_s" validate:"gte=0"`

	// WallTimeS bounds a whole sandbox invocation; the slack over
	// TestTimeoutS covers container start and teardown.
	WallTimeS int `yaml:"wall_time_s" json:"wall_time_s" validate:"gtefield=TestTimeoutS"`

	// Seed seeds stratified sampling; 0 uses the default seed.
	Seed uint64 `yaml:"seed" json:"seed"`
}

// SandboxConfig selects and tunes the verifier.
type SandboxConfig struct {
	// Backend is "docker" or "local".
	Backend string `yaml:"backend" json:"backend" validate:"oneof=docker local"`

	sandbox.Config `yaml:",inline"`
}

// EvalConfig holds benchmark defaults.
type EvalConfig struct {
	Dataset        string `yaml:"dataset" json:"dataset"`
	Subset         string `yaml:"subset" json:"subset"`
	Report         string `yaml:"report" json:"report"`
	Benchmark      string `yaml:"benchmark" json:"benchmark"`
	Concurrency    int    `yaml:"concurrency" json:"concurrency" validate:"min=1,max=64"`
	WorkspaceRoot  string `yaml:"workspace_root" json:"workspace_root"`
	KeepWorkspaces bool   `yaml:"keep_workspaces" json:"keep_workspaces"`
	StorePath      string `yaml:"store_path" json:"store_path"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error"`
	LogDir string `yaml:"log_dir" json:"log_dir"`
	JSON   bool   `yaml:"json" json:"json"`
}

// Config is the whole application configuration.
type Config struct {
	Runtime   RuntimeConfig    `yaml:"runtime" json:"runtime"`
	Loop      LoopConfig       `yaml:"loop" json:"loop"`
	LLM       llm.Config       `yaml:"llm" json:"llm"`
	Sandbox   SandboxConfig    `yaml:"sandbox" json:"sandbox"`
	Eval      EvalConfig       `yaml:"eval" json:"eval"`
	Server    server.Config    `yaml:"server" json:"server"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging" json:"logging"`
}

// LoopConfig holds loop settings not covered by RuntimeConfig.
type LoopConfig struct {
	TrajectoryWindow    int              `yaml:"trajectory_window" json:"trajectory_window" validate:"gte=0"`
	MaxObservationChars int              `yaml:"max_observation_chars" json:"max_observation_chars" validate:"gte=0"`
	ThoughtRetryPolicy  loop.RetryPolicy `yaml:"thought_retry_policy" json:"thought_retry_policy" validate:"omitempty,oneof=budget_free consumes_budget"`
	MaxFormatRetries    int              `yaml:"max_format_retries" json:"max_format_retries" validate:"gte=0"`
	AllowFinish         bool             `yaml:"allow_finish" json:"allow_finish"`
	SyntaxHint          bool             `yaml:"syntax_hint" json:"syntax_hint"`
	TotalTimeout        time.Duration    `yaml:"total_timeout" json:"total_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	lc := loop.DefaultConfig()
	return &Config{
		Runtime: RuntimeConfig{
			MaxIters:     10,
			TestTimeoutS: 10,
			MemLimitMB:   2048,
			CPUs:         1,
			CPUTimeS:     10,
			WallTimeS:    20,
		},
		Loop: LoopConfig{
			TrajectoryWindow:    lc.TrajectoryWindow,
			MaxObservationChars: lc.MaxObservationChars,
			ThoughtRetryPolicy:  lc.ThoughtRetryPolicy,
			MaxFormatRetries:    lc.MaxFormatRetries,
			AllowFinish:         lc.AllowFinish,
			SyntaxHint:          lc.SyntaxHint,
		},
		LLM:     llm.DefaultConfig(),
		Sandbox: SandboxConfig{Backend: BackendDocker, Config: *sandbox.DefaultConfig()},
		Eval: EvalConfig{
			Dataset:     "data/humanevalfix.jsonl",
			Subset:      "all",
			Report:      "report.json",
			Benchmark:   "benchmark/benchmark_results.json",
			Concurrency: 1,
		},
		Server:    server.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, path and the environment.
//
// Inputs:
//
//	path - YAML file. "" reads DefaultPath when it exists and skips the
//	       file otherwise; an explicit path must exist.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Read, parse or validation failure.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the supported environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvOpenAIKey); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv(EnvOpenAIModel); v != "" && c.LLM.Provider != llm.ProviderOllama {
		c.LLM.Model = v
	}
	if v := os.Getenv(EnvSandboxImage); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv(EnvOllamaURL); v != "" && c.LLM.Provider == llm.ProviderOllama {
		c.LLM.BaseURL = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// BuildLoopConfig returns the loop configuration for one task.
func (c *Config) BuildLoopConfig() *loop.Config {
	return loop.NewConfig(
		loop.WithMaxIters(c.Runtime.MaxIters),
		loop.WithTestTimeout(time.Duration(c.Runtime.TestTimeoutS)*time.Second),
		loop.WithGracePeriod(time.Duration(c.Runtime.WallTimeS-c.Runtime.TestTimeoutS)*time.Second),
		loop.WithResources(c.Runtime.MemLimitMB, c.Runtime.CPUs),
		loop.WithTrajectoryWindow(c.Loop.TrajectoryWindow),
		loop.WithMaxObservationChars(c.Loop.MaxObservationChars),
		loop.WithThoughtRetryPolicy(c.Loop.ThoughtRetryPolicy, c.Loop.MaxFormatRetries),
		loop.WithAllowFinish(c.Loop.AllowFinish),
		loop.WithSyntaxHint(c.Loop.SyntaxHint),
		loop.WithTotalTimeout(c.Loop.TotalTimeout),
	)
}

// BuildSandboxConfig returns the verifier configuration with the runtime
// wall and CPU limits applied.
func (c *Config) BuildSandboxConfig() *sandbox.Config {
	sc := c.Sandbox.Config
	sc.ExtraPytestArgs = append([]string(nil), sc.ExtraPytestArgs...)
	sc.CPUTimeSeconds = c.Runtime.CPUTimeS
	if slack := c.Runtime.WallTimeS - c.Runtime.TestTimeoutS; slack > 0 {
		sc.GracePeriod = time.Duration(slack) * time.Second
	}
	_ = sc.Validate()
	return &sc
}
