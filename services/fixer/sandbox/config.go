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
	"os"
	"time"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds configuration for sandboxed test execution.
//
// A Config is built once per process and passed to every verifier; nothing
// in this package reads the environment on its own.
type Config struct {
	// Image is the container image with python and pytest installed.
	// Default: "agentic-fixer-sandbox"
	Image string `yaml:"image" json:"image"`

	// Binary is the container runtime CLI.
	// Default: "docker"
	Binary string `yaml:"binary" json:"binary"`

	// PythonBinary is the interpreter used by LocalVerifier.
	// Default: "python3"
	PythonBinary string `yaml:"python_binary" json:"python_binary"`

	// GracePeriod is added to the pytest timeout to bound the whole
	// container invocation, covering container start and teardown.
	// Default: 2s
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period"`

	// PidsLimit caps the number of processes inside the container.
	// Default: 256
	PidsLimit int `yaml:"pids_limit" json:"pids_limit"`

	// TmpfsSize is the size of the writable /tmp mount.
	// Default: "64m"
	TmpfsSize string `yaml:"tmpfs_size" json:"tmpfs_size"`

	// MaxOutputBytes is the maximum combined output captured per run.
	// Default: 65536 (64KB)
	MaxOutputBytes int `yaml:"max_output_bytes" json:"max_output_bytes"`

	// CPUTimeSeconds caps CPU seconds per container process via ulimit.
	// 0 leaves it unlimited.
	CPUTimeSeconds int `yaml:"cpu_time_seconds" json:"cpu_time_seconds"`

	// ExtraPytestArgs are appended to the pytest command line.
	ExtraPytestArgs []string `yaml:"extra_pytest_args" json:"extra_pytest_args"`

	// UID and GID run the container as the host user so files written to
	// the bind mount stay owned by the caller. Default: current user, or
	// 1000 where the platform has no numeric ids.
	UID int `yaml:"uid" json:"uid"`
	GID int `yaml:"gid" json:"gid"`
}

// DefaultImage is the sandbox image used when none is configured.
const DefaultImage = "agentic-fixer-sandbox"

// DefaultConfig returns a Config with sensible defaults.
//
// Outputs:
//
//	*Config - Configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Image:          DefaultImage,
		Binary:         "docker",
		PythonBinary:   "python3",
		GracePeriod:    2 * time.Second,
		PidsLimit:      256,
		TmpfsSize:      "64m",
		MaxOutputBytes: 64 * 1024,
		UID:            hostID(os.Getuid()),
		GID:            hostID(os.Getgid()),
	}
}

// Validate clamps fields to usable values.
//
// Outputs:
//
//	error - Always nil; kept for symmetry with other configs
func (c *Config) Validate() error {
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.Binary == "" {
		c.Binary = "docker"
	}
	if c.PythonBinary == "" {
		c.PythonBinary = "python3"
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.PidsLimit < 16 {
		c.PidsLimit = 16
	}
	if c.TmpfsSize == "" {
		c.TmpfsSize = "64m"
	}
	if c.MaxOutputBytes < 1024 {
		c.MaxOutputBytes = 1024
	}
	if c.CPUTimeSeconds < 0 {
		c.CPUTimeSeconds = 0
	}
	c.UID = hostID(c.UID)
	c.GID = hostID(c.GID)
	return nil
}

func hostID(id int) int {
	if id < 0 {
		return 1000
	}
	return id
}

// =============================================================================
// CONFIGURATION OPTIONS
// =============================================================================

// Option is a function that modifies Config.
type Option func(*Config)

// WithImage sets the sandbox image.
func WithImage(image string) Option {
	return func(c *Config) {
		c.Image = image
	}
}

// WithBinary sets the container runtime CLI.
func WithBinary(bin string) Option {
	return func(c *Config) {
		c.Binary = bin
	}
}

// WithPythonBinary sets the interpreter for local runs.
func WithPythonBinary(bin string) Option {
	return func(c *Config) {
		c.PythonBinary = bin
	}
}

// WithGracePeriod sets the slack added to the pytest timeout.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Config) {
		c.GracePeriod = d
	}
}

// WithMaxOutputBytes sets the output capture limit.
func WithMaxOutputBytes(n int) Option {
	return func(c *Config) {
		c.MaxOutputBytes = n
	}
}

// WithExtraPytestArgs appends arguments to the pytest command.
func WithExtraPytestArgs(args ...string) Option {
	return func(c *Config) {
		c.ExtraPytestArgs = append(c.ExtraPytestArgs, args...)
	}
}

// WithCPUTime sets the per-process CPU time ulimit in seconds.
func WithCPUTime(seconds int) Option {
	return func(c *Config) {
		c.CPUTimeSeconds = seconds
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
