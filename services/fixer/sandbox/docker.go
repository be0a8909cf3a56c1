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
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// dockerRunFailed is the exit status docker uses when the daemon could not
// create or start the container.
const dockerRunFailed = 125

// DockerVerifier runs pytest inside a locked-down container.
//
// The container has no network, a read-only root filesystem, a small
// writable /tmp, no capabilities, bounded pids/files/memory/CPU, and runs
// as the host user. Only the task workdir is mounted, at /workspace.
//
// Thread Safety: Safe for concurrent use.
type DockerVerifier struct {
	config *Config
	runner *executor
	logger *slog.Logger

	mu    sync.Mutex
	ready bool
}

// NewDockerVerifier creates a DockerVerifier.
//
// Inputs:
//
//	cfg - Sandbox configuration. Nil uses DefaultConfig().
//	logger - Logger for structured logging. Nil uses slog.Default().
//
// Outputs:
//
//	*DockerVerifier - Configured verifier
func NewDockerVerifier(cfg *Config, logger *slog.Logger) *DockerVerifier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerVerifier{
		config: cfg,
		runner: &executor{backend: "docker", maxOutput: cfg.MaxOutputBytes, logger: logger},
		logger: logger,
	}
}

// Preflight checks that the docker CLI is on PATH and the image exists.
//
// Description:
//
//	The first successful check is cached; failures are not, so a caller
//	may build the image and retry.
//
// Outputs:
//
//	error - *UnavailableError wrapping ErrSandboxUnavailable on failure
func (v *DockerVerifier) Preflight(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ready {
		return nil
	}

	if _, err := exec.LookPath(v.config.Binary); err != nil {
		return &UnavailableError{
			Backend: "docker",
			Reason:  v.config.Binary + " not found on PATH; install Docker Desktop/Engine",
			Cause:   err,
		}
	}

	inspectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := exec.CommandContext(inspectCtx, v.config.Binary, "image", "inspect", v.config.Image).Run(); err != nil {
		return &UnavailableError{
			Backend: "docker",
			Reason: fmt.Sprintf("image %q not found; build it with: %s build -t %s -f docker/sandbox.Dockerfile .",
				v.config.Image, v.config.Binary, v.config.Image),
			Cause: err,
		}
	}

	v.ready = true
	v.logger.Info("Docker sandbox ready", slog.String("image", v.config.Image))
	return nil
}

// Verify runs pytest for req.Workdir in a fresh container.
//
// Description:
//
//	Runs the preflight check, then `docker run` with the hardened flag set
//	from Args. The invocation is bounded by req.Timeout + GracePeriod. On
//	expiry the container is force-removed and a failing observation with
//	exit code 124 is returned. A docker exit status of 125 means the daemon
//	could not start the container and is reported as unavailable.
//
// Inputs:
//
//	ctx - Context for cancellation
//	req - Workdir and resource limits
//
// Outputs:
//
//	*Observation - Outcome of the run
//	error - Non-nil only when the sandbox itself failed or ctx was cancelled
//
// Thread Safety: Safe for concurrent use with distinct workdirs.
func (v *DockerVerifier) Verify(ctx context.Context, req Request) (*Observation, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if req.Workdir == "" {
		return nil, ErrEmptyWorkdir
	}
	if err := v.Preflight(ctx); err != nil {
		return nil, err
	}

	ctx, span := startVerifySpan(ctx, "docker", req)
	defer span.End()

	name := "fixer-" + uuid.New().String()[:8]
	args, err := v.Args(req, name)
	if err != nil {
		return nil, err
	}

	obs, err := v.runner.execute(ctx, "", v.config.Binary, args, req.Timeout+v.config.GracePeriod)
	if err != nil {
		if ctx.Err() != nil {
			// Killing the client does not stop the container.
			v.removeContainer(name)
		}
		return nil, err
	}

	if obs.TimedOut {
		v.removeContainer(name)
	}
	if obs.ExitCode == dockerRunFailed {
		return nil, &UnavailableError{
			Backend: "docker",
			Reason:  "docker run failed: " + firstLine(obs.RawOutput),
		}
	}

	setVerifySpanResult(span, obs)
	recordVerification(ctx, "docker", obs)

	v.logger.Info("Sandbox run complete",
		slog.String("container", name),
		slog.Bool("passed", obs.Passed),
		slog.Int("exit_code", obs.ExitCode),
		slog.Bool("timed_out", obs.TimedOut),
		slog.Duration("duration", obs.Duration),
		slog.Int("output_bytes", len(obs.RawOutput)),
	)
	return obs, nil
}

// Args returns the docker argv (without the binary) for req.
//
// Outputs:
//
//	[]string - Arguments for `docker`
//	error - Non-nil if the workdir cannot be made absolute
func (v *DockerVerifier) Args(req Request, containerName string) ([]string, error) {
	workdir, err := filepath.Abs(req.Workdir)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}

	cpus := req.CPUs
	if cpus < 0.1 {
		cpus = 0.1
	}
	mem := strconv.Itoa(req.MemoryMB) + "m"
	pids := strconv.Itoa(v.config.PidsLimit)

	args := []string{
		"run", "--rm",
		"--name", containerName,
		// Resources
		"--cpus", strconv.FormatFloat(cpus, 'f', -1, 64),
		"--memory", mem, "--memory-swap", mem,
		"--pids-limit", pids,
		// Isolation
		"--network", "none",
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--ulimit", "nofile=1024:1024",
		"--ulimit", "nproc=" + pids + ":" + pids,
		"--tmpfs", "/tmp:size=" + v.config.TmpfsSize + ",mode=1777",
	}
	if v.config.CPUTimeSeconds > 0 {
		cpu := strconv.Itoa(v.config.CPUTimeSeconds)
		args = append(args, "--ulimit", "cpu="+cpu+":"+cpu)
	}
	args = append(args,
		// Workspace
		"-v", workdir+":/workspace:rw",
		"-u", strconv.Itoa(v.config.UID)+":"+strconv.Itoa(v.config.GID),
		"-e", "PYTHONHASHSEED=0",
		"-w", "/workspace",
		v.config.Image,
	)
	args = append(args, pytestArgs(req, v.config.ExtraPytestArgs)...)
	return args, nil
}

// removeContainer force-removes a container left behind by a killed or
// cancelled client. Best effort.
func (v *DockerVerifier) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, v.config.Binary, "rm", "-f", name).Run(); err != nil {
		v.logger.Warn("Failed to remove container",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
	}
}

// pytestArgs is the interpreter command shared by both backends.
func pytestArgs(req Request, extra []string) []string {
	args := []string{
		"python", "-m", "pytest", "-q", "--disable-warnings",
		"--maxfail=1",
		"--timeout", strconv.Itoa(timeoutSeconds(req.Timeout)),
	}
	return append(args, extra...)
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
