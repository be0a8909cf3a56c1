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
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFix/cmd/fixer/config"
	"github.com/AleutianAI/AleutianFix/pkg/logging"
	"github.com/AleutianAI/AleutianFix/pkg/ux"
	"github.com/AleutianAI/AleutianFix/services/fixer/llm"
	"github.com/AleutianAI/AleutianFix/services/fixer/loop"
	"github.com/AleutianAI/AleutianFix/services/fixer/sandbox"
	"github.com/AleutianAI/AleutianFix/services/fixer/telemetry"
)

// Build metadata, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	provider   string
}

// app is the state built once per invocation in PersistentPreRunE.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	printer  *ux.Printer
	closeLog func() error
	shutdown func(context.Context) error
}

// newVerifier builds the sandbox backend. Tests replace it.
var newVerifier = func(cfg *config.Config, logger *slog.Logger) sandbox.Verifier {
	sc := cfg.BuildSandboxConfig()
	if cfg.Sandbox.Backend == config.BackendLocal {
		return sandbox.NewLocalVerifier(sc, logger)
	}
	return sandbox.NewDockerVerifier(sc, logger)
}

// newCompleter builds the LLM client. Tests replace it.
var newCompleter = func(cfg *config.Config, logger *slog.Logger) (llm.Completer, error) {
	return llm.New(cfg.LLM, logger)
}

func newRootCmd() (*cobra.Command, *app) {
	var (
		flags globalFlags
		a     = &app{}
	)

	root := &cobra.Command{
		Use:           "fixer",
		Short:         "Repair buggy Python functions with an LLM repair loop",
		Long:          "fixer runs a Thought → Patch → Verify loop against sandboxed pytest runs and scores it on HumanEvalFix.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.init(cmd, flags)
		},
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default: ./"+config.DefaultPath+" when present)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&flags.provider, "provider", "", "LLM provider: openai, ollama, mock")

	root.AddCommand(
		newRunOneCmd(a),
		newRunAllCmd(a),
		newServeCmd(a),
		newVersionCmd(),
	)

	return root, a
}

// execute runs the CLI with args and releases telemetry and the log file
// whether or not the command succeeded.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root, a := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err != nil {
		ux.NewPrinter(stderr).Error(err.Error())
	}
	return errors.Join(err, a.close(ctx))
}

// init loads configuration and builds the logger and telemetry.
func (a *app) init(cmd *cobra.Command, flags globalFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.provider != "" {
		cfg.LLM.Provider = flags.provider
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	lg, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.LogDir,
		Service: "fixer",
		JSON:    cfg.Logging.JSON,
		Stderr:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	slog.SetDefault(lg.Slog())

	cfg.Telemetry.ServiceVersion = version
	shutdown, err := telemetry.Init(cmd.Context(), cfg.Telemetry)
	if err != nil {
		_ = lg.Close()
		return err
	}

	a.cfg = cfg
	a.logger = lg.Slog()
	a.closeLog = lg.Close
	a.shutdown = shutdown
	a.printer = ux.NewPrinter(cmd.OutOrStdout())
	return nil
}

// close flushes telemetry and the log file. Safe to call more than once.
func (a *app) close(ctx context.Context) error {
	defer func() { a.shutdown, a.closeLog = nil, nil }()
	var errs []error
	if a.shutdown != nil {
		if err := a.shutdown(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	if a.closeLog != nil {
		errs = append(errs, a.closeLog())
	}
	return errors.Join(errs...)
}

// dependencies builds the completer and verifier.
func (a *app) dependencies() (loop.Dependencies, error) {
	c, err := newCompleter(a.cfg, a.logger)
	if err != nil {
		return loop.Dependencies{}, err
	}
	return loop.Dependencies{
		Thinker:  c,
		Verifier: newVerifier(a.cfg, a.logger),
	}, nil
}

// modelName reports the model a completer talks to.
func modelName(c llm.Completer, fallback string) string {
	if m, ok := c.(interface{ Model() string }); ok && m.Model() != "" {
		return m.Model()
	}
	return fallback
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fixer %s (%s)\n", version, commit)
		},
	}
}
