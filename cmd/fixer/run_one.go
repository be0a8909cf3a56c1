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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFix/services/fixer/eval"
	"github.com/AleutianAI/AleutianFix/services/fixer/loop"
	"github.com/AleutianAI/AleutianFix/services/fixer/workspace"
)

func newRunOneCmd(a *app) *cobra.Command {
	var (
		taskID  string
		dataset string
		keep    bool
	)

	cmd := &cobra.Command{
		Use:   "run-one",
		Short: "Repair a single dataset task and print the trajectory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if dataset == "" {
				dataset = a.cfg.Eval.Dataset
			}
			tasks, err := eval.LoadTasks(dataset)
			if err != nil {
				return err
			}
			task, err := eval.FindTask(tasks, taskID)
			if err != nil {
				return err
			}

			deps, err := a.dependencies()
			if err != nil {
				return err
			}

			logger := a.logger.With(slog.String("task_id", task.ID))
			ws, err := workspace.New(a.cfg.Eval.WorkspaceRoot, task.WorkspaceTask(),
				workspace.WithKeep(keep || a.cfg.Eval.KeepWorkspaces),
				workspace.WithLogger(logger),
			)
			if err != nil {
				return err
			}
			defer func() { _ = ws.Cleanup() }()

			ctrl, err := loop.NewController(a.cfg.BuildLoopConfig(), deps, logger)
			if err != nil {
				return err
			}
			res, err := ctrl.Run(ctx, ws)
			if err != nil {
				return fmt.Errorf("repair %s: %w", task.ID, err)
			}

			a.printer.Title(task.ID)
			a.printer.Repair(string(res.Status), res.Passed, res.Iterations, res.Trajectory, res.FinalSource)
			if keep {
				a.printer.Info("workspace kept at " + ws.Path())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "task id, e.g. Python/0")
	cmd.Flags().StringVar(&dataset, "dataset", "", "HumanEvalFix JSONL file (default from config)")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the task workspace on disk")
	_ = cmd.MarkFlagRequired("task-id")
	return cmd
}
