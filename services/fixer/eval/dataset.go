// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eval runs the repair loop over a benchmark dataset and scores it.
//
// Tasks come from a HumanEvalFix-style JSONL file. Each task gets its own
// workspace and controller; the final source is re-verified once more
// before it is scored, so a model that declares Finish early is judged by
// the tests and not by its own claim.
package eval

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/AleutianFix/services/fixer/workspace"
)

// maxLineBytes bounds a single JSONL row.
const maxLineBytes = 4 * 1024 * 1024

var (
	// ErrEmptyDataset indicates a dataset with no rows.
	ErrEmptyDataset = errors.New("dataset has no tasks")

	// ErrTaskNotFound indicates a task id absent from the dataset.
	ErrTaskNotFound = errors.New("task not found")
)

// row is one raw dataset line.
type row struct {
	TaskID        string `json:"task_id"`
	Declaration   string `json:"declaration"`
	Docstring     string `json:"docstring"`
	BuggySolution string `json:"buggy_solution"`
	Test          string `json:"test"`
	EntryPoint    string `json:"entry_point"`
	BugType       string `json:"bug_type"`
}

// Task is one normalized benchmark task.
type Task struct {
	// ID is the dataset task id with "/" replaced by "_".
	ID string `json:"task_id"`

	// EntireBuggyCode is declaration, docstring and buggy body joined.
	EntireBuggyCode string `json:"entire_buggy_code"`

	// Tests is the test code run against the source.
	Tests string `json:"test"`

	// EntryPoint is the function under test.
	EntryPoint string `json:"entry_point"`

	// BugType is the stratification class.
	BugType string `json:"bug_type"`
}

// WorkspaceTask converts t to a workspace input.
func (t Task) WorkspaceTask() workspace.Task {
	return workspace.Task{ID: t.ID, Source: t.EntireBuggyCode, Tests: t.Tests}
}

// LoadTasks reads and normalizes a JSONL dataset.
//
// Description:
//
//	Each non-blank line is one task. The docstring is re-wrapped in
//	triple quotes between the declaration and the buggy body, matching
//	how the benchmark presents the function to the model.
//
// Inputs:
//
//	path - Path to the JSONL file.
//
// Outputs:
//
//	[]Task - Tasks in file order.
//	error - Non-nil on I/O or decode failure, or ErrEmptyDataset.
func LoadTasks(path string) ([]Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	var tasks []Task
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r row
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("decode dataset line %d: %w", lineNo, err)
		}
		tasks = append(tasks, normalize(r))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	if len(tasks) == 0 {
		return nil, ErrEmptyDataset
	}
	return tasks, nil
}

// FindTask returns the task whose id matches id, accepting either the
// raw ("Python/0") or normalized ("Python_0") form.
func FindTask(tasks []Task, id string) (Task, error) {
	want := normalizeID(id)
	for _, t := range tasks {
		if t.ID == want {
			return t, nil
		}
	}
	return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

func normalize(r row) Task {
	return Task{
		ID:              normalizeID(r.TaskID),
		EntireBuggyCode: r.Declaration + "    '''\n" + r.Docstring + "\n    '''\n" + r.BuggySolution,
		Tests:           r.Test,
		EntryPoint:      r.EntryPoint,
		BugType:         r.BugType,
	}
}

func normalizeID(id string) string {
	return strings.ReplaceAll(id, "/", "_")
}
