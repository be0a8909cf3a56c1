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

import "time"

// TaskStatus is the adjudicated outcome of a task.
type TaskStatus string

const (
	// TaskPass means the final source passed the tests.
	TaskPass TaskStatus = "pass"

	// TaskFail means it did not, or the task errored.
	TaskFail TaskStatus = "fail"
)

// TaskResult is one row of the report.
type TaskResult struct {
	TaskID        string        `json:"task_id"`
	Status        TaskStatus    `json:"status"`
	LoopStatus    string        `json:"loop_status,omitempty"`
	Iterations    int           `json:"iterations"`
	TrajectoryLen int           `json:"trajectory_len"`
	LatestCode    string        `json:"latest_code"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
}

// PassAt1 scores results.
//
// Outputs:
//
//	score - passed/total, 0 when results is empty.
//	passed - Number of TaskPass results.
//	total - len(results).
func PassAt1(results []TaskResult) (score float64, passed, total int) {
	total = len(results)
	for _, r := range results {
		if r.Status == TaskPass {
			passed++
		}
	}
	if total == 0 {
		return 0, 0, 0
	}
	return float64(passed) / float64(total), passed, total
}
