// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loop drives the Thought → Patch → Verify repair cycle for one task.
//
// State machine:
//
//	INIT ──(initial run passes)──────────────────────────────► DONE
//	  │
//	  ▼
//	RUNNING ──(tests pass | Finish)──────────────────────────► DONE
//	  │
//	  └──(iteration >= MaxIters)─────────────────────────────► BUDGET_EXHAUSTED
//
// Each RUNNING iteration asks the thought completer for a one-line plan,
// asks the patch completer to turn it into a span patch, applies it to the
// workspace source and runs the tests in the sandbox. Every step appends a
// record to the trajectory; the trailing window of the trajectory is fed
// back into the next prompt.
//
// Malformed thoughts are retried without spending budget unless the retry
// policy says otherwise. Malformed patches and model request failures spend
// one iteration. Only an unavailable sandbox or caller cancellation stops
// the loop early.
//
// Thread Safety: A Controller runs one session at a time. Run separate
// Controllers to repair tasks in parallel.
package loop
