// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package action extracts structured repair actions from raw model output.
//
// Models answer in a small fixed grammar:
//
//	Thought[Replace line 3 with 'return n % 2 == 0']
//	Thought: Replace line 3 ...
//	Patch[{"start":3,"end":4,"nb_indents":1,"text":"return 0"}]
//	Patch: {"start":3,"end":4,"text":"return 0"}
//	Finish[{"message":"all tests pass"}]
//
// Output is noisy. A model may restate the few-shot examples, hedge, or emit
// several candidate directives before its real one. Every parser therefore
// scans all patterns and keeps the match that starts LAST in the text. When
// two patterns match at the same offset the higher-priority pattern wins.
//
// # Line Addressing
//
// Patch line numbers are 1-based and half-open: replacing line x is
// {"start": x, "end": x+1}, inserting before line x is {"start": x, "end": x}.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use. Compiled patterns are
// package-level and read-only.
package action
