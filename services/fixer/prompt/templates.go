// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompt

// sharedRules is prepended to both stage templates.
const sharedRules = `You are repairing a single Python file so that its tests pass.
Rules:
- Never change the tests. Only the source file may be edited.
- Line numbers are 1-based. A patch range [start, end) replaces lines start..end-1.
- start == end inserts before line start without deleting anything.
- Keep edits minimal and preserve surrounding indentation.
`

// historyBlock renders the trailing trajectory window.
const historyBlock = `{{if .TrajectoryTail}}Recent steps:
{{join .TrajectoryTail "\n"}}
{{else}}No previous steps.
{{end}}`

// contextBlock renders source, tests and the last verification summary.
const contextBlock = `
Source (numbered):
` + "```python" + `
{{numbered .Source}}
` + "```" + `

Tests (read-only):
` + "```python" + `
{{.Tests}}
` + "```" + `

Last test run:
{{if .LastResult}}{{.LastResult}}{{else}}(not run yet){{end}}
`

// DefaultThoughtTemplate asks for a one-line Thought or a Finish.
const DefaultThoughtTemplate = sharedRules + `
Stage: THINK. Describe the next single edit in one line, or finish.

Example reply:
Thought: line 2 compares with == 1 but even numbers are expected, use == 0

` + historyBlock + contextBlock + `
Reply with exactly one line, either
Thought: <what to change and where>
or
Action: Finish[{"message": "<why no further edit is needed>"}]
`

// DefaultPatchTemplate asks for a Patch implementing the given thought.
const DefaultPatchTemplate = sharedRules + `
Stage: PATCH. Turn the thought below into one patch.

Thought to implement (verbatim):
{{.Thought}}

Example reply:
Action: Patch[{"start": 2, "end": 3, "nb_indents": 1, "text": "return n % 2 == 0"}]

` + historyBlock + contextBlock + `
Reply with exactly one patch:
Action: Patch[{"start": <int>, "end": <int>, "nb_indents": <int>, "text": "<replacement lines>"}]
"nb_indents" is the indent level of the first replacement line, in units of four spaces.
`
