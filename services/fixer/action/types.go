// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package action

import (
	"encoding/json"
	"strings"
)

// =============================================================================
// ACTION KINDS
// =============================================================================

// Kind identifies the variant of an Action.
type Kind string

const (
	// KindThought is a one-line plan for the next edit.
	KindThought Kind = "thought"

	// KindPatch is a line-range edit instruction.
	KindPatch Kind = "patch"

	// KindFinish is the model's terminal success signal.
	KindFinish Kind = "finish"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// Action is one of Thought, Patch or Finish.
//
// The interface is sealed: only types in this package implement it, so a
// type switch over the three variants is exhaustive.
type Action interface {
	// Kind returns the variant tag.
	Kind() Kind

	isAction()
}

// =============================================================================
// VARIANTS
// =============================================================================

// Thought is a single-sentence plan. Text never contains a line break.
type Thought struct {
	Text string `json:"text"`
}

// Kind implements Action.
func (Thought) Kind() Kind { return KindThought }

func (Thought) isAction() {}

// Patch is an edit instruction over the current source.
//
// Start and End are 1-based and describe the half-open range [Start, End).
// IndentLevels is the number of 4-space indents prefixed to every line of
// Text and is never negative.
type Patch struct {
	Start        int    `json:"start"`
	End          int    `json:"end"`
	Text         string `json:"text"`
	IndentLevels int    `json:"nb_indents"`
}

// Kind implements Action.
func (Patch) Kind() Kind { return KindPatch }

func (Patch) isAction() {}

// Finish ends the repair loop successfully.
type Finish struct {
	Message string `json:"message"`
}

// Kind implements Action.
func (Finish) Kind() Kind { return KindFinish }

func (Finish) isAction() {}

// =============================================================================
// TRAJECTORY RENDERING
// =============================================================================

// Format renders an Action as a trajectory record.
//
// Description:
//
//	Thoughts render as "Thought: <text>". Patches and Finish render as
//	"Action: Patch[{...}]" and "Action: Finish[{...}]" with a canonical JSON
//	payload, so the record can be fed back to the model verbatim and parsed
//	again by this package.
//
// Inputs:
//
//	a - The action to render. A nil action renders as an empty string.
//
// Outputs:
//
//	string - The trajectory line, without a trailing newline.
func Format(a Action) string {
	switch v := a.(type) {
	case Thought:
		return "Thought: " + v.Text
	case Patch:
		return "Action: Patch[" + mustJSON(v) + "]"
	case Finish:
		return "Action: Finish[" + mustJSON(v) + "]"
	default:
		return ""
	}
}

// mustJSON encodes v without HTML escaping. The action structs only hold
// strings and ints, so encoding cannot fail.
func mustJSON(v any) string {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
	return strings.TrimRight(b.String(), "\n")
}
