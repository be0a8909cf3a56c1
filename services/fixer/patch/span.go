// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patch applies line-range replacements to source buffers.
//
// A SpanPatch addresses lines 1-based and half-open, [Start, End). Bounds
// outside the buffer never fail: they clamp to the nearest valid line
// boundary. Every application appends exactly one newline after the
// replacement text, so text that already ends in "\n" leaves a blank line.
// Apply is therefore not idempotent.
package patch

import (
	"strings"

	"github.com/AleutianAI/AleutianFix/services/fixer/action"
)

// SpanPatch replaces the lines [Start, End) of a buffer with Text.
//
// Start and End are 1-based. Start == End inserts before line Start.
// Text is expected to be indentation-normalized already.
type SpanPatch struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// FromAction converts a parsed Patch action into a SpanPatch, normalizing
// the replacement text to the requested indent level.
func FromAction(p action.Patch) SpanPatch {
	return SpanPatch{
		Start: p.Start,
		End:   p.End,
		Text:  Normalize(p.Text, p.IndentLevels),
	}
}

// Offsets returns the clamped 0-based half-open line range [lo, hi) the
// patch covers in a buffer of lineCount lines. 0 <= lo <= hi <= lineCount.
func (p SpanPatch) Offsets(lineCount int) (lo, hi int) {
	lo = clamp(p.Start-1, 0, lineCount)
	hi = clamp(p.End-1, lo, lineCount)
	return lo, hi
}

// SplitLines splits s after every "\n", keeping terminators. A trailing
// newline does not produce an empty final element and "" yields no lines.
func SplitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Apply returns source with the patch applied.
//
// Description:
//
//	Splits source into lines, clamps the patch range, and joins
//	lines[:lo] + p.Text + "\n" + lines[hi:]. Lines outside the range keep
//	their bytes and terminators. The input is never modified.
//
// Inputs:
//
//	source - The current buffer.
//	p - The span patch. Out-of-range bounds are clamped.
//
// Outputs:
//
//	string - The new buffer.
//
// Example:
//
//	out := patch.Apply("a\nb\nc\n", patch.SpanPatch{Start: 2, End: 3, Text: "B"})
//	// out == "a\nB\nc\n"
//
// Thread Safety: Pure function, safe for concurrent use.
func Apply(source string, p SpanPatch) string {
	lines := SplitLines(source)
	lo, hi := p.Offsets(len(lines))

	var b strings.Builder
	b.Grow(len(source) + len(p.Text) + 1)
	for _, l := range lines[:lo] {
		b.WriteString(l)
	}
	b.WriteString(p.Text)
	b.WriteByte('\n')
	for _, l := range lines[hi:] {
		b.WriteString(l)
	}
	return b.String()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
