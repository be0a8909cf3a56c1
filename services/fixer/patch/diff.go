// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// diffContext is the number of unchanged lines shown around a change.
const diffContext = 3

// Stats summarizes the lines a patch touches.
type Stats struct {
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
}

// RenderDiff renders the effect of applying p to source as a unified diff.
//
// Description:
//
//	A span patch always changes one contiguous block, so the diff is a
//	single hunk built directly from the clamped range, with up to three
//	lines of context on each side. The hunk is printed with go-diff so the
//	output is readable by standard patch tooling.
//
// Inputs:
//
//	path - File name used in the ---/+++ headers.
//	source - The buffer before the patch.
//	p - The span patch.
//
// Outputs:
//
//	string - The unified diff.
//	Stats - Added and removed line counts.
//	error - Non-nil if printing fails.
func RenderDiff(path, source string, p SpanPatch) (string, Stats, error) {
	lines := SplitLines(source)
	lo, hi := p.Offsets(len(lines))
	added := SplitLines(p.Text + "\n")

	ctxStart := max(lo-diffContext, 0)
	ctxEnd := min(hi+diffContext, len(lines))

	var body bytes.Buffer
	for _, l := range lines[ctxStart:lo] {
		writeHunkLine(&body, ' ', l)
	}
	for _, l := range lines[lo:hi] {
		writeHunkLine(&body, '-', l)
	}
	for _, l := range added {
		writeHunkLine(&body, '+', l)
	}
	for _, l := range lines[hi:ctxEnd] {
		writeHunkLine(&body, ' ', l)
	}

	origCount := ctxEnd - ctxStart
	newCount := (lo - ctxStart) + len(added) + (ctxEnd - hi)

	hunk := &diff.Hunk{
		OrigStartLine: hunkStart(ctxStart, origCount),
		OrigLines:     int32(origCount),
		NewStartLine:  hunkStart(ctxStart, newCount),
		NewLines:      int32(newCount),
		Body:          body.Bytes(),
	}
	fd := &diff.FileDiff{
		OrigName: "a/" + path,
		NewName:  "b/" + path,
		Hunks:    []*diff.Hunk{hunk},
	}

	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return "", Stats{}, fmt.Errorf("print diff: %w", err)
	}
	return string(out), Stats{LinesAdded: len(added), LinesRemoved: hi - lo}, nil
}

// hunkStart follows the unified diff convention that an empty side names
// the line before the hunk.
func hunkStart(ctxStart, count int) int32 {
	if count == 0 {
		return int32(ctxStart)
	}
	return int32(ctxStart + 1)
}

func writeHunkLine(b *bytes.Buffer, op byte, line string) {
	b.WriteByte(op)
	b.WriteString(strings.TrimSuffix(line, "\n"))
	b.WriteByte('\n')
}
