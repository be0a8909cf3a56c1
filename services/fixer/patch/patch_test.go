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
	"strings"
	"testing"

	"github.com/sourcegraph/go-diff/diff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFix/services/fixer/action"
)

// =============================================================================
// APPLY TESTS
// =============================================================================

func TestApply(t *testing.T) {
	src := "line1\nline2\nline3\n"

	tests := []struct {
		name  string
		patch SpanPatch
		want  string
	}{
		{
			name:  "replace middle line",
			patch: SpanPatch{Start: 2, End: 3, Text: "LINE2"},
			want:  "line1\nLINE2\nline3\n",
		},
		{
			name:  "insert before first line",
			patch: SpanPatch{Start: 1, End: 1, Text: "header"},
			want:  "header\nline1\nline2\nline3\n",
		},
		{
			name:  "append after last line",
			patch: SpanPatch{Start: 4, End: 4, Text: "footer"},
			want:  "line1\nline2\nline3\nfooter\n",
		},
		{
			name:  "replace all lines",
			patch: SpanPatch{Start: 1, End: 4, Text: "only"},
			want:  "only\n",
		},
		{
			name:  "text ending in newline leaves blank line",
			patch: SpanPatch{Start: 2, End: 3, Text: "LINE2\n"},
			want:  "line1\nLINE2\n\nline3\n",
		},
		{
			name:  "start below range clamps to zero",
			patch: SpanPatch{Start: -5, End: 2, Text: "X"},
			want:  "X\nline2\nline3\n",
		},
		{
			name:  "end past range clamps to line count",
			patch: SpanPatch{Start: 3, End: 99, Text: "X"},
			want:  "line1\nline2\nX\n",
		},
		{
			name:  "start past range appends",
			patch: SpanPatch{Start: 50, End: 60, Text: "X"},
			want:  "line1\nline2\nline3\nX\n",
		},
		{
			name:  "end before start clamps to start",
			patch: SpanPatch{Start: 3, End: 1, Text: "X"},
			want:  "line1\nline2\nX\nline3\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Apply(src, tt.patch))
		})
	}
}

func TestApply_EmptySource(t *testing.T) {
	assert.Equal(t, "x\n", Apply("", SpanPatch{Start: 1, End: 2, Text: "x"}))
}

func TestApply_PreservesUntouchedLinesExactly(t *testing.T) {
	// Mixed terminators and a final line without one.
	src := "a\r\nb\n\tc\n\nd"
	lines := SplitLines(src)
	n := len(lines)
	require.Equal(t, 5, n)

	for s := 1; s <= n+1; s++ {
		for e := s; e <= n+1; e++ {
			got := Apply(src, SpanPatch{Start: s, End: e, Text: "NEW"})
			want := strings.Join(lines[:s-1], "") + "NEW\n" + strings.Join(lines[e-1:], "")
			assert.Equal(t, want, got, "start=%d end=%d", s, e)
		}
	}
}

func TestApply_NotIdempotent(t *testing.T) {
	src := "a\nb\nc\n"
	p := SpanPatch{Start: 2, End: 2, Text: "inserted"}

	once := Apply(src, p)
	twice := Apply(once, p)

	assert.Equal(t, "a\ninserted\nb\nc\n", once)
	assert.Equal(t, "a\ninserted\ninserted\nb\nc\n", twice)
	assert.NotEqual(t, once, twice)

	// Even a whole-line replacement shifts content once the text carries
	// its own newline.
	r := SpanPatch{Start: 1, End: 2, Text: "A\n"}
	assert.NotEqual(t, Apply(src, r), Apply(Apply(src, r), r))
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	src := "a\nb\n"
	_ = Apply(src, SpanPatch{Start: 1, End: 2, Text: "z"})
	assert.Equal(t, "a\nb\n", src)
}

func TestOffsets(t *testing.T) {
	tests := []struct {
		name           string
		patch          SpanPatch
		lines          int
		wantLo, wantHi int
	}{
		{name: "in range", patch: SpanPatch{Start: 2, End: 4}, lines: 5, wantLo: 1, wantHi: 3},
		{name: "insert", patch: SpanPatch{Start: 3, End: 3}, lines: 5, wantLo: 2, wantHi: 2},
		{name: "zero start", patch: SpanPatch{Start: 0, End: 1}, lines: 5, wantLo: 0, wantHi: 0},
		{name: "overflow", patch: SpanPatch{Start: 9, End: 12}, lines: 5, wantLo: 5, wantHi: 5},
		{name: "empty buffer", patch: SpanPatch{Start: 1, End: 3}, lines: 0, wantLo: 0, wantHi: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := tt.patch.Offsets(tt.lines)
			assert.Equal(t, tt.wantLo, lo)
			assert.Equal(t, tt.wantHi, hi)
			assert.True(t, 0 <= lo && lo <= hi && hi <= tt.lines)
		})
	}
}

func TestSplitLines(t *testing.T) {
	assert.Nil(t, SplitLines(""))
	assert.Equal(t, []string{"a\n", "b\n"}, SplitLines("a\nb\n"))
	assert.Equal(t, []string{"a\n", "b"}, SplitLines("a\nb"))
	assert.Equal(t, []string{"\n", "\n"}, SplitLines("\n\n"))
}

// =============================================================================
// NORMALIZE TESTS
// =============================================================================

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		levels int
		want   string
	}{
		{name: "empty text", text: "", levels: 1, want: "    \n"},
		{name: "two lines two levels", text: "a\nb\n", levels: 2, want: "        a\n        b\n"},
		{name: "zero levels", text: "x = 1", levels: 0, want: "x = 1\n"},
		{name: "strips first line indent", text: "    return 0", levels: 1, want: "    return 0\n"},
		{
			name:   "keeps relative nesting",
			text:   "  if x:\n      y()\n  z()",
			levels: 1,
			want:   "    if x:\n        y()\n    z()\n",
		},
		{
			name:   "shallower line left alone",
			text:   "    a\n  b",
			levels: 0,
			want:   "a\n  b\n",
		},
		{name: "crlf input", text: "a\r\nb", levels: 1, want: "    a\n    b\n"},
		{name: "negative levels", text: "a", levels: -2, want: "a\n"},
		{name: "blank inner line", text: "a\n\nb", levels: 1, want: "    a\n    \n    b\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.text, tt.levels))
		})
	}
}

func TestFromAction(t *testing.T) {
	sp := FromAction(action.Patch{Start: 2, End: 3, Text: "return n % 2 == 0", IndentLevels: 1})

	assert.Equal(t, SpanPatch{Start: 2, End: 3, Text: "    return n % 2 == 0\n"}, sp)
	assert.Equal(t,
		"def f(n):\n    return n % 2 == 0\n\n",
		Apply("def f(n):\n    return n % 2 == 1\n", sp),
	)
}

// =============================================================================
// DIFF TESTS
// =============================================================================

func TestRenderDiff(t *testing.T) {
	src := "def f(n):\n    return n % 2 == 1\n"
	sp := SpanPatch{Start: 2, End: 3, Text: "    return n % 2 == 0"}

	out, stats, err := RenderDiff("task.py", src, sp)
	require.NoError(t, err)

	assert.Contains(t, out, "--- a/task.py")
	assert.Contains(t, out, "+++ b/task.py")
	assert.Contains(t, out, "-    return n % 2 == 1\n")
	assert.Contains(t, out, "+    return n % 2 == 0\n")
	assert.Equal(t, Stats{LinesAdded: 1, LinesRemoved: 1}, stats)

	fd, err := diff.ParseFileDiff([]byte(out))
	require.NoError(t, err)
	require.Len(t, fd.Hunks, 1)
	assert.Equal(t, int32(1), fd.Hunks[0].OrigStartLine)
	assert.Equal(t, int32(2), fd.Hunks[0].OrigLines)
	assert.Equal(t, int32(2), fd.Hunks[0].NewLines)
}

func TestRenderDiff_Insertion(t *testing.T) {
	src := strings.Repeat("x\n", 10)

	_, stats, err := RenderDiff("task.py", src, SpanPatch{Start: 6, End: 6, Text: "y"})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.LinesRemoved)
	assert.Equal(t, 1, stats.LinesAdded)
}
