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
	"unicode"
)

// IndentWidth is the number of spaces per indent level.
const IndentWidth = 4

// Normalize re-indents a replacement block.
//
// Description:
//
//	Measures the leading whitespace of the first line and strips that
//	prefix from every line that starts with it, leaving other lines alone.
//	Each resulting line is then prefixed with IndentWidth*indentLevels
//	spaces. Lines are joined with "\n" and exactly one trailing "\n" is
//	appended. Empty text yields a single prefix-only line.
//
// Inputs:
//
//	text - Replacement text as emitted by the model.
//	indentLevels - Target indent depth. Negative values are treated as 0.
//
// Outputs:
//
//	string - The normalized block, always ending in "\n".
//
// Example:
//
//	patch.Normalize("a\nb\n", 2) // "        a\n        b\n"
//	patch.Normalize("", 1)       // "    \n"
func Normalize(text string, indentLevels int) string {
	if indentLevels < 0 {
		indentLevels = 0
	}

	lines := splitPlain(text)
	first := lines[0]
	prefix := first[:len(first)-len(strings.TrimLeftFunc(first, unicode.IsSpace))]
	indent := strings.Repeat(" ", IndentWidth*indentLevels)

	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		if prefix != "" && strings.HasPrefix(line, prefix) {
			line = line[len(prefix):]
		}
		b.WriteString(indent)
		b.WriteString(line)
	}
	b.WriteByte('\n')
	return b.String()
}

// splitPlain splits text into lines without terminators. "\r\n" counts as
// one terminator and a trailing terminator adds no empty line. It always
// returns at least one element.
func splitPlain(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}
