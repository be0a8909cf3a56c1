// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loop

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// maxSyntaxDepth bounds the recursive search on malformed trees.
const maxSyntaxDepth = 1000

// SyntaxIssue is the first parse problem found in a Python source.
type SyntaxIssue struct {
	// Line is 1-based.
	Line int

	// Column is 0-based.
	Column int

	// Message describes the problem.
	Message string
}

// String renders the issue for an observation.
func (s *SyntaxIssue) String() string {
	return fmt.Sprintf("line %d, column %d: %s", s.Line, s.Column, s.Message)
}

// CheckPythonSyntax parses src with tree-sitter and returns the first
// ERROR or MISSING node, or nil when the source parses cleanly.
//
// Inputs:
//
//	ctx - Context for cancellation
//	src - Python source
//
// Outputs:
//
//	*SyntaxIssue - First problem, nil if none
//	error - Non-nil if the parser itself failed
func CheckPythonSyntax(ctx context.Context, src string) (*SyntaxIssue, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	content := []byte(src)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse python: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil, nil
	}
	return firstSyntaxIssue(root, content, 0), nil
}

func firstSyntaxIssue(node *sitter.Node, content []byte, depth int) *SyntaxIssue {
	if node == nil || depth > maxSyntaxDepth {
		return nil
	}

	if node.IsError() || node.IsMissing() {
		pt := node.StartPoint()
		issue := &SyntaxIssue{Line: int(pt.Row) + 1, Column: int(pt.Column)}
		if node.IsMissing() {
			issue.Message = fmt.Sprintf("missing %q", node.Type())
		} else {
			issue.Message = "unexpected " + snippet(node, content)
		}
		return issue
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		if issue := firstSyntaxIssue(node.Child(i), content, depth+1); issue != nil {
			return issue
		}
	}
	return nil
}

// snippet quotes the first characters of a node's text.
func snippet(node *sitter.Node, content []byte) string {
	start, end := node.StartByte(), node.EndByte()
	if end > uint32(len(content)) {
		end = uint32(len(content))
	}
	if start >= end {
		return "token"
	}
	text := string(content[start:end])
	if len(text) > 40 {
		text = text[:40] + "..."
	}
	return fmt.Sprintf("%q", text)
}
