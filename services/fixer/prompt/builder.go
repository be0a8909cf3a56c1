// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompt renders the thought-stage and patch-stage prompts of the
// repair loop.
//
// Wording lives entirely behind the Builder interface. The loop only
// supplies the current source, the tests, the last verification summary and
// the trailing trajectory window.
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// =============================================================================
// Builder
// =============================================================================

// Input is the loop state a prompt is rendered from.
type Input struct {
	// Source is the current source under repair.
	Source string

	// Tests is the immutable test code.
	Tests string

	// LastResult summarizes the most recent verification, including the
	// (truncated) failure output.
	LastResult string

	// TrajectoryTail is the trailing window of trajectory records.
	TrajectoryTail []string
}

// Builder renders stage prompts.
type Builder interface {
	// ThoughtPrompt renders the prompt asking for a Thought or Finish.
	ThoughtPrompt(in Input) (string, error)

	// PatchPrompt renders the prompt asking for a Patch implementing
	// thought, which is passed verbatim (e.g. "Thought: replace line 3").
	PatchPrompt(in Input, thought string) (string, error)
}

// templateData is the value templates execute against.
type templateData struct {
	Input
	Thought string
}

// TemplateBuilder renders prompts from text/template sources.
//
// # Description
//
// Ships with default templates; either may be replaced at construction.
// Templates can use the "numbered" function to render source with 1-based
// line numbers and "join" for string slices.
//
// # Thread Safety
//
// TemplateBuilder is safe for concurrent use.
type TemplateBuilder struct {
	thought *template.Template
	patch   *template.Template
}

// Option configures a TemplateBuilder.
type Option func(*options)

type options struct {
	thought string
	patch   string
}

// WithThoughtTemplate replaces the thought-stage template source.
func WithThoughtTemplate(src string) Option {
	return func(o *options) {
		if src != "" {
			o.thought = src
		}
	}
}

// WithPatchTemplate replaces the patch-stage template source.
func WithPatchTemplate(src string) Option {
	return func(o *options) {
		if src != "" {
			o.patch = src
		}
	}
}

// NewTemplateBuilder parses the templates.
//
// # Outputs
//
//   - *TemplateBuilder: Ready builder.
//   - error: Non-nil if a template fails to parse.
func NewTemplateBuilder(opts ...Option) (*TemplateBuilder, error) {
	o := options{thought: DefaultThoughtTemplate, patch: DefaultPatchTemplate}
	for _, opt := range opts {
		opt(&o)
	}

	funcs := template.FuncMap{
		"numbered": NumberLines,
		"join":     strings.Join,
	}

	thought, err := template.New("thought").Funcs(funcs).Parse(o.thought)
	if err != nil {
		return nil, fmt.Errorf("parse thought template: %w", err)
	}
	patch, err := template.New("patch").Funcs(funcs).Parse(o.patch)
	if err != nil {
		return nil, fmt.Errorf("parse patch template: %w", err)
	}

	return &TemplateBuilder{thought: thought, patch: patch}, nil
}

// ThoughtPrompt implements Builder.
func (b *TemplateBuilder) ThoughtPrompt(in Input) (string, error) {
	return render(b.thought, templateData{Input: in})
}

// PatchPrompt implements Builder.
func (b *TemplateBuilder) PatchPrompt(in Input, thought string) (string, error) {
	return render(b.patch, templateData{Input: in, Thought: thought})
}

func render(t *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// NumberLines prefixes each line of src with its 1-based number, in the
// "N: code" form the patch grammar refers to.
func NumberLines(src string) string {
	lines := strings.Split(strings.TrimRight(src, "\n"), "\n")
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d: %s", i+1, line)
	}
	return b.String()
}
