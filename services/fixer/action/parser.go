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
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// =============================================================================
// GRAMMAR
// =============================================================================

// Patterns are listed in priority order. (?s) lets bracket bodies span lines
// so that multi-line thoughts are caught and rejected instead of silently
// truncated; (?m) anchors the colon forms at end of line.
var (
	thoughtPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?sm)Thought\[(?P<body>.+?)\]`),
		regexp.MustCompile(`(?sm)Thought:\s*(?P<body>.+?)$`),
		regexp.MustCompile(`(?sm)Thought\s+(?P<body>\{.*?\}|\[.*?\]|".*?"|'.*?'|.+?)$`),
	}

	finishPattern = regexp.MustCompile(`(?s)Finish\[(?P<body>\{.*?\}|.*?)\]`)

	// Patch patterns only locate the opening brace. The object itself is
	// decoded with a JSON decoder so braces inside strings stay balanced.
	patchPatterns = []patchForm{
		{re: regexp.MustCompile(`Patch\[\s*\{`), bracketed: true},
		{re: regexp.MustCompile(`Patch:\s*\{`)},
		{re: regexp.MustCompile(`Patch\s*\{`)},
	}
)

// patchForm is one accepted spelling of a patch directive.
type patchForm struct {
	re        *regexp.Regexp
	bracketed bool
}

// patchCandidate is a located patch directive. brace indexes its '{'.
type patchCandidate struct {
	start     int
	brace     int
	bracketed bool
}

// patchCandidates returns every located directive, latest first. At equal
// positions the higher-priority form comes first.
func patchCandidates(text string) []patchCandidate {
	var out []patchCandidate
	seen := make(map[int]bool)
	for _, form := range patchPatterns {
		for _, loc := range form.re.FindAllStringIndex(text, -1) {
			if seen[loc[0]] {
				continue
			}
			seen[loc[0]] = true
			out = append(out, patchCandidate{start: loc[0], brace: loc[1] - 1, bracketed: form.bracketed})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].start > out[j].start })
	return out
}

// match is the winning candidate of a last-match scan.
type match struct {
	start   int
	pattern *regexp.Regexp
	body    string
}

// lastMatch returns the match that starts latest in text across all
// patterns. Patterns are scanned in order and a later pattern only replaces
// the current best when it starts strictly later, so ties go to the earlier
// (higher-priority) pattern.
func lastMatch(text string, patterns ...*regexp.Regexp) (match, bool) {
	var best match
	found := false
	for _, re := range patterns {
		idx := re.SubexpIndex("body")
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			if found && loc[0] <= best.start {
				continue
			}
			best = match{
				start:   loc[0],
				pattern: re,
				body:    text[loc[2*idx]:loc[2*idx+1]],
			}
			found = true
		}
	}
	return best, found
}

// stripQuotes trims whitespace and one pair of matching surrounding quotes.
func stripQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// =============================================================================
// THOUGHT / FINISH
// =============================================================================

// ParseThoughtOrFinish extracts the final Thought or Finish directive.
//
// Description:
//
//	Scans text for every Thought form (bracket, colon, bare) and the Finish
//	form, and returns the one that starts last. Thought bodies are trimmed
//	and stripped of one pair of surrounding quotes.
//
// Inputs:
//
//	text - Raw model output.
//
// Outputs:
//
//	Action - Either Thought or Finish.
//	error - *ParseError wrapping ErrNoAction, ErrEmptyThought or
//	        ErrMultilineThought.
//
// Example:
//
//	a, err := action.ParseThoughtOrFinish("Thought: x\nThought[fix line 2]")
//	// a == action.Thought{Text: "fix line 2"}
func ParseThoughtOrFinish(text string) (Action, error) {
	patterns := make([]*regexp.Regexp, 0, len(thoughtPatterns)+1)
	patterns = append(patterns, thoughtPatterns...)
	patterns = append(patterns, finishPattern)
	return parseThought(text, patterns)
}

// ParseThought is ParseThoughtOrFinish with the Finish form disabled.
func ParseThought(text string) (Action, error) {
	return parseThought(text, thoughtPatterns)
}

func parseThought(text string, patterns []*regexp.Regexp) (Action, error) {
	m, ok := lastMatch(text, patterns...)
	if !ok {
		return nil, &ParseError{Stage: KindThought, Input: text, Cause: ErrNoAction}
	}

	if m.pattern == finishPattern {
		return parseFinishBody(m.body), nil
	}

	body := stripQuotes(m.body)
	if strings.TrimSpace(body) == "" {
		return nil, &ParseError{Stage: KindThought, Input: text, Cause: ErrEmptyThought}
	}
	if strings.ContainsAny(body, "\r\n") {
		return nil, &ParseError{Stage: KindThought, Input: text, Cause: ErrMultilineThought}
	}
	return Thought{Text: body}, nil
}

// parseFinishBody accepts {"message": "..."} and falls back to the raw body.
func parseFinishBody(body string) Finish {
	body = strings.TrimSpace(body)
	var payload struct {
		Message *string `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil && payload.Message != nil {
		return Finish{Message: *payload.Message}
	}
	return Finish{Message: stripQuotes(body)}
}

// =============================================================================
// PATCH
// =============================================================================

// ParsePatch extracts and validates the final Patch directive.
//
// Description:
//
//	Scans text for Patch[{...}], Patch: {...} and Patch {...} and decodes
//	the JSON object of the match that starts last. Required keys are start,
//	end and text. The indent count is read from nb_indents, or from
//	indent_levels when nb_indents is absent, and defaults to 0. Numeric
//	fields accept JSON integers or digit-only strings.
//
// Inputs:
//
//	text - Raw model output.
//
// Outputs:
//
//	Patch - The validated edit instruction.
//	error - *ParseError when no form matched, *ValidationError when the
//	        payload fails the schema.
//
// Example:
//
//	p, _ := action.ParsePatch(`Patch[{"start":"1","end":"3","text":"x"}]`)
//	// p.Start == 1, p.End == 3
func ParsePatch(text string) (Patch, error) {
	var payload map[string]any
	found := false
	for _, c := range patchCandidates(text) {
		obj, n, err := decodeObject(text[c.brace:])
		if err != nil {
			return Patch{}, err
		}
		if c.bracketed && !strings.HasPrefix(strings.TrimLeft(text[c.brace+n:], " \t\r\n"), "]") {
			continue
		}
		payload, found = obj, true
		break
	}
	if !found {
		return Patch{}, &ParseError{Stage: KindPatch, Input: text, Cause: ErrNoAction}
	}

	for _, key := range []string{"start", "end", "text"} {
		if _, ok := payload[key]; !ok {
			return Patch{}, &ValidationError{
				Field:  key,
				Reason: "patch must include 'start', 'end', and 'text'",
				Cause:  ErrMissingField,
			}
		}
	}

	start, err := coerceInt("start", payload["start"])
	if err != nil {
		return Patch{}, err
	}
	end, err := coerceInt("end", payload["end"])
	if err != nil {
		return Patch{}, err
	}

	body, ok := payload["text"].(string)
	if !ok {
		return Patch{}, &ValidationError{Field: "text", Reason: "must be a string", Cause: ErrInvalidField}
	}

	indents := 0
	for _, key := range []string{"nb_indents", "indent_levels"} {
		raw, present := payload[key]
		if !present {
			continue
		}
		indents, err = coerceInt(key, raw)
		if err != nil {
			return Patch{}, err
		}
		if indents < 0 {
			return Patch{}, &ValidationError{Field: key, Reason: "must not be negative", Cause: ErrInvalidField}
		}
		break
	}

	return Patch{Start: start, End: end, Text: body, IndentLevels: indents}, nil
}

// decodeObject decodes the JSON object at the start of s and reports how
// many bytes it consumed. Numbers stay json.Number so integers and floats
// can be told apart.
func decodeObject(s string) (map[string]any, int, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, 0, &ValidationError{Reason: "patch JSON is invalid: " + err.Error(), Cause: ErrInvalidJSON}
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, 0, &ValidationError{Reason: "patch payload must be a JSON object", Cause: ErrInvalidJSON}
	}
	return obj, int(dec.InputOffset()), nil
}

// coerceInt accepts a JSON integer or a string of ASCII digits.
func coerceInt(field string, v any) (int, error) {
	invalid := &ValidationError{Field: field, Reason: "must be an integer", Cause: ErrInvalidField}

	switch n := v.(type) {
	case json.Number:
		i, err := strconv.Atoi(n.String())
		if err != nil {
			return 0, invalid
		}
		return i, nil
	case string:
		if !isDigits(n) {
			return 0, invalid
		}
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, invalid
		}
		return i, nil
	default:
		return 0, invalid
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
