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
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrNoAction indicates none of the grammar patterns matched.
	ErrNoAction = errors.New("no action found")

	// ErrEmptyThought indicates a Thought matched but its body was blank.
	ErrEmptyThought = errors.New("empty thought content")

	// ErrMultilineThought indicates a Thought body spanned several lines.
	ErrMultilineThought = errors.New("thought must be a single line")

	// ErrInvalidJSON indicates the patch payload is not a JSON object.
	ErrInvalidJSON = errors.New("patch payload is not a JSON object")

	// ErrMissingField indicates a required patch key is absent.
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidField indicates a patch key has the wrong type or range.
	ErrInvalidField = errors.New("invalid field")
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ParseError reports that the text did not match the action grammar.
type ParseError struct {
	// Stage is the action the caller expected ("thought" or "patch").
	Stage Kind

	// Input is the raw model output, kept for logging.
	Input string

	// Cause is one of the sentinel errors above.
	Cause error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Stage, e.Cause)
}

// Unwrap returns the underlying sentinel.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// ValidationError reports that a patch matched the grammar but its payload
// failed the schema.
type ValidationError struct {
	// Field is the offending JSON key, empty for whole-payload failures.
	Field string

	// Reason is a short human-readable explanation.
	Reason string

	// Cause is one of the sentinel errors above.
	Cause error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validate patch: " + e.Reason
	}
	return "validate patch: " + e.Field + ": " + e.Reason
}

// Unwrap returns the underlying sentinel.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// IsRecoverable reports whether err is a grammar or schema failure that the
// repair loop handles by re-prompting.
func IsRecoverable(err error) bool {
	var pe *ParseError
	var ve *ValidationError
	return errors.As(err, &pe) || errors.As(err, &ve)
}
