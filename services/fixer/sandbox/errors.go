// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import "errors"

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrSandboxUnavailable indicates the execution backend cannot run at
	// all (runtime missing, image missing, daemon down). It is fatal for a
	// repair task and never retried.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")

	// ErrNilContext indicates a nil context.Context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrEmptyWorkdir indicates a verification request without a workdir.
	ErrEmptyWorkdir = errors.New("workdir must not be empty")
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UnavailableError describes why the backend is unusable.
type UnavailableError struct {
	// Backend names the runtime, e.g. "docker".
	Backend string

	// Reason is a short explanation, including remediation when known.
	Reason string

	// Cause is the underlying error if any.
	Cause error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	msg := e.Backend + " sandbox unavailable: " + e.Reason
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns both the sentinel and the cause so errors.Is matches
// either.
func (e *UnavailableError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrSandboxUnavailable}
	}
	return []error{ErrSandboxUnavailable, e.Cause}
}
