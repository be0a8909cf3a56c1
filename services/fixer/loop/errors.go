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
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrNilContext indicates a nil context.Context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilWorkspace indicates Run was called without a workspace.
	ErrNilWorkspace = errors.New("workspace must not be nil")

	// ErrMissingDependency indicates a required collaborator is nil.
	ErrMissingDependency = errors.New("missing controller dependency")

	// ErrAlreadyRunning indicates Run was called on a busy Controller.
	ErrAlreadyRunning = errors.New("controller is already running a session")
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// StateTransitionError indicates the controller reached a state it has no
// handler for.
type StateTransitionError struct {
	From Status
	To   Status
}

// Error implements the error interface.
func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}
