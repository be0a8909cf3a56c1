// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace manages the on-disk files of one repair task.
//
// A workspace is a private temporary directory holding exactly three files:
//
//	task.py           the mutable source under repair
//	raw_test_task.py  the immutable test code
//	test_task.py      source + "\n\n\n" + tests, regenerated on every write
//
// The combined file is what the sandbox executes. It is derived state and
// is never read back.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// File names inside a workspace.
const (
	SourceFile   = "task.py"
	RawTestFile  = "raw_test_task.py"
	CombinedFile = "test_task.py"

	// CombinedSeparator joins source and tests in CombinedFile.
	CombinedSeparator = "\n\n\n"
)

var (
	// ErrEmptyTaskID indicates a task without an identifier.
	ErrEmptyTaskID = errors.New("task id must not be empty")

	// ErrWriteFailed indicates a workspace file could not be written.
	ErrWriteFailed = errors.New("failed to write workspace file")

	// ErrClosed indicates the workspace was already cleaned up.
	ErrClosed = errors.New("workspace already cleaned up")
)

// Task is the input of a workspace.
type Task struct {
	// ID names the task; "/" is replaced so it is usable in a path.
	ID string

	// Source is the initial (buggy) source.
	Source string

	// Tests is the test code appended to the source.
	Tests string
}

// Workspace owns one task directory.
//
// Thread Safety: Safe for concurrent use, though a repair loop only ever
// has one writer.
type Workspace struct {
	dir    string
	keep   bool
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithKeep leaves the directory on disk after Cleanup, for debugging.
func WithKeep(keep bool) Option {
	return func(w *Workspace) {
		w.keep = keep
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workspace) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a workspace for task under root.
//
// Description:
//
//	Creates a directory named "<task id>_<random>" under root (the system
//	temp dir when root is empty), creating root first if needed, and writes the source, the trimmed tests
//	and the combined file.
//
// Inputs:
//
//	root - Parent directory, "" for os.TempDir()
//	task - Task identifier, source and tests
//	opts - Optional configuration
//
// Outputs:
//
//	*Workspace - The ready workspace; call Cleanup when done
//	error - Non-nil if the directory or files cannot be created
func New(root string, task Task, opts ...Option) (*Workspace, error) {
	if task.ID == "" {
		return nil, ErrEmptyTaskID
	}

	w := &Workspace{logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}

	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace root: %w", err)
		}
	}

	prefix := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(task.ID) + "_"
	dir, err := os.MkdirTemp(root, prefix)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	w.dir = dir

	tests := strings.TrimSpace(task.Tests)
	if err := w.writeAtomic(RawTestFile, tests); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	if err := w.writeSource(task.Source, tests); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	w.logger.Debug("Workspace created",
		slog.String("task_id", task.ID),
		slog.String("path", dir),
	)
	return w, nil
}

// Path returns the workspace directory.
func (w *Workspace) Path() string {
	return w.dir
}

// ReadSource returns the current contents of task.py.
func (w *Workspace) ReadSource() (string, error) {
	return w.read(SourceFile)
}

// ReadTests returns the contents of raw_test_task.py.
func (w *Workspace) ReadTests() (string, error) {
	return w.read(RawTestFile)
}

// ReadCombined returns the contents of test_task.py.
func (w *Workspace) ReadCombined() (string, error) {
	return w.read(CombinedFile)
}

// WriteSource replaces task.py and regenerates test_task.py.
//
// Description:
//
//	Both files are written atomically (temp file + rename), source first.
//	A reader never observes a half-written file.
//
// Inputs:
//
//	src - The new source
//
// Outputs:
//
//	error - Wraps ErrWriteFailed on I/O failure, ErrClosed after Cleanup
func (w *Workspace) WriteSource(src string) error {
	tests, err := w.ReadTests()
	if err != nil {
		return err
	}
	return w.writeSource(src, tests)
}

// Cleanup removes the directory unless the workspace was created with
// WithKeep(true). Safe to call more than once.
func (w *Workspace) Cleanup() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.keep {
		w.logger.Info("Keeping workspace", slog.String("path", w.dir))
		return nil
	}
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

func (w *Workspace) writeSource(src, tests string) error {
	if err := w.writeAtomic(SourceFile, src); err != nil {
		return err
	}
	return w.writeAtomic(CombinedFile, src+CombinedSeparator+tests)
}

func (w *Workspace) read(name string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed && !w.keep {
		return "", ErrClosed
	}

	b, err := os.ReadFile(filepath.Join(w.dir, name))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(b), nil
}

// writeAtomic writes content to name via a temp file and rename.
func (w *Workspace) writeAtomic(name, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	path := filepath.Join(w.dir, name)
	tempPath := path + ".fixer.tmp"
	if err := os.WriteFile(tempPath, []byte(content), 0o644); err != nil {
		w.logger.Error("Failed to write temp file",
			slog.String("path", tempPath),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: write temp: %v", ErrWriteFailed, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		w.logger.Error("Failed to rename temp file",
			slog.String("temp", tempPath),
			slog.String("target", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: rename: %v", ErrWriteFailed, err)
	}
	return nil
}
