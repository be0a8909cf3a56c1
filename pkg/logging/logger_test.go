// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: LevelDebug},
		{in: "INFO", want: LevelInfo},
		{in: "", want: LevelInfo},
		{in: "warning", want: LevelWarn},
		{in: " warn ", want: LevelWarn},
		{in: "Error", want: LevelError},
		{in: "trace", want: LevelInfo, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownLevel)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_StderrText(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: LevelWarn, Service: "fixer", Stderr: &buf})
	require.NoError(t, err)
	defer l.Close()

	l.Slog().Info("hidden")
	l.Slog().Warn("shown", slog.String("task_id", "Python_0"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "task_id=Python_0")
	assert.Contains(t, out, "service=fixer")
	assert.Empty(t, l.FilePath())
}

func TestNew_StderrJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{JSON: true, Stderr: &buf})
	require.NoError(t, err)

	l.Slog().Info("hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
}

func TestNew_FileSink(t *testing.T) {
	var buf bytes.Buffer
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := New(Config{Level: LevelDebug, LogDir: dir, Service: "eval", Stderr: &buf})
	require.NoError(t, err)

	l.Slog().Debug("to both", slog.Int("n", 1))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.True(t, strings.HasPrefix(filepath.Base(l.FilePath()), "eval_"))
	data, err := os.ReadFile(l.FilePath())
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "to both", rec["msg"])
	assert.Equal(t, "eval", rec["service"])
	assert.Contains(t, buf.String(), "to both")
}

func TestNew_QuietWithoutFile(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Quiet: true, Stderr: &buf})
	require.NoError(t, err)
	l.Slog().Error("dropped")
	assert.Empty(t, buf.String())
}

func TestNew_BadLogDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := New(Config{LogDir: filepath.Join(file, "sub")})
	assert.Error(t, err)
}

func TestMultiHandler_WithAttrsAndGroup(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	logger := slog.New(h).With(slog.String("k", "v")).WithGroup("g")

	logger.Info("info", slog.Int("x", 1))
	assert.Contains(t, a.String(), "k=v")
	assert.Contains(t, a.String(), "g.x=1")
	assert.Empty(t, b.String(), "second handler filters below error")

	logger.Error("boom")
	assert.Contains(t, b.String(), "boom")
}

func TestLogger_Concurrent(t *testing.T) {
	l, err := New(Config{LogDir: t.TempDir(), Quiet: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Slog().Info("line", slog.Int("i", i))
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	data, err := os.ReadFile(l.FilePath())
	require.NoError(t, err)
	assert.Equal(t, 20, strings.Count(string(data), "\n"))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "logs"), expandPath("~/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
}
