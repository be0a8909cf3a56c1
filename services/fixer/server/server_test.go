// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFix/services/fixer/llm"
	"github.com/AleutianAI/AleutianFix/services/fixer/loop"
	"github.com/AleutianAI/AleutianFix/services/fixer/sandbox"
	"github.com/AleutianAI/AleutianFix/services/fixer/workspace"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// parityVerifier passes when the source tests for even numbers.
var parityVerifier = sandbox.VerifierFunc(func(_ context.Context, req sandbox.Request) (*sandbox.Observation, error) {
	src, err := os.ReadFile(filepath.Join(req.Workdir, workspace.SourceFile))
	if err != nil {
		return nil, err
	}
	if strings.Contains(string(src), "== 0") {
		return sandbox.NewObservation(sandbox.PassExitCode, ""), nil
	}
	return sandbox.NewObservation(1, "AssertionError"), nil
})

func fixingModel() *llm.MockCompleter {
	return llm.NewMockCompleter().WithResponseFunc(func(p string) (string, error) {
		if strings.Contains(p, "Stage: PATCH") {
			return `Action: Patch[{"start": 2, "end": 3, "nb_indents": 1, "text": "return n % 2 == 0"}]`, nil
		}
		return "Thought: line 2 should test for even numbers", nil
	})
}

func newTestServer(t *testing.T, cfg Config, thinker llm.Completer, v sandbox.Verifier) *Server {
	t.Helper()
	cfg.WorkspaceRoot = t.TempDir()
	s, err := New(cfg, loop.NewConfig(loop.WithMaxIters(3)), loop.Dependencies{Thinker: thinker, Verifier: v}, nil)
	require.NoError(t, err)
	return s
}

func postRepair(t *testing.T, s *Server, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/repair", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), fixingModel(), parityVerifier)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc")
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
}

func TestReady(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), fixingModel(), parityVerifier)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	down := sandbox.NewLocalVerifier(sandbox.NewConfig(sandbox.WithPythonBinary("no-such-python-binary")), nil)
	s = newTestServer(t, DefaultConfig(), fixingModel(), down)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "SANDBOX_UNAVAILABLE")
}

func TestRepair_Fixes(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), fixingModel(), parityVerifier)

	w := postRepair(t, s, map[string]any{
		"source": "def f(n):\n    return n % 2 == 1\n",
		"tests":  "assert f(4)\n",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp RepairResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(loop.StatusDone), resp.Status)
	assert.True(t, resp.Passed)
	assert.Equal(t, 1, resp.Iterations)
	assert.Len(t, resp.Trajectory, 3)
	assert.Contains(t, resp.FinalSource, "return n % 2 == 0")
	require.Len(t, resp.Diffs, 1)
	assert.Contains(t, resp.Diffs[0], "+    return n % 2 == 0")
	assert.Len(t, resp.SessionID, 8)
}

func TestRepair_MaxItersCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIters = 2
	thinker := llm.NewMockCompleter().WithResponseFunc(func(p string) (string, error) {
		if strings.Contains(p, "Stage: PATCH") {
			return `Action: Patch[{"start": 2, "end": 3, "nb_indents": 1, "text": "return n % 2 == 1"}]`, nil
		}
		return "Thought: try again", nil
	})
	s := newTestServer(t, cfg, thinker, parityVerifier)

	w := postRepair(t, s, map[string]any{
		"source":    "def f(n):\n    return n % 2 == 1\n",
		"tests":     "assert f(4)\n",
		"max_iters": 50,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp RepairResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(loop.StatusBudgetExhausted), resp.Status)
	assert.Equal(t, 2, resp.Iterations)
	assert.False(t, resp.Passed)
}

func TestRepair_Validation(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), fixingModel(), parityVerifier)

	tests := []struct {
		name string
		body any
	}{
		{name: "missing source", body: map[string]any{"tests": "assert True"}},
		{name: "missing tests", body: map[string]any{"source": "x = 1"}},
		{name: "negative max_iters", body: map[string]any{"source": "x = 1", "tests": "assert x", "max_iters": -1}},
		{name: "wrong type", body: map[string]any{"source": 12, "tests": "assert x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postRepair(t, s, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
		})
	}
}

func TestRepair_SandboxUnavailable(t *testing.T) {
	v := sandbox.VerifierFunc(func(context.Context, sandbox.Request) (*sandbox.Observation, error) {
		return nil, &sandbox.UnavailableError{Backend: "docker", Reason: "daemon down"}
	})
	s := newTestServer(t, DefaultConfig(), fixingModel(), v)

	w := postRepair(t, s, map[string]any{"source": "x = 1\n", "tests": "assert x\n"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "SANDBOX_UNAVAILABLE")
}

func TestRepair_Timeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	slow := fixingModel().WithDelay(time.Second)
	s := newTestServer(t, cfg, slow, parityVerifier)

	w := postRepair(t, s, map[string]any{"source": "def f(n):\n    return n % 2 == 1\n", "tests": "assert f(4)\n"})
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), "REPAIR_TIMEOUT")
}

func TestRepair_Busy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	s := newTestServer(t, cfg, fixingModel(), parityVerifier)

	require.True(t, s.sem.TryAcquire(1))
	defer s.sem.Release(1)

	w := postRepair(t, s, map[string]any{"source": "x = 1\n", "tests": "assert x\n"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestMetricsDisabled(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), fixingModel(), parityVerifier)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code == http.StatusNotFound {
		assert.Contains(t, w.Body.String(), "METRICS_DISABLED")
	} else {
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestNew_MissingDependency(t *testing.T) {
	_, err := New(DefaultConfig(), nil, loop.Dependencies{}, nil)
	assert.ErrorIs(t, err, loop.ErrMissingDependency)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.validate()
	assert.Equal(t, DefaultConfig(), cfg)
}
