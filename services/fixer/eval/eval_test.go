// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eval

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFix/services/fixer/llm"
	"github.com/AleutianAI/AleutianFix/services/fixer/loop"
	"github.com/AleutianAI/AleutianFix/services/fixer/sandbox"
	"github.com/AleutianAI/AleutianFix/services/fixer/workspace"
)

// =============================================================================
// HELPERS
// =============================================================================

func writeDataset(t *testing.T, rows ...map[string]string) string {
	t.Helper()
	var b strings.Builder
	for _, r := range rows {
		line, err := json.Marshal(r)
		require.NoError(t, err)
		b.Write(line)
		b.WriteString("\n")
	}
	path := filepath.Join(t.TempDir(), "dataset.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func parityRow(id, bugType, marker string) map[string]string {
	return map[string]string{
		"task_id":        id,
		"declaration":    "def f(n):\n",
		"docstring":      "    Return True for even n." + marker,
		"buggy_solution": "    return n % 2 == 1\n",
		"test":           "def check(f):\n    assert f(4) == True\ncheck(f)\n",
		"entry_point":    "f",
		"bug_type":       bugType,
	}
}

// parityVerifier passes when the workspace source tests for even numbers.
type parityVerifier struct {
	mu    sync.Mutex
	calls int
}

func (v *parityVerifier) Preflight(context.Context) error { return nil }

func (v *parityVerifier) Verify(_ context.Context, req sandbox.Request) (*sandbox.Observation, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	src, err := os.ReadFile(filepath.Join(req.Workdir, workspace.SourceFile))
	if err != nil {
		return nil, err
	}
	if strings.Contains(string(src), "== 0") {
		return sandbox.NewObservation(sandbox.PassExitCode, ""), nil
	}
	return sandbox.NewObservation(1, "AssertionError"), nil
}

// stageModel fixes line 5 unless the task is marked "giveup", in which case
// it claims to be finished without patching.
func stageModel() *llm.MockCompleter {
	return llm.NewMockCompleter().WithResponseFunc(func(p string) (string, error) {
		if strings.Contains(p, "Stage: PATCH") {
			return `Action: Patch[{"start": 5, "end": 6, "nb_indents": 1, "text": "return n % 2 == 0"}]`, nil
		}
		if strings.Contains(p, "giveup") {
			return `Action: Finish[{"message": "looks fine"}]`, nil
		}
		return "Thought: line 5 should test for even numbers", nil
	})
}

type memStore struct {
	mu   sync.Mutex
	data map[string]TaskResult
}

func newMemStore() *memStore { return &memStore{data: make(map[string]TaskResult)} }

func (s *memStore) Put(_ context.Context, runKey string, r TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[runKey+"/"+r.TaskID] = r
	return nil
}

func (s *memStore) Get(_ context.Context, runKey, taskID string) (TaskResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[runKey+"/"+taskID]
	return r, ok, nil
}

func classTasks(counts map[string]int) []Task {
	var tasks []Task
	for class, n := range counts {
		for i := 0; i < n; i++ {
			tasks = append(tasks, Task{ID: class + "_" + string(rune('a'+i%26)) + strings.Repeat("x", i/26), BugType: class})
		}
	}
	return tasks
}

// =============================================================================
// DATASET
// =============================================================================

func TestLoadTasks(t *testing.T) {
	path := writeDataset(t, parityRow("Python/0", "operator misuse", ""), parityRow("Python/1", "value misuse", ""))

	tasks, err := LoadTasks(path)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, "Python_0", tasks[0].ID)
	assert.Equal(t, "operator misuse", tasks[0].BugType)
	assert.Equal(t, "f", tasks[0].EntryPoint)
	assert.Equal(t,
		"def f(n):\n    '''\n    Return True for even n.\n    '''\n    return n % 2 == 1\n",
		tasks[0].EntireBuggyCode)

	wt := tasks[1].WorkspaceTask()
	assert.Equal(t, "Python_1", wt.ID)
	assert.Equal(t, tasks[1].EntireBuggyCode, wt.Source)
}

func TestLoadTasks_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadTasks(filepath.Join(dir, "missing.jsonl"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.jsonl")
	require.NoError(t, os.WriteFile(empty, []byte("\n  \n"), 0o644))
	_, err = LoadTasks(empty)
	assert.ErrorIs(t, err, ErrEmptyDataset)

	bad := filepath.Join(dir, "bad.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte("{\"task_id\": \"a\"}\nnot json\n"), 0o644))
	_, err = LoadTasks(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestFindTask(t *testing.T) {
	tasks := []Task{{ID: "Python_0"}, {ID: "Python_7"}}

	got, err := FindTask(tasks, "Python/7")
	require.NoError(t, err)
	assert.Equal(t, "Python_7", got.ID)

	got, err = FindTask(tasks, "Python_0")
	require.NoError(t, err)
	assert.Equal(t, "Python_0", got.ID)

	_, err = FindTask(tasks, "Python/9")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

// =============================================================================
// SAMPLING
// =============================================================================

func TestParseSubset(t *testing.T) {
	tests := []struct {
		name     string
		all      bool
		fraction float64
		wantErr  bool
	}{
		{name: "all", all: true, fraction: DefaultFraction},
		{name: "stratified", fraction: DefaultFraction},
		{name: "stratified_0.3", fraction: 0.3},
		{name: "stratified_1", fraction: 1},
		{name: "stratified_0", wantErr: true},
		{name: "stratified_1.5", wantErr: true},
		{name: "stratified_abc", wantErr: true},
		{name: "random", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSubset(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSubset)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.all, s.All)
			assert.InDelta(t, tt.fraction, s.Fraction, 1e-9)
			assert.Equal(t, DefaultMinPerClass, s.MinPerClass)
			assert.Equal(t, uint64(DefaultSeed), s.Seed)
		})
	}
}

func TestStratifiedSample_Counts(t *testing.T) {
	tasks := classTasks(map[string]int{"big": 40, "small": 3, "mid": 12})

	sample := StratifiedSample(tasks, 0.2, 5, 42)

	counts := make(map[string]int)
	for _, s := range sample {
		counts[s.BugType]++
	}
	assert.Equal(t, 8, counts["big"], "ceil(0.2*40)")
	assert.Equal(t, 3, counts["small"], "capped at class size")
	assert.Equal(t, 5, counts["mid"], "raised to the per-class minimum")
}

func TestStratifiedSample_DeterministicAndOrdered(t *testing.T) {
	tasks := classTasks(map[string]int{"a": 30, "b": 30})
	index := make(map[string]int)
	for i, task := range tasks {
		index[task.ID] = i
	}

	first := StratifiedSample(tasks, 0.3, 1, 42)
	second := StratifiedSample(tasks, 0.3, 1, 42)
	assert.Equal(t, first, second)

	for i := 1; i < len(first); i++ {
		assert.Less(t, index[first[i-1].ID], index[first[i].ID])
	}

	other := StratifiedSample(tasks, 0.3, 1, 7)
	assert.Len(t, other, len(first))
	assert.NotEqual(t, first, other)
}

func TestSubsetSelect(t *testing.T) {
	tasks := classTasks(map[string]int{"a": 20})

	all, err := ParseSubset("all")
	require.NoError(t, err)
	assert.Len(t, all.Select(tasks), 20)

	strat, err := ParseSubset("stratified")
	require.NoError(t, err)
	assert.Len(t, strat.Select(tasks), 5)
}

// =============================================================================
// SCORING AND REPORTS
// =============================================================================

func TestPassAt1(t *testing.T) {
	score, passed, total := PassAt1(nil)
	assert.Zero(t, score)
	assert.Zero(t, passed)
	assert.Zero(t, total)

	score, passed, total = PassAt1([]TaskResult{
		{TaskID: "a", Status: TaskPass},
		{TaskID: "b", Status: TaskFail},
		{TaskID: "c", Status: TaskPass},
		{TaskID: "d", Status: TaskFail},
	})
	assert.InDelta(t, 0.5, score, 1e-9)
	assert.Equal(t, 2, passed)
	assert.Equal(t, 4, total)
}

func TestWriteReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "report.json")
	results := []TaskResult{{TaskID: "Python_0", Status: TaskPass, Iterations: 1, LatestCode: "x = 1"}}

	require.NoError(t, WriteReport(path, results))

	got, err := ReadReport(path)
	require.NoError(t, err)
	assert.Equal(t, results, got)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  {\n    \"task_id\": \"Python_0\"")

	require.NoError(t, WriteReport(path, nil))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))
}

func TestAppendBenchmark(t *testing.T) {
	entry := NewBenchmarkEntry(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		BenchmarkConfig{RunType: "openai", Subset: "all", MaxIters: 5, TimeoutSecs: 10, ModelName: "m", Report: "r.json"},
		[]TaskResult{{Status: TaskPass}, {Status: TaskFail}})

	tests := []struct {
		name     string
		existing string
		wantLen  int
	}{
		{name: "missing file", wantLen: 1},
		{name: "empty array", existing: "[]", wantLen: 1},
		{name: "existing entries", existing: `[{"a":1},{"b":2}]`, wantLen: 3},
		{name: "single object coerced", existing: `{"a":1}`, wantLen: 2},
		{name: "null", existing: "null", wantLen: 1},
		{name: "corrupt", existing: "{not json", wantLen: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "benchmark", "results.json")
			if tt.existing != "" {
				require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
				require.NoError(t, os.WriteFile(path, []byte(tt.existing), 0o644))
			}

			require.NoError(t, AppendBenchmark(path, entry))

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			var got []BenchmarkEntry
			require.NoError(t, json.Unmarshal(data, &got))
			require.Len(t, got, tt.wantLen)

			last := got[len(got)-1]
			assert.Equal(t, "2025-01-02T03:04:05Z", last.Timestamp)
			assert.Equal(t, "openai", last.Config.RunType)
			assert.InDelta(t, 0.5, last.Summary.PassAt1, 1e-9)
			assert.Equal(t, 1, last.Summary.NbPassed)
			assert.Equal(t, 2, last.Summary.NbTotal)
		})
	}
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg, "run1")
	require.NoError(t, err)

	sink.Observe(TaskResult{Status: TaskPass, Iterations: 1, Duration: time.Second})
	sink.Observe(TaskResult{Status: TaskFail, Iterations: 3})
	sink.Observe(TaskResult{Status: TaskFail, Iterations: 3})
	sink.SetScore(1.0 / 3)

	assert.InDelta(t, 1.0/3, testutil.ToFloat64(sink.passAt1), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.tasks.WithLabelValues("pass")))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.tasks.WithLabelValues("fail")))

	_, err = NewPrometheusSink(reg, "run1")
	assert.Error(t, err)
}

// =============================================================================
// RUNNER
// =============================================================================

func newRunner(t *testing.T, cfg RunnerConfig, v sandbox.Verifier, opts ...RunnerOption) *Runner {
	t.Helper()
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = t.TempDir()
	}
	r, err := NewRunner(cfg, loop.NewConfig(loop.WithMaxIters(2)),
		loop.Dependencies{Thinker: stageModel(), Verifier: v}, opts...)
	require.NoError(t, err)
	return r
}

func loadParityTasks(t *testing.T) []Task {
	t.Helper()
	tasks, err := LoadTasks(writeDataset(t,
		parityRow("Python/0", "operator misuse", ""),
		parityRow("Python/1", "operator misuse", " giveup"),
		parityRow("Python/2", "value misuse", ""),
	))
	require.NoError(t, err)
	return tasks
}

func TestRunner_Run(t *testing.T) {
	tasks := loadParityTasks(t)
	report := filepath.Join(t.TempDir(), "report.json")
	store := newMemStore()
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg, "test")
	require.NoError(t, err)

	v := &parityVerifier{}
	r := newRunner(t, RunnerConfig{Concurrency: 2, ReportPath: report, RunKey: "k1"}, v,
		WithStore(store), WithSink(sink))

	results, err := r.Run(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := make(map[string]TaskResult)
	for _, res := range results {
		byID[res.TaskID] = res
	}
	assert.Equal(t, []string{"Python_0", "Python_1", "Python_2"},
		[]string{results[0].TaskID, results[1].TaskID, results[2].TaskID})

	fixed := byID["Python_0"]
	assert.Equal(t, TaskPass, fixed.Status)
	assert.Equal(t, string(loop.StatusDone), fixed.LoopStatus)
	assert.Equal(t, 1, fixed.Iterations)
	assert.Equal(t, 3, fixed.TrajectoryLen)
	assert.Contains(t, fixed.LatestCode, "return n % 2 == 0")
	assert.False(t, strings.HasSuffix(fixed.LatestCode, "\n"))

	finished := byID["Python_1"]
	assert.Equal(t, TaskFail, finished.Status, "Finish without a fix is adjudicated by the tests")
	assert.Equal(t, string(loop.StatusDone), finished.LoopStatus)
	assert.Zero(t, finished.Iterations)

	score, passed, total := PassAt1(results)
	assert.InDelta(t, 2.0/3, score, 1e-9)
	assert.Equal(t, 2, passed)
	assert.Equal(t, 3, total)

	onDisk, err := ReadReport(report)
	require.NoError(t, err)
	assert.Len(t, onDisk, 3)

	_, ok, _ := store.Get(context.Background(), "k1", "Python_2")
	assert.True(t, ok)
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.tasks.WithLabelValues("pass")))
	assert.InDelta(t, 2.0/3, testutil.ToFloat64(sink.passAt1), 1e-9)
}

func TestRunner_ResumeFromStore(t *testing.T) {
	tasks := loadParityTasks(t)
	store := newMemStore()
	require.NoError(t, store.Put(context.Background(), "k1", TaskResult{TaskID: "Python_0", Status: TaskFail, Error: "stored"}))

	v := &parityVerifier{}
	r := newRunner(t, RunnerConfig{RunKey: "k1", Resume: true}, v, WithStore(store))

	results, err := r.Run(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "stored", results[0].Error, "stored result is reused, not rerun")
	assert.Equal(t, TaskFail, results[0].Status)
}

func TestRunner_ResumeFromReport(t *testing.T) {
	tasks := loadParityTasks(t)
	report := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, WriteReport(report, []TaskResult{{TaskID: "Python_2", Status: TaskPass, Error: "from report"}}))

	r := newRunner(t, RunnerConfig{ReportPath: report, Resume: true}, &parityVerifier{})

	results, err := r.Run(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "from report", results[2].Error)
}

func TestRunner_PreflightFailure(t *testing.T) {
	v := sandbox.NewLocalVerifier(sandbox.NewConfig(sandbox.WithPythonBinary("no-such-python-binary")), nil)
	r := newRunner(t, RunnerConfig{}, v)

	results, err := r.Run(context.Background(), loadParityTasks(t))
	assert.ErrorIs(t, err, sandbox.ErrSandboxUnavailable)
	assert.Nil(t, results)
}

func TestRunner_SandboxOutageStopsRun(t *testing.T) {
	outage := &sandbox.UnavailableError{Backend: "docker", Reason: "daemon down"}
	v := sandbox.VerifierFunc(func(context.Context, sandbox.Request) (*sandbox.Observation, error) {
		return nil, outage
	})
	r := newRunner(t, RunnerConfig{}, v)

	_, err := r.Run(context.Background(), loadParityTasks(t))
	assert.ErrorIs(t, err, sandbox.ErrSandboxUnavailable)
}

func TestRunner_VerifierErrorIsTaskFailure(t *testing.T) {
	v := sandbox.VerifierFunc(func(context.Context, sandbox.Request) (*sandbox.Observation, error) {
		return nil, errors.New("flaky")
	})
	r := newRunner(t, RunnerConfig{}, v)

	results, err := r.Run(context.Background(), loadParityTasks(t)[:1])
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, TaskFail, results[0].Status)
	assert.Equal(t, "flaky", results[0].Error)
}

func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newRunner(t, RunnerConfig{}, &parityVerifier{})
	_, err := r.Run(ctx, loadParityTasks(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRunner(t *testing.T) {
	_, err := NewRunner(RunnerConfig{}, nil, loop.Dependencies{Verifier: &parityVerifier{}})
	assert.ErrorIs(t, err, loop.ErrMissingDependency)

	_, err = NewRunner(RunnerConfig{}, nil, loop.Dependencies{Thinker: stageModel()})
	assert.ErrorIs(t, err, loop.ErrMissingDependency)

	r, err := NewRunner(RunnerConfig{Concurrency: -3}, nil, loop.Dependencies{Thinker: stageModel(), Verifier: &parityVerifier{}})
	require.NoError(t, err)
	assert.Equal(t, 1, r.cfg.Concurrency)
	assert.Len(t, r.RunKey(), 8)

	//nolint:staticcheck // testing nil context handling
	_, err = r.Run(nil, nil)
	assert.ErrorIs(t, err, ErrNilContext)
}
