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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultBenchmarkPath is where run summaries accumulate.
const DefaultBenchmarkPath = "benchmark/benchmark_results.json"

// BenchmarkConfig records how a run was configured.
type BenchmarkConfig struct {
	RunType     string `json:"run_type"`
	Subset      string `json:"subset"`
	MaxIters    int    `json:"max_iters"`
	TimeoutSecs int    `json:"timeout_secs"`
	ModelName   string `json:"model_name"`
	Report      string `json:"report"`
}

// BenchmarkSummary records the score of a run.
type BenchmarkSummary struct {
	PassAt1  float64 `json:"pass_at_1"`
	NbPassed int     `json:"nb_passed"`
	NbTotal  int     `json:"nb_total"`
}

// BenchmarkEntry is one element of the benchmark file.
type BenchmarkEntry struct {
	Timestamp string           `json:"timestamp"`
	Config    BenchmarkConfig  `json:"config"`
	Summary   BenchmarkSummary `json:"summary"`
}

// NewBenchmarkEntry stamps cfg and the score of results with now.
func NewBenchmarkEntry(now time.Time, cfg BenchmarkConfig, results []TaskResult) BenchmarkEntry {
	score, passed, total := PassAt1(results)
	return BenchmarkEntry{
		Timestamp: now.Format(time.RFC3339Nano),
		Config:    cfg,
		Summary:   BenchmarkSummary{PassAt1: score, NbPassed: passed, NbTotal: total},
	}
}

// WriteReport writes results as an indented JSON array, atomically.
func WriteReport(path string, results []TaskResult) error {
	if results == nil {
		results = []TaskResult{}
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return writeFileAtomic(path, data)
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) ([]TaskResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var results []TaskResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return results, nil
}

// AppendBenchmark appends entry to the JSON array at path.
//
// Description:
//
//	A missing, empty or unparseable file starts a fresh array. A file
//	holding a single non-array value is wrapped into an array so earlier
//	data is kept.
func AppendBenchmark(path string, entry BenchmarkEntry) error {
	existing, err := readBenchmark(path)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal benchmark entry: %w", err)
	}
	existing = append(existing, raw)

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal benchmark: %w", err)
	}
	return writeFileAtomic(path, data)
}

func readBenchmark(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read benchmark: %w", err)
	}

	var value json.RawMessage
	if err := json.Unmarshal(data, &value); err != nil {
		return []json.RawMessage{}, nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(value, &list); err == nil {
		if list == nil {
			list = []json.RawMessage{}
		}
		return list, nil
	}
	return []json.RawMessage{value}, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
