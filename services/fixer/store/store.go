// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists evaluation results in an embedded BadgerDB so an
// interrupted benchmark run can resume where it stopped.
//
// Results are JSON values under "result/<run key>/<task id>".
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianFix/services/fixer/eval"
)

const keyPrefix = "result/"

var (
	// ErrNilContext indicates a nil context.Context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrMissingPath indicates a persistent store without a path.
	ErrMissingPath = errors.New("path is required for a persistent store")

	// ErrInvalidKey indicates a run key or task id that would break the
	// key layout.
	ErrInvalidKey = errors.New("run key and task id must be non-empty and contain no '/'")

	// ErrClosed indicates use after Close.
	ErrClosed = errors.New("store is closed")
)

// Config holds configuration for a ResultStore.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string `yaml:"path" json:"path"`

	// InMemory keeps everything in RAM.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	// SyncWrites fsyncs every write.
	// Default: true
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`

	// GCInterval is how often value log GC runs. 0 disables it.
	// Default: 5m
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval"`

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	// Default: 0.5
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio" validate:"gte=0,lte=1"`

	// Logger receives BadgerDB's own messages. Nil silences them.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns durable defaults rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// ResultStore stores eval.TaskResult values per run.
//
// Thread Safety: Safe for concurrent use.
type ResultStore struct {
	db     *badger.DB
	logger *slog.Logger

	stopGC chan struct{}
	gcDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates a store.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is set.
//
// Outputs:
//
//	*ResultStore - The store. Call Close when done.
//	error - ErrMissingPath, or a directory or database open failure.
func Open(cfg Config) (*ResultStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, ErrMissingPath
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &ResultStore{db: db, logger: logger}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, ratio)
	}
	return s, nil
}

// OpenInMemory opens a store that is discarded on Close.
func OpenInMemory() (*ResultStore, error) {
	return Open(Config{InMemory: true})
}

// Put stores r under runKey, replacing any earlier result for the task.
func (s *ResultStore) Put(ctx context.Context, runKey string, r eval.TaskResult) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := resultKey(runKey, r.TaskID)
	if err != nil {
		return err
	}
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("put result %s: %w", key, err)
	}
	return nil
}

// Get returns the result for taskID under runKey.
//
// Outputs:
//
//	eval.TaskResult - The stored result, zero when absent.
//	bool - Whether a result was found.
//	error - Non-nil on invalid keys or storage failure.
func (s *ResultStore) Get(ctx context.Context, runKey, taskID string) (eval.TaskResult, bool, error) {
	var out eval.TaskResult
	if ctx == nil {
		return out, false, ErrNilContext
	}
	key, err := resultKey(runKey, taskID)
	if err != nil {
		return out, false, err
	}

	found := false
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return out, false, ErrClosed
	}
	if err != nil {
		return eval.TaskResult{}, false, fmt.Errorf("get result %s: %w", key, err)
	}
	return out, found, nil
}

// List returns every result under runKey in key order.
func (s *ResultStore) List(ctx context.Context, runKey string) ([]eval.TaskResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if runKey == "" || strings.Contains(runKey, "/") {
		return nil, ErrInvalidKey
	}
	prefix := []byte(keyPrefix + runKey + "/")

	var out []eval.TaskResult
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var r eval.TaskResult
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, r)
		}
		return nil
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, fmt.Errorf("list results %s: %w", runKey, err)
	}
	return out, nil
}

// Close stops GC and closes the database. Safe to call more than once.
func (s *ResultStore) Close() error {
	s.closeOnce.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *ResultStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("Result store GC failed", slog.String("error", err.Error()))
			}
		}
	}
}

func resultKey(runKey, taskID string) ([]byte, error) {
	if runKey == "" || taskID == "" || strings.Contains(runKey, "/") || strings.Contains(taskID, "/") {
		return nil, ErrInvalidKey
	}
	return []byte(keyPrefix + runKey + "/" + taskID), nil
}
