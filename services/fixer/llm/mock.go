// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockCompleter is a scripted Completer for tests and dry runs.
//
// Precedence per call: configured error, response func, queued replies,
// default reply.
//
// Thread Safety:
//
//	MockCompleter is safe for concurrent use.
type MockCompleter struct {
	mu sync.Mutex

	name         string
	replies      []string
	defaultReply string
	responseFunc func(prompt string) (string, error)
	err          error
	delay        time.Duration
	calls        []Call
}

// Call records one Complete invocation.
type Call struct {
	Prompt    string
	Timestamp time.Time
}

// NewMockCompleter creates a mock whose default reply finishes the loop.
func NewMockCompleter() *MockCompleter {
	return &MockCompleter{
		name:         ProviderMock,
		defaultReply: `Action: Finish[{"message": "mock completer has nothing to add"}]`,
	}
}

// WithName sets the provider name.
func (m *MockCompleter) WithName(name string) *MockCompleter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	return m
}

// WithDelay adds latency that honors context cancellation.
func (m *MockCompleter) WithDelay(d time.Duration) *MockCompleter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithError makes every call fail with err.
func (m *MockCompleter) WithError(err error) *MockCompleter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithResponseFunc generates replies from the prompt.
func (m *MockCompleter) WithResponseFunc(f func(prompt string) (string, error)) *MockCompleter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseFunc = f
	return m
}

// WithDefaultReply sets the reply used once the queue is empty.
func (m *MockCompleter) WithDefaultReply(reply string) *MockCompleter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultReply = reply
	return m
}

// Queue appends replies returned in order.
func (m *MockCompleter) Queue(replies ...string) *MockCompleter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, replies...)
	return m
}

// Name implements Completer.
func (m *MockCompleter) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// Complete implements Completer.
func (m *MockCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Prompt: prompt, Timestamp: time.Now()})
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return "", m.err
	}
	if m.responseFunc != nil {
		return m.responseFunc(prompt)
	}
	if len(m.replies) > 0 {
		reply := m.replies[0]
		m.replies = m.replies[1:]
		return reply, nil
	}
	return m.defaultReply, nil
}

// Calls returns a copy of the recorded calls.
func (m *MockCompleter) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of calls made.
func (m *MockCompleter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastPrompt returns the most recent prompt, or "".
func (m *MockCompleter) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return ""
	}
	return m.calls[len(m.calls)-1].Prompt
}

// Verify reports queued replies that were never consumed.
func (m *MockCompleter) Verify() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) > 0 {
		return fmt.Errorf("mock: %d queued replies not consumed", len(m.replies))
	}
	return nil
}
