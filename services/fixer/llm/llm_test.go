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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// MOCK TESTS
// =============================================================================

func TestMockCompleter_Precedence(t *testing.T) {
	ctx := context.Background()
	m := NewMockCompleter().Queue("first", "second")

	out, err := m.Complete(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	out, err = m.Complete(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, "second", out)
	require.NoError(t, m.Verify())

	out, err = m.Complete(ctx, "p3")
	require.NoError(t, err)
	assert.Contains(t, out, "Finish[")

	m.WithResponseFunc(func(prompt string) (string, error) { return "echo " + prompt, nil })
	out, err = m.Complete(ctx, "p4")
	require.NoError(t, err)
	assert.Equal(t, "echo p4", out)

	boom := errors.New("boom")
	m.WithError(boom)
	_, err = m.Complete(ctx, "p5")
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 5, m.CallCount())
	assert.Equal(t, "p5", m.LastPrompt())
	assert.Equal(t, "p1", m.Calls()[0].Prompt)
}

func TestMockCompleter_VerifyUnconsumed(t *testing.T) {
	m := NewMockCompleter().Queue("a")
	assert.Error(t, m.Verify())
}

func TestMockCompleter_DelayHonorsContext(t *testing.T) {
	m := NewMockCompleter().WithDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Complete(ctx, "p")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// =============================================================================
// RATE LIMIT TESTS
// =============================================================================

func TestRateLimited_DelegatesAndBlocks(t *testing.T) {
	inner := NewMockCompleter().Queue("a", "b")
	rl := NewRateLimited(inner, 1, 1)

	out, err := rl.Complete(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "a", out)
	assert.Equal(t, ProviderMock, rl.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = rl.Complete(ctx, "p")
	require.Error(t, err, "second call exceeds the 1 rps budget before the deadline")
	assert.Equal(t, 1, inner.CallCount())
}

// =============================================================================
// FACTORY TESTS
// =============================================================================

func TestNew_Providers(t *testing.T) {
	c, err := New(Config{Provider: ProviderMock}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderMock, c.Name())

	c, err = New(Config{Provider: ProviderMock, RequestsPerSecond: 10}, nil)
	require.NoError(t, err)
	_, ok := c.(*RateLimited)
	assert.True(t, ok)

	_, err = New(Config{Provider: "nope"}, nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)

	c, err = New(Config{Provider: ProviderOllama, BaseURL: "http://127.0.0.1:1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, c.Name())
	assert.Equal(t, DefaultOllamaModel, c.(*OllamaCompleter).Model())
}

// =============================================================================
// SECRET TESTS
// =============================================================================

func TestSecretKey(t *testing.T) {
	_, err := NewSecretKey(nil)
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	s, err := NewSecretKey([]byte("sk-test"))
	require.NoError(t, err)

	calls := 0
	require.NoError(t, s.Use(func(key []byte) error {
		calls++
		assert.Equal(t, "sk-test", string(key))
		return nil
	}))
	assert.Equal(t, 1, calls)

	// The enclave can be opened again after the plaintext was destroyed.
	require.NoError(t, s.Use(func(key []byte) error {
		assert.Equal(t, []byte("sk-test"), key)
		return nil
	}))

	wantErr := errors.New("callback failed")
	assert.ErrorIs(t, s.Use(func([]byte) error { return wantErr }), wantErr)
}

// =============================================================================
// OPENAI TESTS
// =============================================================================

func TestOpenAICompleter_Complete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Thought: fix line 2"}}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAICompleter(Config{
		APIKey:       "sk-test",
		Model:        "m",
		BaseURL:      srv.URL,
		SystemPrompt: "sys",
		Temperature:  0.2,
		MaxTokens:    64,
	}, nil)
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), "fix it")
	require.NoError(t, err)
	assert.Equal(t, "Thought: fix line 2", out)

	assert.Equal(t, "m", got["model"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "fix it", msgs[1].(map[string]any)["content"])
	assert.InDelta(t, 0.2, got["temperature"], 1e-6)
}

func TestOpenAICompleter_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","choices":[]}`))
	}))
	defer srv.Close()

	c, err := NewOpenAICompleter(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "p")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOpenAICompleter_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAICompleter(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai completion")
}
