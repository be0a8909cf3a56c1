// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the text completion clients used by the repair loop.
//
// The loop needs exactly one capability from a model: turn a prompt into a
// reply. Completer captures that; providers and wrappers are composed at
// startup by New.
//
// Thread Safety:
//
//	All Completer implementations in this package are safe for concurrent use.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Completer turns a prompt into a model reply.
type Completer interface {
	// Complete sends prompt and returns the raw reply text.
	//
	// Inputs:
	//   ctx - Context for cancellation and timeout
	//   prompt - The full prompt text
	//
	// Outputs:
	//   string - The reply
	//   error - Non-nil if the request failed
	Complete(ctx context.Context, prompt string) (string, error)

	// Name returns the provider name (e.g., "openai", "ollama").
	Name() string
}

// Provider names accepted by New.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderMock   = "mock"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrUnknownProvider indicates a provider name New does not recognize.
	ErrUnknownProvider = errors.New("unknown llm provider")

	// ErrMissingAPIKey indicates no API key was found for a hosted provider.
	ErrMissingAPIKey = errors.New("llm api key not set")

	// ErrEmptyResponse indicates the provider returned no content.
	ErrEmptyResponse = errors.New("llm returned no choices")
)

// =============================================================================
// CONFIG
// =============================================================================

// Config selects and tunes a completer.
type Config struct {
	// Provider is one of "openai", "ollama" or "mock".
	Provider string `yaml:"provider" json:"provider" validate:"omitempty,oneof=openai ollama mock"`

	// Model is the model name. Defaults per provider.
	Model string `yaml:"model" json:"model"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url" json:"base_url" validate:"omitempty,url"`

	// APIKey is the key for hosted providers. Usually supplied by the
	// environment rather than the config file.
	APIKey string `yaml:"-" json:"-"`

	// SystemPrompt is sent as the system message where supported.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	// Temperature controls randomness. Zero leaves the provider default.
	Temperature float64 `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`

	// TopP controls nucleus sampling. Zero leaves the provider default.
	TopP float64 `yaml:"top_p" json:"top_p" validate:"gte=0,lte=1"`

	// MaxTokens limits the reply length. Zero leaves the provider default.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`

	// RequestsPerSecond enables client-side rate limiting when positive.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`

	// Burst is the rate limiter burst size.
	Burst int `yaml:"burst" json:"burst" validate:"gte=0"`

	// Timeout bounds a single completion. Zero means no extra bound.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns the OpenAI configuration the CLI starts from.
func DefaultConfig() Config {
	return Config{
		Provider:     ProviderOpenAI,
		Model:        DefaultOpenAIModel,
		SystemPrompt: "You are a careful Python engineer fixing a bug with minimal edits.",
		Timeout:      60 * time.Second,
	}
}

// New builds the completer described by cfg.
//
// Description:
//
//	Creates the provider client and wraps it in RateLimited when
//	RequestsPerSecond is positive.
//
// Inputs:
//
//	cfg - Completer configuration
//	logger - Logger; nil uses slog.Default()
//
// Outputs:
//
//	Completer - Ready completer
//	error - ErrUnknownProvider, ErrMissingAPIKey or a client setup error
func New(cfg Config, logger *slog.Logger) (Completer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		c   Completer
		err error
	)
	switch cfg.Provider {
	case ProviderOpenAI, "":
		c, err = NewOpenAICompleter(cfg, logger)
	case ProviderOllama:
		c, err = NewOllamaCompleter(cfg, logger)
	case ProviderMock:
		c = NewMockCompleter()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RequestsPerSecond > 0 {
		c = NewRateLimited(c, cfg.RequestsPerSecond, cfg.Burst)
	}

	logger.Info("LLM completer ready",
		slog.String("provider", c.Name()),
		slog.String("model", cfg.Model),
		slog.Float64("rps", cfg.RequestsPerSecond),
	)
	return c, nil
}

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
