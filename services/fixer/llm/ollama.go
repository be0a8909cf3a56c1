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
	"log/slog"
	"os"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// Ollama defaults.
const (
	DefaultOllamaModel = "qwen2.5-coder:7b"
	DefaultOllamaURL   = "http://localhost:11434"
)

// OllamaCompleter completes prompts with a local Ollama server through
// langchaingo.
//
// Thread Safety:
//
//	OllamaCompleter is safe for concurrent use.
type OllamaCompleter struct {
	model  string
	llm    llms.Model
	params Config
	logger *slog.Logger
}

// NewOllamaCompleter creates an Ollama completer.
//
// Description:
//
//	The server URL comes from cfg.BaseURL, then OLLAMA_URL, then
//	DefaultOllamaURL. No request is made until Complete.
//
// Inputs:
//
//	cfg - Model, base URL and sampling parameters
//	logger - Logger; nil uses slog.Default()
//
// Outputs:
//
//	*OllamaCompleter - Ready completer
//	error - Non-nil if the langchaingo client cannot be created
func NewOllamaCompleter(cfg Config, logger *slog.Logger) (*OllamaCompleter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	model := cfg.Model
	if model == "" || model == DefaultOpenAIModel {
		model = DefaultOllamaModel
	}
	url := cfg.BaseURL
	if url == "" {
		url = os.Getenv("OLLAMA_URL")
	}
	if url == "" {
		url = DefaultOllamaURL
	}

	opts := []ollama.Option{
		ollama.WithModel(model),
		ollama.WithServerURL(url),
	}
	if cfg.SystemPrompt != "" {
		opts = append(opts, ollama.WithSystemPrompt(cfg.SystemPrompt))
	}

	client, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}

	logger.Debug("Ollama completer created",
		slog.String("model", model),
		slog.String("url", url),
	)
	return &OllamaCompleter{model: model, llm: client, params: cfg, logger: logger}, nil
}

// Name implements Completer.
func (c *OllamaCompleter) Name() string {
	return ProviderOllama
}

// Model returns the model name.
func (c *OllamaCompleter) Model() string {
	return c.model
}

// Complete implements Completer.
func (c *OllamaCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := withTimeout(ctx, c.params.Timeout)
	defer cancel()

	var opts []llms.CallOption
	if c.params.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(c.params.Temperature))
	}
	if c.params.TopP > 0 {
		opts = append(opts, llms.WithTopP(c.params.TopP))
	}
	if c.params.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.params.MaxTokens))
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt, opts...)
	if err != nil {
		c.logger.Error("Ollama completion failed",
			slog.String("model", c.model),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("ollama completion: %w", err)
	}
	return out, nil
}
