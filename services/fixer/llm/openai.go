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
	"net/http"
	"os"

	"github.com/sashabaranov/go-openai"
)

// DefaultOpenAIModel is used when neither the config nor OPENAI_MODEL name
// a model.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAICompleter completes prompts with the OpenAI chat completions API.
//
// Description:
//
//	Each call sends a system message and the prompt as a single user
//	message. The API key stays sealed in a SecretKey and is only opened
//	to build the request client.
//
// Thread Safety:
//
//	OpenAICompleter is safe for concurrent use.
type OpenAICompleter struct {
	key        *SecretKey
	model      string
	baseURL    string
	system     string
	params     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAICompleter creates an OpenAI completer.
//
// Inputs:
//
//	cfg - Model, base URL, sampling parameters and optional API key
//	logger - Logger; nil uses slog.Default()
//
// Outputs:
//
//	*OpenAICompleter - Ready completer
//	error - Wraps ErrMissingAPIKey if no key is available
func NewOpenAICompleter(cfg Config, logger *slog.Logger) (*OpenAICompleter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	key, err := resolveAPIKey(cfg, logger)
	if err != nil {
		return nil, err
	}

	model := cfg.Model
	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
	}
	if model == "" {
		model = DefaultOpenAIModel
		logger.Warn("OPENAI_MODEL not set, using default", slog.String("model", model))
	}

	return &OpenAICompleter{
		key:        key,
		model:      model,
		baseURL:    cfg.BaseURL,
		system:     cfg.SystemPrompt,
		params:     cfg,
		httpClient: &http.Client{},
		logger:     logger,
	}, nil
}

// Name implements Completer.
func (c *OpenAICompleter) Name() string {
	return ProviderOpenAI
}

// Model returns the model name requests are sent to.
func (c *OpenAICompleter) Model() string {
	return c.model
}

// Complete implements Completer.
func (c *OpenAICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := withTimeout(ctx, c.params.Timeout)
	defer cancel()

	req := c.request(prompt)

	var resp openai.ChatCompletionResponse
	err := c.key.Use(func(key []byte) error {
		clientCfg := openai.DefaultConfig(string(key))
		if c.baseURL != "" {
			clientCfg.BaseURL = c.baseURL
		}
		clientCfg.HTTPClient = c.httpClient

		var callErr error
		resp, callErr = openai.NewClientWithConfig(clientCfg).CreateChatCompletion(ctx, req)
		return callErr
	})
	if err != nil {
		c.logger.Error("OpenAI API call failed",
			slog.String("model", c.model),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("openai completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	c.logger.Debug("Received response from OpenAI",
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return resp.Choices[0].Message.Content, nil
}

// request builds the chat completion request for prompt.
func (c *OpenAICompleter) request(prompt string) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if c.system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: c.system})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
	}
	if c.params.Temperature > 0 {
		req.Temperature = float32(c.params.Temperature)
	}
	if c.params.TopP > 0 {
		req.TopP = float32(c.params.TopP)
	}
	if c.params.MaxTokens > 0 {
		req.MaxCompletionTokens = c.params.MaxTokens
	}
	return req
}
