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
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

// APIKeySecretPath is where a mounted container secret is looked up when
// the environment variable is unset.
const APIKeySecretPath = "/run/secrets/openai_api_key"

// SecretKey holds an API key in an encrypted memguard enclave.
//
// The plaintext only exists in locked memory for the duration of Use.
type SecretKey struct {
	enclave *memguard.Enclave
}

// NewSecretKey seals key. The caller's copy is not wiped; pass a slice
// that can be discarded.
func NewSecretKey(key []byte) (*SecretKey, error) {
	if len(key) == 0 {
		return nil, ErrMissingAPIKey
	}
	return &SecretKey{enclave: memguard.NewEnclave(key)}, nil
}

// Use opens the enclave, passes the plaintext to fn and destroys the
// plaintext buffer afterwards.
//
// key points into locked memory that is wiped and freed when fn returns.
// It must not be retained; copy it if a value has to outlive fn.
func (s *SecretKey) Use(fn func(key []byte) error) error {
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("open api key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// resolveAPIKey returns the configured key, then OPENAI_API_KEY, then the
// mounted secret file.
func resolveAPIKey(cfg Config, logger *slog.Logger) (*SecretKey, error) {
	if cfg.APIKey != "" {
		return NewSecretKey([]byte(cfg.APIKey))
	}
	if env := os.Getenv("OPENAI_API_KEY"); env != "" {
		return NewSecretKey([]byte(env))
	}
	b, err := os.ReadFile(APIKeySecretPath)
	if err != nil {
		return nil, fmt.Errorf("%w: set OPENAI_API_KEY or mount %s", ErrMissingAPIKey, APIKeySecretPath)
	}
	logger.Info("Read the OpenAI API key from mounted secret")
	return NewSecretKey([]byte(strings.TrimSpace(string(b))))
}
