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

	"golang.org/x/time/rate"
)

// RateLimited wraps a Completer with a token bucket shared by all callers.
//
// Evaluation runs drive many loops in parallel against one API account;
// the limiter keeps them under the provider quota.
type RateLimited struct {
	inner   Completer
	limiter *rate.Limiter
}

// NewRateLimited allows rps requests per second with the given burst
// (minimum 1).
func NewRateLimited(inner Completer, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Name implements Completer.
func (r *RateLimited) Name() string {
	return r.inner.Name()
}

// Model returns the wrapped completer's model, or "".
func (r *RateLimited) Model() string {
	if m, ok := r.inner.(interface{ Model() string }); ok {
		return m.Model()
	}
	return ""
}

// Complete waits for a token, then delegates.
func (r *RateLimited) Complete(ctx context.Context, prompt string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	return r.inner.Complete(ctx, prompt)
}
