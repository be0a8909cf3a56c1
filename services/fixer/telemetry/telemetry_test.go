// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")

	cfg := DefaultConfig()
	assert.Equal(t, "aleutian-fixer", cfg.ServiceName)
	assert.Equal(t, "none", cfg.TraceExporter)
	assert.Equal(t, "prometheus", cfg.MetricExporter)
	assert.True(t, cfg.OTLPInsecure)
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // testing nil context handling
	_, err := Init(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_Exporters(t *testing.T) {
	tests := []struct {
		name    string
		traces  string
		metrics string
		wantErr bool
	}{
		{name: "none", traces: "none", metrics: "none"},
		{name: "stdout", traces: "stdout", metrics: "stdout"},
		{name: "unknown trace exporter", traces: "zipkin", metrics: "none", wantErr: true},
		{name: "unknown metric exporter", traces: "none", metrics: "graphite", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.TraceExporter = tt.traces
			cfg.MetricExporter = tt.metrics

			shutdown, err := Init(context.Background(), cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownExporter)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, shutdown(context.Background()))
		})
	}
}

func TestInit_PrometheusHandler(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "prometheus"

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	counter, err := otel.Meter("telemetry_test").Int64Counter("fixer_telemetry_test_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	handler := MetricsHandler()
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body), "fixer_telemetry_test_total")
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	LoggerWithTrace(context.Background(), logger).Info("no span")
	assert.NotContains(t, buf.String(), "trace_id")

	//nolint:staticcheck // testing nil context handling
	assert.Equal(t, logger, LoggerWithTrace(nil, logger))
	assert.NotNil(t, LoggerWithTrace(context.Background(), nil))

	traceID := trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	spanID := trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	buf.Reset()
	LoggerWithTrace(ctx, logger).Info("with span")
	assert.Contains(t, buf.String(), `"trace_id":"`+traceID.String()+`"`)
	assert.Contains(t, buf.String(), `"span_id":"`+spanID.String()+`"`)
	assert.Equal(t, traceID.String(), TraceID(ctx))
	assert.Empty(t, TraceID(context.Background()))
}

func TestGetEnvOr(t *testing.T) {
	t.Setenv("FIXER_TELEMETRY_TEST", "set")
	assert.Equal(t, "set", getEnvOr("FIXER_TELEMETRY_TEST", "fallback"))
	assert.Equal(t, "fallback", getEnvOr("FIXER_TELEMETRY_TEST_UNSET", "fallback"))
}
