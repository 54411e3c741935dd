// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package otlp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

func TestNewTracerProvider(t *testing.T) {
	t.Parallel()

	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName("test"))

	_, err := NewTracerProvider(context.Background(), Config{}, res)
	require.ErrorIs(t, err, errNoEndpoint)

	provider, err := NewTracerProvider(context.Background(), Config{
		Endpoint:     "localhost:4318",
		Headers:      map[string]string{"x-api-key": "secret"},
		Insecure:     true,
		SamplingRate: 0.5,
	}, res)
	require.NoError(t, err)
	require.NotNil(t, provider)

	// Nothing was recorded, so shutdown does not reach the collector.
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestNewMetricReader(t *testing.T) {
	t.Parallel()

	_, err := NewMetricReader(context.Background(), Config{})
	require.ErrorIs(t, err, errNoEndpoint)

	reader, err := NewMetricReader(context.Background(), Config{
		Endpoint:       "localhost:4318",
		Insecure:       true,
		ExportInterval: time.Hour,
	})
	require.NoError(t, err)
	assert.NotNil(t, reader)

	// Shutdown flushes to the unreachable collector; only release the reader.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = reader.Shutdown(ctx)
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	assert.Equal(t, DefaultExportInterval, cfg.interval())
	assert.Equal(t, DefaultExportTimeout, cfg.timeout())

	cfg = Config{ExportInterval: time.Second, ExportTimeout: 2 * time.Second}
	assert.Equal(t, time.Second, cfg.interval())
	assert.Equal(t, 2*time.Second, cfg.timeout())
}
