// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package otlp exports traces and metrics over OTLP/HTTP.
package otlp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// DefaultExportInterval is how often metrics are pushed.
	DefaultExportInterval = 30 * time.Second

	// DefaultExportTimeout bounds a single export.
	DefaultExportTimeout = 10 * time.Second
)

var errNoEndpoint = errors.New("OTLP endpoint is required")

// Config is the OTLP collector configuration.
type Config struct {
	// Endpoint is the collector host and port, e.g. localhost:4318.
	Endpoint string

	// Headers are sent with every export, e.g. for authentication.
	Headers map[string]string

	// Insecure exports over plain HTTP.
	Insecure bool

	// SamplingRate is the ratio of root spans sampled, from 0 to 1. Child
	// spans follow their parent.
	SamplingRate float64

	// ExportInterval defaults to DefaultExportInterval.
	ExportInterval time.Duration

	// ExportTimeout defaults to DefaultExportTimeout.
	ExportTimeout time.Duration
}

func (c Config) timeout() time.Duration {
	if c.ExportTimeout > 0 {
		return c.ExportTimeout
	}
	return DefaultExportTimeout
}

func (c Config) interval() time.Duration {
	if c.ExportInterval > 0 {
		return c.ExportInterval
	}
	return DefaultExportInterval
}

// NewTracerProvider creates a batching tracer provider that exports to the
// collector. Spans are sent gzip-compressed.
func NewTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	if cfg.Endpoint == "" {
		return nil, errNoEndpoint
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		otlptracehttp.WithTimeout(cfg.timeout()),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter for %s: %w", cfg.Endpoint, err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(cfg.timeout())),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	), nil
}

// NewMetricReader creates a reader that pushes metrics to the collector
// every export interval.
func NewMetricReader(ctx context.Context, cfg Config) (sdkmetric.Reader, error) {
	if cfg.Endpoint == "" {
		return nil, errNoEndpoint
	}

	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(cfg.Endpoint),
		otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression),
		otlpmetrichttp.WithTimeout(cfg.timeout()),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter for %s: %w", cfg.Endpoint, err)
	}
	return sdkmetric.NewPeriodicReader(exporter,
		sdkmetric.WithInterval(cfg.interval()),
		sdkmetric.WithTimeout(cfg.timeout()),
	), nil
}
