// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides the OpenTelemetry metrics and tracing of the
// stackauth server: a Prometheus endpoint, optional OTLP export and an HTTP
// middleware.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stack-auth/stack-sub005/pkg/logger"
	"github.com/stack-auth/stack-sub005/pkg/telemetry/providers/otlp"
	"github.com/stack-auth/stack-sub005/pkg/telemetry/providers/prometheus"
	"github.com/stack-auth/stack-sub005/pkg/versions"
)

// Config holds the configuration for OpenTelemetry instrumentation.
type Config struct {
	// ServiceName is the service name for telemetry.
	ServiceName string `json:"serviceName" yaml:"service_name" mapstructure:"service_name"`

	// ServiceVersion is the service version for telemetry.
	ServiceVersion string `json:"serviceVersion" yaml:"service_version" mapstructure:"service_version"`

	// Endpoint is the OTLP/HTTP collector, e.g. localhost:4318. Empty disables
	// OTLP export.
	Endpoint string `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`

	// Headers are sent to the OTLP endpoint.
	Headers map[string]string `json:"headers" yaml:"headers" mapstructure:"headers"`

	// Insecure uses HTTP instead of HTTPS for the OTLP endpoint.
	Insecure bool `json:"insecure" yaml:"insecure" mapstructure:"insecure"`

	// TracingEnabled exports traces to the OTLP endpoint.
	TracingEnabled bool `json:"tracingEnabled" yaml:"tracing_enabled" mapstructure:"tracing_enabled"`

	// MetricsEnabled exports metrics to the OTLP endpoint. Independent of
	// EnablePrometheusMetricsPath.
	MetricsEnabled bool `json:"metricsEnabled" yaml:"metrics_enabled" mapstructure:"metrics_enabled"`

	// SamplingRate is the trace sampling rate (0.0-1.0).
	SamplingRate float64 `json:"samplingRate" yaml:"sampling_rate" mapstructure:"sampling_rate"`

	// ExportInterval is how often metrics are pushed to the OTLP endpoint.
	ExportInterval time.Duration `json:"exportInterval" yaml:"export_interval" mapstructure:"export_interval"`

	// EnablePrometheusMetricsPath serves /metrics on the metrics listener.
	EnablePrometheusMetricsPath bool `json:"enablePrometheusMetricsPath" yaml:"enable_prometheus_metrics_path" mapstructure:"enable_prometheus_metrics_path"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:                 "stackauth",
		ServiceVersion:              versions.GetVersionInfo().Version,
		TracingEnabled:              true,
		MetricsEnabled:              true,
		SamplingRate:                0.05,
		Headers:                     map[string]string{},
		EnablePrometheusMetricsPath: true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Endpoint != "" && !c.TracingEnabled && !c.MetricsEnabled {
		return errors.New("OTLP endpoint is configured but both tracing and metrics are disabled; " +
			"either enable tracing or metrics, or remove the endpoint")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be between 0 and 1, got %v", c.SamplingRate)
	}
	if c.ExportInterval < 0 {
		return fmt.Errorf("export interval must not be negative, got %s", c.ExportInterval)
	}
	return nil
}

func (c *Config) otlpConfig() otlp.Config {
	return otlp.Config{
		Endpoint:       c.Endpoint,
		Headers:        c.Headers,
		Insecure:       c.Insecure,
		SamplingRate:   c.SamplingRate,
		ExportInterval: c.ExportInterval,
	}
}

// Provider owns the meter and tracer providers of the process.
type Provider struct {
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

// NewProvider builds the providers described by config and installs them as
// the OpenTelemetry globals.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.ServiceName == "" {
		config.ServiceName = "stackauth"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource: %w", err)
	}

	p := &Provider{}
	if err := p.createMeterProvider(ctx, config, res); err != nil {
		return nil, err
	}

	p.tracerProvider = tracenoop.NewTracerProvider()
	if config.Endpoint != "" && config.TracingEnabled {
		tp, err := otlp.NewTracerProvider(ctx, config.otlpConfig(), res)
		if err != nil {
			return nil, errors.Join(err, p.Shutdown(ctx))
		}
		p.tracerProvider = tp
		p.shutdownFuncs = append(p.shutdownFuncs, tp.Shutdown)
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Infow("telemetry initialized",
		"prometheus", config.EnablePrometheusMetricsPath,
		"otlp_endpoint", config.Endpoint,
		"tracing", config.TracingEnabled && config.Endpoint != "")
	return p, nil
}

func (p *Provider) createMeterProvider(ctx context.Context, config Config, res *resource.Resource) error {
	var readers []sdkmetric.Reader

	if config.EnablePrometheusMetricsPath {
		reader, handler, err := prometheus.NewReader(prometheus.Config{
			EnableMetricsPath:     true,
			IncludeRuntimeMetrics: true,
		})
		if err != nil {
			return err
		}
		readers = append(readers, reader)
		p.prometheusHandler = handler
	}

	if config.Endpoint != "" && config.MetricsEnabled {
		reader, err := otlp.NewMetricReader(ctx, config.otlpConfig())
		if err != nil {
			return err
		}
		readers = append(readers, reader)
	}

	if len(readers) == 0 {
		p.meterProvider = metricnoop.NewMeterProvider()
		return nil
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	p.meterProvider = mp
	p.shutdownFuncs = append(p.shutdownFuncs, mp.Shutdown)
	return nil
}

// TracerProvider returns the configured tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the configured meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the /metrics handler, or nil when Prometheus
// exposition is disabled.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Middleware returns an HTTP middleware recording the metrics and a server
// span of every request.
func (p *Provider) Middleware() func(http.Handler) http.Handler {
	return NewHTTPMiddleware(p.tracerProvider, p.meterProvider)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	for _, shutdown := range p.shutdownFuncs {
		if err := shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdownFuncs = nil
	return errors.Join(errs...)
}
