// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/stack-auth/stack-sub005/pkg/logger"
)

const (
	// instrumentationName is the name of this instrumentation package.
	instrumentationName = "github.com/stack-auth/stack-sub005/pkg/telemetry"

	// unmatchedRoute labels requests that matched no route, keeping the
	// metric cardinality bounded.
	unmatchedRoute = "unmatched"
)

// RequestDurationBuckets are the histogram boundaries of request durations.
var RequestDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

type httpMiddleware struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// NewHTTPMiddleware creates the request instrumentation. Install it with
// chi's Use on the root router so that requests are labelled with their
// route pattern instead of their path.
func NewHTTPMiddleware(tracerProvider trace.TracerProvider, meterProvider metric.MeterProvider) func(http.Handler) http.Handler {
	meter := meterProvider.Meter(instrumentationName)

	requestCounter, err := meter.Int64Counter(
		"stackauth_http_requests", // The exporter adds the _total suffix
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		logger.Warnw("failed to create request counter", "error", err)
	}

	requestDuration, err := meter.Float64Histogram(
		"stackauth_http_request_duration", // The exporter adds the _seconds suffix
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(RequestDurationBuckets...),
	)
	if err != nil {
		logger.Warnw("failed to create request duration histogram", "error", err)
	}

	m := &httpMiddleware{
		tracer:          tracerProvider.Tracer(instrumentationName),
		propagator:      otel.GetTextMapPropagator(),
		requestCounter:  requestCounter,
		requestDuration: requestDuration,
	}
	return m.handler
}

func (m *httpMiddleware) handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := m.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := m.tracer.Start(ctx, r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPMethod(r.Method),
				semconv.URLScheme(scheme(r)),
				semconv.UserAgentOriginal(r.UserAgent()),
			),
		)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)

		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			semconv.HTTPRoute(route),
			semconv.HTTPStatusCode(status),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", route),
			attribute.String("status_code", strconv.Itoa(status)),
		)
		if m.requestCounter != nil {
			m.requestCounter.Add(ctx, 1, attrs)
		}
		if m.requestDuration != nil {
			m.requestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
	})
}

// routePattern returns the chi route pattern the request matched.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return unmatchedRoute
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
