/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the MarketLab
// control plane.
//
// Custom span attributes use the `marketlab.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "marketlab/worker"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint, service, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartCommandSpan creates the parent span for one command execution.
func StartCommandSpan(ctx context.Context, cmd, cmdID, source string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "bus.command",
		trace.WithAttributes(
			attribute.String("marketlab.cmd", cmd),
			attribute.String("marketlab.cmd_id", cmdID),
			attribute.String("marketlab.source", source),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartApprovalSpan creates a child span for a dual-control offer.
func StartApprovalSpan(ctx context.Context, cmd, identity string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "approval.offer",
		trace.WithAttributes(
			attribute.String("marketlab.cmd", cmd),
			attribute.String("marketlab.identity", identity),
		),
	)
}

// EndCommandSpan enriches the command span with its outcome.
func EndCommandSpan(span trace.Span, status string, breakerTripped bool) {
	span.SetAttributes(
		attribute.String("marketlab.status", status),
		attribute.Bool("marketlab.breaker_tripped", breakerTripped),
	)
	span.End()
}
