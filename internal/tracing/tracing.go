// Package tracing wires OpenTelemetry with an OTLP gRPC exporter and offers
// span helpers for the workflow pipeline.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultServiceName = "loom"

var tracerName = defaultServiceName

// tracer resolves against the current global provider on every call, so spans
// follow provider swaps (Init in production, recorders in tests).
func tracer() oteltrace.Tracer { return otel.Tracer(tracerName) }

// Config holds tracing configuration.
type Config struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// Init installs the global tracer provider and returns a shutdown function
// that flushes buffered spans. With tracing disabled the span helpers still
// work; they produce no-op spans.
func Init(ctx context.Context, cfg Config, logger *zap.Logger) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	tracerName = cfg.ServiceName

	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("service", cfg.ServiceName))
	return tp.Shutdown, nil
}

// StartSpan creates a span with the given name.
func StartSpan(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	return tracer().Start(ctx, name)
}

// StartWorkflowSpan creates the root span for a workflow run.
func StartWorkflowSpan(ctx context.Context, workflowID string, taskCount int) (context.Context, oteltrace.Span) {
	ctx, span := tracer().Start(ctx, "workflow.run")
	span.SetAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.Int("workflow.tasks", taskCount),
	)
	return ctx, span
}

// StartTaskSpan creates a span for one task execution.
func StartTaskSpan(ctx context.Context, workflowID, taskName string) (context.Context, oteltrace.Span) {
	ctx, span := tracer().Start(ctx, "task.execute")
	span.SetAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("task.name", taskName),
	)
	return ctx, span
}

// StartLLMSpan creates a span for one provider round trip.
func StartLLMSpan(ctx context.Context, provider string) (context.Context, oteltrace.Span) {
	ctx, span := tracer().Start(ctx, "llm.complete")
	span.SetAttributes(attribute.String("llm.provider", provider))
	return ctx, span
}

// StartToolSpan creates a span for one tool invocation.
func StartToolSpan(ctx context.Context, toolName string) (context.Context, oteltrace.Span) {
	ctx, span := tracer().Start(ctx, "tool.run")
	span.SetAttributes(attribute.String("tool.name", toolName))
	return ctx, span
}
