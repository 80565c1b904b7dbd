package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartRequestSpan creates a span for one gateway call.
//
// Usage:
//
//	ctx, span := telemetry.StartRequestSpan(ctx, http.MethodGet, "/portfolios")
//	defer span.End()
func StartRequestSpan(ctx context.Context, method, path string) (context.Context, trace.Span) {
	tracer := GetTracerProvider().Tracer("gateway")
	ctx, span := tracer.Start(ctx, "request "+method, trace.WithSpanKind(trace.SpanKindClient))

	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", path),
		attribute.String("component", "gateway"),
	)

	return ctx, span
}

// StartSpan creates an internal span for a named operation of a component,
// e.g. StartSpan(ctx, "refresh", "token_refresh").
func StartSpan(ctx context.Context, component, operation string) (context.Context, trace.Span) {
	tracer := GetTracerProvider().Tracer(component)
	ctx, span := tracer.Start(ctx, component+"."+operation)
	span.SetAttributes(attribute.String("component", component))
	return ctx, span
}

// RecordSuccess marks a span as successful with optional result attributes.
func RecordSuccess(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Ok, "")
}

// RecordError records an error in a span and sets error status.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
