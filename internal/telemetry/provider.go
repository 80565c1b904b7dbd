package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	globalProvider trace.TracerProvider = noop.NewTracerProvider()
	providerMu     sync.RWMutex
)

// GetTracerProvider returns the tracer provider used by all span helpers.
func GetTracerProvider() trace.TracerProvider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return globalProvider
}

// SetTracerProvider replaces the tracer provider. Passing nil restores the
// noop provider.
func SetTracerProvider(tp trace.TracerProvider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	globalProvider = tp
}

// Init installs an SDK tracer provider according to cfg. Additional options,
// typically span processors wrapping an exporter, are passed through. The
// returned function flushes and shuts the provider down.
func Init(cfg Config, opts ...sdktrace.TracerProviderOption) func(context.Context) error {
	if !cfg.Enabled {
		SetTracerProvider(nil)
		return func(context.Context) error { return nil }
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	base := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	tp := sdktrace.NewTracerProvider(append(base, opts...)...)
	SetTracerProvider(tp)

	return func(ctx context.Context) error {
		SetTracerProvider(nil)
		return tp.Shutdown(ctx)
	}
}
