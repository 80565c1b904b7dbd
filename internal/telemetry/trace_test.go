package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/felixgeelhaar/portalsync/internal/log"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	cfg := DefaultConfig()
	cfg.Enabled = true
	shutdown := Init(cfg, sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	return exporter
}

func TestStartRequestSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartRequestSpan(context.Background(), "GET", "/portfolios")
	RecordSuccess(span, attribute.Int("http.status_code", 200))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "request GET", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "/portfolios", attrs["http.route"].AsString())
	assert.EqualValues(t, 200, attrs["http.status_code"].AsInt64())
}

func TestRecordError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "refresh", "token_refresh")
	RecordError(span, errors.New("rejected"))
	RecordError(span, nil)
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "refresh.token_refresh", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "rejected", spans[0].Status.Description)
	assert.Len(t, spans[0].Events, 1)
}

func TestDisabledUsesNoop(t *testing.T) {
	shutdown := Init(DefaultConfig())
	defer func() { _ = shutdown(context.Background()) }()

	_, span := StartSpan(context.Background(), "cache", "fetch")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestLogExporter(t *testing.T) {
	var buf bytes.Buffer
	cfg := log.DiscardConfig()
	cfg.Output = &buf
	cfg.Level = log.LevelDebug
	cfg.Format = log.FormatJSON

	tcfg := DefaultConfig()
	tcfg.Enabled = true
	shutdown := Init(tcfg, sdktrace.WithSyncer(NewLogExporter(log.New(cfg))))
	defer func() { _ = shutdown(context.Background()) }()

	_, span := StartRequestSpan(context.Background(), "GET", "/portfolios")
	RecordSuccess(span)
	span.End()

	out := buf.String()
	assert.Contains(t, out, `"span":"request GET"`)
	assert.Contains(t, out, `"http.route":"/portfolios"`)
	assert.Contains(t, out, `"status":"Ok"`)
}
