package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/portalsync/internal/errors"
)

func newJSONLogger(buf *bytes.Buffer, level Level) *Logger {
	return New(Config{Level: level, Format: FormatJSON, Output: buf, Component: "test"})
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	return rec
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf, LevelWarn)

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown", "key", "value")
	rec := decode(t, &buf)
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "value", rec["key"])
	assert.Equal(t, "test", rec["component"])
}

func TestLogger_WithError(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf, LevelDebug)

	err := fmt.Errorf("fetch: %w", errors.FromStatus(http.StatusNotFound, "portfolio missing"))
	logger.WithError(err).Error("request failed")

	rec := decode(t, &buf)
	assert.Equal(t, "portfolio missing", rec["error"])
	assert.Equal(t, "not_found", rec["error_kind"])
	assert.Equal(t, string(errors.ErrCodeNotFound), rec["error_code"])
	assert.EqualValues(t, 404, rec["status"])
}

func TestLogger_WithPlainError(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf, LevelDebug)

	logger.WithError(fmt.Errorf("boom")).Info("x")
	assert.Equal(t, "boom", decode(t, &buf)["error"])

	assert.Same(t, logger, logger.WithError(nil))
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf, LevelDebug)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	logger.WithContext(ctx).Info("x")
	assert.Equal(t, "req-1", decode(t, &buf)["request_id"])

	assert.Same(t, logger, logger.WithContext(context.Background()))
}

func TestParse(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
	assert.Equal(t, FormatJSON, ParseFormat("JSON"))
	assert.Equal(t, FormatText, ParseFormat("console"))
}

func TestDefaultLogger(t *testing.T) {
	original := defaultLogger
	defer func() { defaultLogger = original }()

	custom := Discard()
	SetDefaultLogger(custom)
	assert.Same(t, custom, DefaultLogger())
	assert.Same(t, custom, OrDefault(nil))

	other := Discard()
	assert.Same(t, other, OrDefault(other))
}
