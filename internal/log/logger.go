package log

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"

	"github.com/felixgeelhaar/portalsync/internal/errors"
)

type requestIDKey struct{}

// ContextWithRequestID returns a context carrying the request correlation id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom extracts the request correlation id, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Logger provides structured logging with slog
type Logger struct {
	slog   *slog.Logger
	config Config
}

// New creates a new Logger with the given configuration
func New(config Config) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     config.Level.slogLevel(),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == FormatJSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	l := slog.New(handler)
	if config.Component != "" {
		l = l.With("component", config.Component)
	}

	return &Logger{slog: l, config: config}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return New(DiscardConfig())
}

// With returns a new Logger with the given attributes added to all log entries
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:   l.slog.With(args...),
		config: l.config,
	}
}

// Named returns a logger scoped to a sub-component
func (l *Logger) Named(component string) *Logger {
	return l.With("subsystem", component)
}

// WithError adds error details to the logger.
// Classified errors contribute their kind, code and HTTP status.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}

	var pe *errors.PortalError
	if stderrors.As(err, &pe) {
		args := []any{
			"error", pe.Message,
			"error_kind", pe.Kind.String(),
			"error_code", string(pe.Code),
		}
		if pe.StatusCode != 0 {
			args = append(args, "status", pe.StatusCode)
		}
		if pe.Cause != nil {
			args = append(args, "cause", pe.Cause.Error())
		}
		return l.With(args...)
	}

	return l.With("error", err.Error())
}

// WithContext returns a new Logger carrying the request id from ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RequestIDFrom(ctx); id != "" {
		return l.With("request_id", id)
	}
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...any) {
	l.slog.Debug(msg, args...)
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...any) {
	l.slog.Info(msg, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...any) {
	l.slog.Warn(msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...any) {
	l.slog.Error(msg, args...)
}

// Enabled returns whether the logger is enabled for the given level
func (l *Logger) Enabled(ctx context.Context, level Level) bool {
	return l.slog.Enabled(ctx, level.slogLevel())
}

// Config returns the logger configuration
func (l *Logger) Config() Config {
	return l.config
}
