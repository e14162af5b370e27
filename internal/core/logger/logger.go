package logger

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

var (
	defaultLogger *slog.Logger
	level         = new(slog.LevelVar)
)

// Init initializes the global structured logger
func Init(lvl slog.Level, format string) {
	var handler slog.Handler

	level.Set(lvl)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	}

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// SetLevel changes the level of the global logger without rebuilding it
func SetLevel(lvl slog.Level) {
	level.Set(lvl)
}

// Get returns the default logger
func Get() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, "text")
	}
	return defaultLogger
}

type ctxKey string

const (
	DeviceIDKey  ctxKey = "device_uuid"
	MessageIDKey ctxKey = "message_id"
)

// WithContext returns a logger with context values. The trace and span ids
// come from the active span, if any.
func WithContext(ctx context.Context) *slog.Logger {
	logger := Get()

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		logger = logger.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	if deviceID, ok := ctx.Value(DeviceIDKey).(string); ok {
		logger = logger.With("device_uuid", deviceID)
	}
	if msgID, ok := ctx.Value(MessageIDKey).(string); ok {
		logger = logger.With("message_id", msgID)
	}

	return logger
}

// Info logs at Info level
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Error logs at Error level
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// Warn logs at Warn level
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Debug logs at Debug level
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// InfoContext logs at Info level with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs at Error level with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs at Warn level with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// DebugContext logs at Debug level with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
