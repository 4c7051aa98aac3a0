package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	// Import public error types used for structural logging
	opxerrors "github.com/opx-labs/opx/pkg/opx/v1/errors"
	// Import the public logger interface it implements
	opxlog "github.com/opx-labs/opx/pkg/opx/v1/log"
	// Import OpenTelemetry trace package for context handling
	"go.opentelemetry.io/otel/trace"
)

// Default log level if not specified or invalid.
const defaultLevel = slog.LevelInfo

// parseLogLevel converts common log level strings (case-insensitive) to slog.Level values.
func parseLogLevel(levelStr string) slog.Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return defaultLevel
	}
}

// defaultLogger implements the public opxlog.Logger interface
// using the standard Go slog library.
type defaultLogger struct {
	// Embed the slog.Logger to directly expose its methods like Log, LogAttrs.
	*slog.Logger
}

// Compile-time check to ensure defaultLogger implements the public Logger interface.
var _ opxlog.Logger = (*defaultLogger)(nil)

// NewLogger creates a new Logger instance configured with the specified level,
// output format ("text" or "json"), and writer (defaults to os.Stderr).
// It returns an instance satisfying the public opxlog.Logger interface.
func NewLogger(levelStr string, formatStr string, writer io.Writer) opxlog.Logger {
	level := parseLogLevel(levelStr)
	if writer == nil {
		writer = os.Stderr
	}

	// Configure handler options: set level and custom attribute replacer.
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelAttribute,
	}

	// Select the base slog handler based on the requested format.
	var baseHandler slog.Handler
	switch strings.ToLower(formatStr) {
	case "json":
		baseHandler = slog.NewJSONHandler(writer, opts)
	case "text":
		fallthrough
	default: // Default to text format if formatStr is invalid or empty.
		baseHandler = slog.NewTextHandler(writer, opts)
	}

	// Wrap the base handler with the OtelHandler to inject trace/span IDs.
	otelHandler := NewOtelHandler(baseHandler)

	return &defaultLogger{
		Logger: slog.New(otelHandler),
	}
}

// Mapping from slog levels to desired uppercase string representation in logs.
var levelStringMap = map[slog.Level]string{
	slog.LevelDebug: "DEBUG",
	slog.LevelInfo:  "INFO",
	slog.LevelWarn:  "WARN",
	slog.LevelError: "ERROR",
}

// replaceLevelAttribute is used in HandlerOptions to customize the output
// of the standard slog level attribute to be an uppercase string (e.g., "INFO").
func replaceLevelAttribute(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if !ok {
			return a
		}
		levelStr, exists := levelStringMap[level]
		if !exists {
			levelStr = level.String()
		}
		a.Value = slog.StringValue(levelStr)
	}
	return a
}

// NewDefaultLogger provides a basic text logger instance writing to Stderr at Info level.
// Useful for simple cases or when configuration is unavailable.
func NewDefaultLogger(levelStr string) opxlog.Logger {
	return NewLogger(levelStr, "text", os.Stderr)
}

// Debugf logs a formatted message at the DEBUG level.
// Implements the opxlog.Logger interface.
func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	if l.Logger.Enabled(context.Background(), slog.LevelDebug) {
		msg := fmt.Sprintf(format, args...)
		l.Logger.Log(context.Background(), slog.LevelDebug, msg)
	}
}

// Infof logs a formatted message at the INFO level.
// Implements the opxlog.Logger interface.
func (l *defaultLogger) Infof(format string, args ...interface{}) {
	if l.Logger.Enabled(context.Background(), slog.LevelInfo) {
		msg := fmt.Sprintf(format, args...)
		l.Logger.Log(context.Background(), slog.LevelInfo, msg)
	}
}

// Warnf logs a formatted message at the WARN level.
// Implements the opxlog.Logger interface.
func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	if l.Logger.Enabled(context.Background(), slog.LevelWarn) {
		msg := fmt.Sprintf(format, args...)
		l.Logger.Log(context.Background(), slog.LevelWarn, msg)
	}
}

// Errorf logs a formatted message at the ERROR level.
// It checks if the last argument is an error and attempts to log structured
// details if it's a known OPX error type (like StepExecutionError).
// Implements the opxlog.Logger interface.
func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	if l.Logger.Enabled(context.Background(), slog.LevelError) {
		msg := fmt.Sprintf(format, args...)
		l.logHelper(context.Background(), slog.LevelError, msg, args...)
	}
}

// logHelper is an internal helper to add structured error details to log entries.
// It checks the last argument for an error type and adds specific attributes for
// known OPX error types, otherwise logs the standard error string.
func (l *defaultLogger) logHelper(ctx context.Context, level slog.Level, msg string, args ...interface{}) {
	logArgs := []any{}
	processedArgs := args

	// Check if the last argument is an error.
	if len(args) > 0 {
		lastArg := args[len(args)-1]
		if err, ok := lastArg.(error); ok {
			// Last arg is an error, remove it from main args for Sprintf style message.
			processedArgs = args[:len(args)-1]
			var sxe *opxerrors.StepExecutionError
			var re *opxerrors.ResolutionError
			switch {
			case errors.As(err, &sxe):
				logArgs = append(logArgs, slog.String("error_type", "StepExecutionError"))
				if sxe.StepID != "" {
					logArgs = append(logArgs, slog.String("step_id", sxe.StepID))
				}
				if sxe.Cause != nil {
					logArgs = append(logArgs, slog.String("error", sxe.Cause.Error()))
				} else {
					logArgs = append(logArgs, slog.String("error", sxe.Error()))
				}
			case errors.As(err, &re):
				logArgs = append(logArgs, slog.String("error_type", "ResolutionError"))
				logArgs = append(logArgs, slog.String("namespace", re.Namespace))
				logArgs = append(logArgs, slog.String("key", re.Key))
				logArgs = append(logArgs, slog.String("error", re.Error()))
			default:
				logArgs = append(logArgs, slog.String("error", err.Error()))
			}
		}
	}
	finalArgs := append(processedArgs, logArgs...)
	l.Logger.Log(ctx, level, msg, finalArgs...)
}

// Log logs a message at the specified level with explicit key-value pairs.
// Implements the opxlog.Logger interface.
func (l *defaultLogger) Log(level slog.Level, msg string, args ...interface{}) {
	l.Logger.Log(context.Background(), level, msg, args...)
}

// LogCtx logs a message at the specified level, potentially including
// trace/span IDs from the context via the OtelHandler.
// Implements the opxlog.Logger interface.
func (l *defaultLogger) LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{}) {
	l.Logger.Log(ctx, level, msg, args...)
}

// With returns a new Logger instance with added attributes.
// Implements the opxlog.Logger interface.
func (l *defaultLogger) With(args ...interface{}) opxlog.Logger {
	newSlogger := l.Logger.With(args...)
	return &defaultLogger{Logger: newSlogger}
}

// IsEnabled checks if logging is enabled for the specified level.
// Implements the opxlog.Logger interface.
func (l *defaultLogger) IsEnabled(level slog.Level) bool {
	return l.Logger.Enabled(context.Background(), level)
}

// --- OtelHandler for Trace/Span ID Injection ---

// OtelHandler is a slog.Handler middleware that automatically injects
// OpenTelemetry trace_id and span_id attributes into log records if a valid
// span context exists in the logging context.
type OtelHandler struct {
	// next is the underlying slog.Handler that this handler wraps.
	next slog.Handler
}

// NewOtelHandler creates a new OtelHandler wrapping the provided handler.
func NewOtelHandler(next slog.Handler) *OtelHandler {
	return &OtelHandler{next: next}
}

// Enabled forwards the check to the wrapped handler.
func (h *OtelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle processes the log record. It extracts span context from the context.Context,
// adds trace_id and span_id attributes if available, and then forwards the
// modified record to the wrapped handler.
func (h *OtelHandler) Handle(ctx context.Context, record slog.Record) error {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		record.AddAttrs(
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)
	}
	return h.next.Handle(ctx, record)
}

// WithAttrs returns a new OtelHandler wrapping the result of calling WithAttrs
// on the next handler.
func (h *OtelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewOtelHandler(h.next.WithAttrs(attrs))
}

// WithGroup returns a new OtelHandler wrapping the result of calling WithGroup
// on the next handler.
func (h *OtelHandler) WithGroup(name string) slog.Handler {
	return NewOtelHandler(h.next.WithGroup(name))
}
