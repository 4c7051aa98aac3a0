package tracing

import (
	"go.opentelemetry.io/otel"
	codes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// tracerName is the default name used when acquiring a tracer instance.
// Consistent naming helps identify the source of spans.
const tracerName = "opx"

// GetTracer returns a named tracer instance from the globally configured
// OpenTelemetry provider. If no global provider is configured it returns a
// NoOp tracer, which safely discards all tracing data. Injecting the
// TracerProvider into components is generally preferred over this fallback.
func GetTracer() oteltrace.Tracer {
	return otel.Tracer(tracerName)
}

// RecordError records an error event on the span and marks the span status
// as Error. Does nothing if the error is nil or the span is not recording.
// Error messages never carry raw credential material: credential values are
// stringified through their redacting String method before they can reach an
// error path.
func RecordError(span oteltrace.Span, err error) {
	if err == nil || span == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err, oteltrace.WithStackTrace(true))
	span.SetStatus(codes.Error, err.Error())
}
