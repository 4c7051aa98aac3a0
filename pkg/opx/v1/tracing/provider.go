package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TracerProvider defines the interface for accessing the engine's tracer
// provider, so embedders can integrate OPX tracing with an existing
// OpenTelemetry setup or provide a custom implementation.
type TracerProvider interface {
	// GetTracer returns a Tracer instance with the specified name and options.
	GetTracer(name string, opts ...trace.TracerOption) trace.Tracer

	// Shutdown gracefully shuts down the provider, flushing buffered spans.
	// Implementations should tolerate shutdown not being applicable (NoOp).
	Shutdown(ctx context.Context) error
}
