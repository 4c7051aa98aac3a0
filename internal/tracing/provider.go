package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	// Import the public TracerProvider interface definition it implements.
	opxtracing "github.com/opx-labs/opx/pkg/opx/v1/tracing"

	// Import necessary OpenTelemetry packages for implementation details.
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding/gzip"
)

// defaultCollectorEndpoint specifies the default OTLP gRPC endpoint if not provided via environment variables.
const defaultCollectorEndpoint = "localhost:4317"

// OtelTracerProvider implements the public opxtracing.TracerProvider interface
// using the OpenTelemetry SDK for actual tracing or the official NoOp provider
// if tracing is disabled or configuration fails.
type OtelTracerProvider struct {
	// provider holds either an SDK provider or the NoOp provider.
	provider trace.TracerProvider
	// exporter holds the configured OTLP exporter (gRPC or HTTP) if SDK tracing is enabled. Needed for Shutdown.
	exporter sdktrace.SpanExporter
	// sdkProvider holds the concrete SDK provider when tracing is enabled; nil when NoOp.
	sdkProvider *sdktrace.TracerProvider
}

var _ opxtracing.TracerProvider = (*OtelTracerProvider)(nil)

// NewNoOpProvider creates a TracerProvider instance that performs no tracing operations.
func NewNoOpProvider() (*OtelTracerProvider, error) {
	noopTP := trace.NewNoopTracerProvider()
	return &OtelTracerProvider{
		provider:    noopTP,
		exporter:    nil,
		sdkProvider: nil,
	}, nil
}

// NewProviderFromEnv creates an OtelTracerProvider configured using standard
// OpenTelemetry environment variables (OTEL_*).
// If tracing is disabled (OTEL_SDK_DISABLED=true) or essential configuration
// (like endpoint) is missing or invalid, it falls back to using a NoOp provider.
// This function does *not* set the global OTel provider.
func NewProviderFromEnv(ctx context.Context) (*OtelTracerProvider, error) {
	if strings.ToLower(os.Getenv("OTEL_SDK_DISABLED")) == "true" {
		return NewNoOpProvider()
	}

	// Attach service/host metadata to exported spans.
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceNameKey.String(otelServiceName())),
		resource.WithProcess(), resource.WithOS(), resource.WithContainer(), resource.WithHost(),
	)
	if err != nil {
		res = resource.Default()
		fmt.Fprintf(os.Stderr, "Warning: Failed to create OTel resource: %v. Using default.\n", err)
	}

	exporter, err := createExporter(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to create OTLP exporter from environment: %v. Using NoOp tracer.\n", err)
		return NewNoOpProvider()
	}
	// No endpoint configured means no exporter; stay NoOp.
	if exporter == nil {
		return NewNoOpProvider()
	}

	bsp := sdktrace.NewBatchSpanProcessor(exporter)
	sdkTP := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
	)

	return &OtelTracerProvider{
		provider:    sdkTP,
		exporter:    exporter,
		sdkProvider: sdkTP,
	}, nil
}

// createExporter determines the OTLP protocol (gRPC or HTTP) and endpoint from
// environment variables and creates the corresponding span exporter instance.
// Returns nil if no endpoint is configured, or an error for invalid configurations.
func createExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	protocol := strings.ToLower(os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"))
	if protocol == "" {
		protocol = "grpc"
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		switch protocol {
		case "grpc":
			endpoint = defaultCollectorEndpoint
		case "http", "http/protobuf":
			endpoint = "localhost:4318"
		default:
			return nil, nil
		}
	}

	headers := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	timeout := parseTimeout(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT"), 10*time.Second)
	compression := os.Getenv("OTEL_EXPORTER_OTLP_COMPRESSION")
	insecure := isInsecure(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"), os.Getenv("OTEL_EXPORTER_OTLP_TRACES_INSECURE"))

	switch protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithHeaders(headers),
			otlptracegrpc.WithTimeout(timeout),
		}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
		}
		if strings.ToLower(compression) == "gzip" {
			opts = append(opts, otlptracegrpc.WithCompressor(gzip.Name))
		}
		return otlptracegrpc.New(ctx, opts...)

	case "http", "http/protobuf":
		httpPath := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")
		if httpPath == "" {
			httpPath = "/v1/traces"
		}
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithURLPath(httpPath),
			otlptracehttp.WithHeaders(headers),
			otlptracehttp.WithTimeout(timeout),
		}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if strings.ToLower(compression) == "gzip" {
			opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
		}
		return otlptracehttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s", protocol)
	}
}

// GetTracer returns a named tracer instance using the stored OpenTelemetry provider.
// It returns either an SDK tracer or a NoOp tracer depending on initialization.
func (p *OtelTracerProvider) GetTracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if p.provider == nil {
		return trace.NewNoopTracerProvider().Tracer(name, opts...)
	}
	return p.provider.Tracer(name, opts...)
}

// Shutdown gracefully stops the underlying SDK TracerProvider and its associated
// exporter, ensuring buffered spans are flushed before exiting. It respects the
// provided context's deadline and is a no-op for the NoOp provider.
func (p *OtelTracerProvider) Shutdown(ctx context.Context) error {
	var firstError error

	if p.sdkProvider != nil {
		if err := p.sdkProvider.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error shutting down OTel tracer provider: %v\n", err)
			firstError = err
		}
	}

	if p.exporter != nil {
		if expErr := p.exporter.Shutdown(ctx); expErr != nil {
			fmt.Fprintf(os.Stderr, "Error shutting down OTel exporter: %v\n", expErr)
			if firstError == nil {
				firstError = expErr
			}
		}
	}

	return firstError
}

// IsEffectivelyNoOp checks if this provider instance is configured to be NoOp.
// Used by the engine to skip span creation entirely.
func (p *OtelTracerProvider) IsEffectivelyNoOp() bool {
	return p.sdkProvider == nil
}

// otelServiceName determines the service name, prioritizing OTEL_SERVICE_NAME env var.
func otelServiceName() string {
	name := os.Getenv("OTEL_SERVICE_NAME")
	if name == "" {
		name = "opx"
	}
	return name
}

// parseHeaders converts a comma-separated key=value string (from OTLP env vars) into a map.
func parseHeaders(headerStr string) map[string]string {
	headers := make(map[string]string)
	if headerStr == "" {
		return headers
	}
	pairs := strings.Split(headerStr, ",")
	for _, pair := range pairs {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) == 2 {
			key := strings.TrimSpace(kv[0])
			value := strings.TrimSpace(kv[1])
			if key != "" {
				headers[key] = value
			}
		}
	}
	return headers
}

// parseTimeout interprets an OTLP timeout value in milliseconds, falling back
// to the provided default when unset or invalid.
func parseTimeout(timeoutStr string, def time.Duration) time.Duration {
	if timeoutStr == "" {
		return def
	}
	ms, err := strconv.Atoi(timeoutStr)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// isInsecure reports whether either the generic or traces-specific insecure
// flag is set to a truthy value.
func isInsecure(values ...string) bool {
	for _, v := range values {
		if strings.ToLower(strings.TrimSpace(v)) == "true" {
			return true
		}
	}
	return false
}
