package tracing

import (
	"context"
	"fmt"
	"os"

	"github.com/certcentral/certcentral/gologger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"go.opentelemetry.io/otel/sdk/resource"
)

var (
	// CertcentralTracer traces the certificate lifecycle engine
	CertcentralTracer = otel.Tracer("certcentral")

	Env_OTELEndpoint = os.Getenv("OTEL_ENDPOINT")
	Env_TraceStdout  = os.Getenv("TRACE_STDOUT") == "1"

	logger = gologger.NewLogger()
)

// InitTracer configures the global tracer provider. Spans are exported over
// OTLP gRPC when OTEL_ENDPOINT is set, to stdout when TRACE_STDOUT=1, and
// dropped otherwise. The returned func flushes and stops the provider.
func InitTracer(ctx context.Context) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	var err error
	switch {
	case Env_OTELEndpoint != "":
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(Env_OTELEndpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("error in otlptracegrpc.New: %w", err)
		}
	case Env_TraceStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("error in stdouttrace.New: %w", err)
		}
	default:
		logger.Debug().Msg("no trace exporter configured, spans will be dropped")
		return func(context.Context) error { return nil }, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "certcentral"))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
