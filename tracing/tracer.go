package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

// Configured indicates whether tracing has been configured.
var Configured bool

// Config holds tracing configuration.
type Config struct {
	ServiceName string            `long:"service-name"  description:"service name to attach to traces" default:"playground"`
	OTLPAddress string            `long:"otlp-address"  description:"OTLP gRPC endpoint for trace export"`
	OTLPHeaders map[string]string `long:"otlp-header"   description:"headers to attach to OTLP trace requests"`
	OTLPUseTLS  bool              `long:"otlp-use-tls"  description:"use TLS for OTLP trace connection"`

	Sampling SamplingConfig `group:"Sampling" namespace:"trace"`
}

// Attrs is a convenient way of specifying span attributes.
type Attrs map[string]string

// Prepare configures the global TracerProvider from the Config. It is a
// no-op when no exporter address is set.
func (c Config) Prepare() error {
	if c.OTLPAddress == "" {
		return nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(c.OTLPAddress),
		otlptracegrpc.WithHeaders(c.OTLPHeaders),
	}
	if c.OTLPUseTLS {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	} else {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(serviceResource(c.ServiceName)),
		sdktrace.WithSampler(c.Sampler()),
		sdktrace.WithBatcher(exporter),
	)
	ConfigureTraceProvider(provider)

	return nil
}

// ConfigureTraceProvider sets the global TracerProvider used by StartSpan.
func ConfigureTraceProvider(tp trace.TracerProvider) {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	Configured = true
}

// StartSpan creates a span, giving back a context that has itself added as
// the parent span. Calls to this function with a context that has been
// generated from a previous call will make the resulting span a child of the
// span that preceded it.
func StartSpan(ctx context.Context, component string, attrs Attrs) (context.Context, trace.Span) {
	if !Configured {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := otel.Tracer("playground").Start(ctx, component)
	if len(attrs) != 0 {
		kvs := make([]attribute.KeyValue, 0, len(attrs))
		for key, value := range attrs {
			kvs = append(kvs, attribute.String(key, value))
		}
		span.SetAttributes(kvs...)
	}

	return ctx, span
}

// End ends a span, recording err on it first when non-nil.
func End(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	span.End()
}
