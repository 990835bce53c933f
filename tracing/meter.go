package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc/credentials"

	playground "github.com/mellea-dev/playground"
)

// MetricsConfigured reports whether a global MeterProvider has been
// installed. The core/metric instruments stay dormant until it is.
var MetricsConfigured bool

// MetricsConfig is the metrics export surface of the playground core.
// Export is off unless an OTLP endpoint is set.
type MetricsConfig struct {
	ServiceName  string            `long:"service-name" default:"playground" description:"Service name attached to exported metrics."`
	OTLPAddress  string            `long:"otlp-address" description:"OTLP gRPC endpoint for metrics export. Empty disables export."`
	OTLPHeaders  map[string]string `long:"otlp-header" description:"Header to attach to OTLP metrics requests."`
	OTLPUseTLS   bool              `long:"otlp-use-tls" description:"Use TLS for the OTLP metrics connection."`
	EmitInterval time.Duration     `long:"emit-interval" default:"1m" description:"How often accumulated metrics are exported."`
}

// ConfigureMeterProvider installs mp as the global OTel MeterProvider and
// wakes the core/metric instruments.
func ConfigureMeterProvider(mp *sdkmetric.MeterProvider) {
	otel.SetMeterProvider(mp)
	MetricsConfigured = true
}

// MeterProvider builds the provider the config describes. It returns
// (nil, nil, nil) when export is disabled; otherwise the returned shutdown
// function flushes pending metrics and should be called on exit.
func (c MetricsConfig) MeterProvider() (*sdkmetric.MeterProvider, func(context.Context) error, error) {
	if c.OTLPAddress == "" {
		return nil, nil, nil
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(c.OTLPAddress),
		otlpmetricgrpc.WithHeaders(c.OTLPHeaders),
	}
	if c.OTLPUseTLS {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	} else {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, nil, err
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if c.EmitInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(c.EmitInterval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(serviceResource(c.ServiceName)),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
	)
	return mp, mp.Shutdown, nil
}

// serviceResource identifies this process on exported telemetry.
func serviceResource(serviceName string) *resource.Resource {
	if serviceName == "" {
		serviceName = "playground"
	}
	return resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", playground.Version),
	)
}
