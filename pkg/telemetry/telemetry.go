// Package telemetry wires the OpenTelemetry trace provider.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/Affilience/genpipe/internal/build"
)

type tracerConfig struct {
	endpoint      string
	serviceName   string
	samplingRatio float64
}

type TracerOption func(c *tracerConfig)

// WithOTLPEndpoint sets the host:port the OTLP gRPC exporter ships spans to.
func WithOTLPEndpoint(endpoint string) TracerOption {
	return func(c *tracerConfig) { c.endpoint = endpoint }
}

func WithServiceName(serviceName string) TracerOption {
	return func(c *tracerConfig) { c.serviceName = serviceName }
}

func WithSamplingRatio(samplingRatio float64) TracerOption {
	return func(c *tracerConfig) { c.samplingRatio = samplingRatio }
}

// MustNewTracerProvider builds the trace provider, installs it as the global
// provider, and installs the W3C propagators. It panics when the exporter
// connection cannot be established within the dial timeout.
func MustNewTracerProvider(opts ...TracerOption) *sdktrace.TracerProvider {
	var cfg tracerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceNameKey.String(cfg.serviceName),
			semconv.ServiceVersionKey.String(build.Version),
		))
	if err != nil {
		panic(err)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(dialCtx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(cfg.endpoint),
		otlptracegrpc.WithDialOption(grpc.WithBlock()),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to establish a connection with the otlp exporter: %v", err))
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.samplingRatio)),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetTracerProvider(provider)

	return provider
}

// TraceError records err on the span and marks the span failed.
func TraceError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
