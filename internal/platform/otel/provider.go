// Package otel configures tracing for sheetsync processes.
package otel

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/louisbranch/sheetsync/internal/platform/config"
)

type settings struct {
	Endpoint string `env:"SHEETSYNC_OTEL_ENDPOINT"`
	// Enabled only disables tracing when set to "false".
	Enabled     string  `env:"SHEETSYNC_OTEL_ENABLED"`
	SampleRatio float64 `env:"SHEETSYNC_OTEL_SAMPLE_RATIO" envDefault:"1"`
}

// Setup registers a global tracer provider exporting to
// SHEETSYNC_OTEL_ENDPOINT over OTLP/HTTP.
//
// Tracing is opt-in: without an endpoint, or with SHEETSYNC_OTEL_ENABLED set
// to "false", Setup returns a no-op shutdown and leaves the global no-op
// provider in place. Root spans are sampled at SHEETSYNC_OTEL_SAMPLE_RATIO.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	var s settings
	if err := config.ParseEnv(&s); err != nil {
		return noop, err
	}
	if strings.EqualFold(s.Enabled, "false") || s.Endpoint == "" {
		return noop, nil
	}
	if s.SampleRatio < 0 || s.SampleRatio > 1 {
		return noop, fmt.Errorf("otel sample ratio %v is outside [0, 1]", s.SampleRatio)
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(s.Endpoint))
	if err != nil {
		return noop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
