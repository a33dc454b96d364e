// Package telemetry wires the OpenTelemetry trace pipeline.
//
// Tracing is opt-in: when disabled the global tracer provider stays the
// no-op default and instrumented code pays only the nil-span cost.
// Export goes over OTLP/HTTP to the configured collector endpoint.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/codeready-toolchain/warden/pkg/config"
	"github.com/codeready-toolchain/warden/pkg/version"
)

// sampleRateEnv is the canonical environment variable for the trace
// sampling ratio (0.0 to 1.0). sampleRateEnvAlias is accepted for
// compatibility with older deployments.
const (
	sampleRateEnv      = "OTEL_TRACES_SAMPLE_RATE"
	sampleRateEnvAlias = "OTEL_SAMPLE_RATE"
)

// Init configures the global tracer provider from cfg and returns a
// shutdown function that flushes buffered spans. When telemetry is
// disabled the returned shutdown is a no-op.
func Init(ctx context.Context, cfg *config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version.GitCommit),
		),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFromEnv()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// samplerFromEnv reads the sampling ratio from OTEL_TRACES_SAMPLE_RATE
// (falling back to OTEL_SAMPLE_RATE). Missing or unparseable values
// sample everything; child spans always follow their parent's decision.
func samplerFromEnv() sdktrace.Sampler {
	raw := os.Getenv(sampleRateEnv)
	if raw == "" {
		raw = os.Getenv(sampleRateEnvAlias)
	}
	if raw == "" {
		return sdktrace.AlwaysSample()
	}
	ratio, err := strconv.ParseFloat(raw, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
