// Package observability wires OpenTelemetry tracing into genkit's tracer
// provider. Spans are exported over OTLP HTTP to a local collector, which
// handles authentication and forwarding to the backend.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config for trace export.
type Config struct {
	// Endpoint is the collector's OTLP HTTP endpoint, host:port.
	Endpoint string
	// Environment is the deployment environment (dev, staging, prod).
	Environment string
	// ServiceName is the service name shown in the tracing backend.
	ServiceName string
}

// DefaultEndpoint is the conventional local OTLP HTTP collector endpoint.
const DefaultEndpoint = "localhost:4318"

// Setup registers an OTLP exporter with genkit's TracerProvider so model
// calls, tool dispatches and turn flows share one trace pipeline.
//
// Returns a shutdown function that flushes pending spans. Exporter creation
// failure disables tracing instead of failing startup.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (shutdown func(context.Context) error, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	// Genkit's TracerProvider reads service identity from the environment.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("creating trace exporter failed, tracing disabled", "error", err)
		return func(context.Context) error { return nil }, nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("tracing enabled",
		"endpoint", endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)
	return tracing.TracerProvider().Shutdown, nil
}
