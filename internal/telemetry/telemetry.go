// Package telemetry holds dagstate's Prometheus metrics and OpenTelemetry
// tracing setup.
//
// Metrics are registered on the default Prometheus registry at package init
// and are always collected; Init only decides where spans go.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/dagstate/internal/ir"
)

// ErrUnknownExporter is returned by Init for an unsupported exporter name.
var ErrUnknownExporter = errors.New("unknown exporter")

// Config controls where spans are exported.
type Config struct {
	// ServiceName identifies this process in traces.
	ServiceName string `yaml:"service_name" json:"service_name"`

	// TraceExporter selects the trace exporter: "otlp", "stdout", or "none".
	TraceExporter string `yaml:"trace_exporter" json:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`

	// OTLPEndpoint is the OTLP gRPC receiver endpoint.
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool `yaml:"otlp_insecure" json:"otlp_insecure"`
}

// DefaultConfig disables span export.
func DefaultConfig() Config {
	return Config{
		ServiceName:   "dagstate",
		TraceExporter: "none",
		OTLPEndpoint:  "localhost:4317",
		OTLPInsecure:  true,
	}
}

// Init installs a global TracerProvider for cfg and returns its shutdown
// function. With TraceExporter "none" the no-op provider stays in place and
// shutdown does nothing.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if cfg.TraceExporter == "" || cfg.TraceExporter == "none" {
		return noop, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.TraceExporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", ir.EngineVersion),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(component string) trace.Tracer {
	return otel.Tracer("dagstate/" + component)
}

// MetricsHandler returns the HTTP handler for the /metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
