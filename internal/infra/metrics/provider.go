package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// ProviderConfig selects the OTel metric sink: "stdout" for local
// development, "otlp" to push to a collector endpoint in production
// (zkoranges-go-claw's dual-exporter pattern).
type ProviderConfig struct {
	Exporter    string // "stdout" | "otlp" | "none"
	Endpoint    string
	ServiceName string
}

// Provider wraps the SDK meter provider with cleanup.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Meter         metric.Meter
}

// NewProvider constructs the meter provider per cfg.Exporter.
func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "telegram-ingest-fabric"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("metrics: resource: %w", err)
	}

	var reader sdkmetric.Reader
	switch cfg.Exporter {
	case "otlp":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("metrics: otlp exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(flushInterval))
	case "none":
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return &Provider{MeterProvider: mp, Meter: mp.Meter("userbot")}, nil
	default: // "stdout"
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("metrics: stdout exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(flushInterval))
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	return &Provider{MeterProvider: mp, Meter: mp.Meter("userbot")}, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	return p.MeterProvider.Shutdown(ctx)
}
