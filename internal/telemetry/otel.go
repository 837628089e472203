// Package telemetry installs the OpenTelemetry meter provider the pool and orchestrator
// instruments report through.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fushengyk/marketstream/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const serviceVersion = "1.0.0"

// Provider owns the installed meter provider. A Provider built without an endpoint is a no-op
// and the global otel meter stays the default noop implementation.
type Provider struct {
	mp *sdkmetric.MeterProvider
}

// Init exports metrics over OTLP/HTTP when cfg.OTLPEndpoint is set.
func Init(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	if strings.TrimSpace(cfg.OTLPEndpoint) == "" {
		return &Provider{}, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "marketstream"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
		resource.WithProcessRuntimeName(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint))}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)
	return &Provider{mp: mp}, nil
}

// Enabled reports whether metrics are exported.
func (p *Provider) Enabled() bool { return p.mp != nil }

// Shutdown flushes pending metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.mp == nil {
		return nil
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter: %w", err)
	}
	return nil
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}
