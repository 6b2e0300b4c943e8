package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	usageRecorded  metric.Int64Counter
	windowChecks   metric.Int64Counter
	cacheFallbacks metric.Int64Counter
	creditTxns     metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "usagegate"
	}
	meter := provider.Meter(name)

	usageRecorded, err := meter.Int64Counter("usagegate_usage_recorded_total")
	if err != nil {
		return nil, err
	}
	windowChecks, err := meter.Int64Counter("usagegate_window_checks_total")
	if err != nil {
		return nil, err
	}
	cacheFallbacks, err := meter.Int64Counter("usagegate_cache_fallbacks_total")
	if err != nil {
		return nil, err
	}
	creditTxns, err := meter.Int64Counter("usagegate_credit_transactions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageRecorded:  usageRecorded,
		windowChecks:   windowChecks,
		cacheFallbacks: cacheFallbacks,
		creditTxns:     creditTxns,
	}, nil
}

// RecordUsage increments recorded cost event counts.
func (m *Metrics) RecordUsage(ctx context.Context) {
	if m == nil {
		return
	}
	m.usageRecorded.Add(ctx, 1)
}

// RecordWindowCheck increments limit check counts by outcome.
func (m *Metrics) RecordWindowCheck(ctx context.Context, allowed bool, windowType string) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "blocked"
	}
	attrs := []attribute.KeyValue{attribute.String("result", result)}
	if windowType = strings.TrimSpace(windowType); windowType != "" {
		attrs = append(attrs, attribute.String("window_type", windowType))
	}
	m.windowChecks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheFallback increments volatile-store fallback counts.
func (m *Metrics) RecordCacheFallback(ctx context.Context, windowType, op string) {
	if m == nil {
		return
	}
	m.cacheFallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("window_type", strings.TrimSpace(windowType)),
		attribute.String("op", strings.TrimSpace(op)),
	))
}

// RecordCreditTransaction increments ledger transaction counts by type.
func (m *Metrics) RecordCreditTransaction(ctx context.Context, txnType string) {
	if m == nil {
		return
	}
	m.creditTxns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transaction_type", strings.TrimSpace(txnType)),
	))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}
