package observability

import (
	"github.com/usagegate/usagegate/internal/config"
	"github.com/usagegate/usagegate/internal/observability/metrics"
	"go.uber.org/fx"
)

// Module wires the metrics provider and instruments.
var Module = fx.Module("observability",
	fx.Provide(
		provideMetricsConfig,
		metrics.NewProvider,
		metrics.New,
	),
)

func provideMetricsConfig(cfg config.Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.OtelEnabled,
		ExporterEndpoint: cfg.OTLPEndpoint,
		ExporterProtocol: cfg.OTLPProtocol,
		ServiceName:      cfg.AppName,
	}
}
