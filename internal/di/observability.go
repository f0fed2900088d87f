package di

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/config"
	"github.com/jrjohn/engage-cloud-go/internal/observability"
	"github.com/jrjohn/engage-cloud-go/internal/resilience"
)

// ObservabilityModule provides the metrics registry, tracing and the
// provider circuit breakers
var ObservabilityModule = fx.Module("observability",
	fx.Provide(
		provideMetricsProvider,
		provideTracingProvider,
		provideCircuitBreakers,
	),
)

func provideMetricsProvider(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*observability.MetricsProvider, error) {
	metricsCfg := cfg.Metrics
	if metricsCfg.ServiceName == "" {
		metricsCfg.ServiceName = cfg.App.Name
	}
	mp, err := observability.NewMetricsProvider(&metricsCfg, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mp.Shutdown(ctx)
		},
	})
	return mp, nil
}

func provideTracingProvider(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*observability.TracingProvider, error) {
	tracingCfg := cfg.Tracing
	if tracingCfg.ServiceVersion == "" {
		tracingCfg.ServiceVersion = cfg.App.Version
	}
	tp, err := observability.NewTracingProvider(&tracingCfg, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
	return tp, nil
}

func provideCircuitBreakers(mp *observability.MetricsProvider, logger *zap.Logger) (*resilience.CircuitBreakerRegistry, error) {
	breakers := resilience.NewCircuitBreakerRegistry(logger)
	if err := mp.Registry().Register(breakers); err != nil {
		return nil, err
	}
	return breakers, nil
}
