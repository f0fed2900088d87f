package di

import (
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/cache"
	"github.com/jrjohn/engage-cloud-go/internal/config"
	"github.com/jrjohn/engage-cloud-go/internal/integration"
	"github.com/jrjohn/engage-cloud-go/internal/observability"
	"github.com/jrjohn/engage-cloud-go/internal/resilience"
)

// idempotencyClaimTTL bounds how long a crashed handler blocks a retry
const idempotencyClaimTTL = 10 * time.Minute

// IntegrationModule provides the provider clients and the Redis-backed
// cache and idempotency store used by handlers
var IntegrationModule = fx.Module("integration",
	fx.Provide(
		provideIntegrationDeps,
		provideMailer,
		provideNotifier,
		provideDirectory,
		provideMetricsCache,
		provideIdempotency,
	),
)

func provideIntegrationDeps(breakers *resilience.CircuitBreakerRegistry, mp *observability.MetricsProvider, logger *zap.Logger) integration.Deps {
	return integration.Deps{
		Breakers: breakers,
		Recorder: mp,
		Logger:   logger,
	}
}

func provideMailer(cfg *config.IntegrationsConfig, deps integration.Deps) integration.Mailer {
	return integration.NewMailer(cfg.Mail, deps)
}

func provideNotifier(cfg *config.IntegrationsConfig, deps integration.Deps) integration.Notifier {
	return integration.NewNotifier(cfg.Notify, deps)
}

func provideDirectory(cfg *config.IntegrationsConfig, deps integration.Deps) integration.Directory {
	return integration.NewDirectory(cfg.Directory, deps)
}

func provideMetricsCache(client *redis.Client, cfg *config.CacheConfig, mp *observability.MetricsProvider, logger *zap.Logger) *cache.Cache {
	return cache.New(client, cfg.Prefix, "metrics", logger, cache.WithRecorder(mp))
}

func provideIdempotency(client *redis.Client, cfg *config.CacheConfig) *cache.Idempotency {
	return cache.NewIdempotency(client, cfg.Prefix, idempotencyClaimTTL, cfg.IdempotencyTTL)
}
