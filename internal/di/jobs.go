package di

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jrjohn/engage-cloud-go/internal/cache"
	"github.com/jrjohn/engage-cloud-go/internal/config"
	"github.com/jrjohn/engage-cloud-go/internal/domain/store"
	"github.com/jrjohn/engage-cloud-go/internal/integration"
	"github.com/jrjohn/engage-cloud-go/internal/jobs"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/handler"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/maintenance"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/monitor"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/queue"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/scheduler"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/worker"
	"github.com/jrjohn/engage-cloud-go/internal/observability"
)

// RedisModule provides the shared Redis client of queues, workers and caches
var RedisModule = fx.Module("redis",
	fx.Provide(provideRedisClient),
)

// JobsModule provides the queues, scheduler, handlers and worker pools
var JobsModule = fx.Module("jobs",
	fx.Provide(
		provideJobMetrics,
		provideQueueSet,
		provideScheduler,
		provideCleaner,
		provideHandlerRegistry,
		provideWorkerPools,
	),
	fx.Invoke(
		registerQueueCollector,
		runJobs,
	),
)

func provideRedisClient(cfg *config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	return queue.Connect(context.Background(), *cfg, logger)
}

func provideJobMetrics(mp *observability.MetricsProvider) *jobs.Metrics {
	return jobs.NewMetrics(mp.Registry())
}

func provideQueueSet(client *redis.Client, cfg *config.JobsConfig, metrics *jobs.Metrics, logger *zap.Logger) *queue.Set {
	opts := []queue.Option{queue.WithMetrics(metrics)}
	if cfg.KeyPrefix != "" {
		opts = append(opts, queue.WithKeyPrefix(cfg.KeyPrefix))
	}
	return queue.NewSet(client, cfg.Policies(), logger, opts...)
}

func provideScheduler(set *queue.Set, st *store.Store, client *redis.Client, cfg *config.SchedulerConfig, logger *zap.Logger) *scheduler.Scheduler {
	return scheduler.New(set, scheduler.DefaultDefinitions(st), logger,
		scheduler.WithRefreshLock(client),
		scheduler.WithConfig(scheduler.Config{
			RefreshSchedule: cfg.RefreshSchedule,
			LockTTL:         cfg.LockTTL,
		}),
	)
}

func provideCleaner(set *queue.Set, cfg *config.Config, logger *zap.Logger) *maintenance.Cleaner {
	return maintenance.NewCleaner(set.Queues(), maintenance.Config{
		CompletedGrace: cfg.Maintenance.CompletedGrace,
		FailedGrace:    cfg.Maintenance.FailedGrace,
		Limit:          cfg.Maintenance.Limit,
	}, logger)
}

// HandlerDeps are the services handlers call
type HandlerDeps struct {
	fx.In

	Store       *store.Store
	Mailer      integration.Mailer
	Notifier    integration.Notifier
	Directory   integration.Directory
	Idempotency *cache.Idempotency
	Metrics     *cache.Cache
	Scheduler   *scheduler.Scheduler
	Cleaner     *maintenance.Cleaner
	Cache       *config.CacheConfig
	Integration *config.IntegrationsConfig
	Logger      *zap.Logger
}

func provideHandlerRegistry(d HandlerDeps) (*handler.Registry, error) {
	registry := handler.NewDefaultRegistry(handler.Deps{
		Store:       d.Store,
		Mailer:      d.Mailer,
		Notifier:    d.Notifier,
		Directory:   d.Directory,
		Idempotency: d.Idempotency,
		Metrics:     d.Metrics,
		MetricsTTL:  d.Cache.MetricsTTL,
		Enqueuer:    d.Scheduler,
		Cleaner:     d.Cleaner,
		MailFrom:    d.Integration.MailFrom,
		Logger:      d.Logger,
	})
	if err := registry.Coverage(); err != nil {
		return nil, err
	}
	d.Logger.Info("Registered job handlers", zap.Any("handlers", registry.ListHandlers()))
	return registry, nil
}

// provideWorkerPools creates one pool per queue whose worker is enabled
func provideWorkerPools(
	set *queue.Set,
	registry *handler.Registry,
	cfg *config.JobsConfig,
	metrics *jobs.Metrics,
	tp *observability.TracingProvider,
	logger *zap.Logger,
) ([]*worker.Pool, error) {
	var pools []*worker.Pool
	for _, q := range set.All() {
		wc := cfg.Queue(q.Kind()).Worker
		if !wc.Enabled {
			logger.Info("Worker disabled", zap.String("queue", q.Name()))
			continue
		}
		processor, ok := registry.Processor(q.Kind())
		if !ok {
			return nil, fmt.Errorf("%w: no handler for %s", jobs.ErrUnknownKind, q.Name())
		}
		pools = append(pools, worker.NewPool(q, processor, worker.ConfigFrom(wc), logger,
			worker.WithMetrics(metrics),
			worker.WithTracer(tp.Tracer()),
		))
	}
	return pools, nil
}

func registerQueueCollector(set *queue.Set, mp *observability.MetricsProvider, logger *zap.Logger) error {
	return mp.Registry().Register(monitor.NewCollector(set.Queues(), 0, logger))
}

// Runtime is everything the jobs lifecycle starts and stops
type Runtime struct {
	fx.In

	Pools     []*worker.Pool
	Scheduler *scheduler.Scheduler
	Queues    *queue.Set
	Redis     *redis.Client
	DB        *gorm.DB
	Config    *config.SchedulerConfig
	Logger    *zap.Logger
}

// runJobs starts the scheduler and the pools. On stop it closes pools,
// scheduler, queues, Redis and the database in that order, each step
// attempted even when an earlier one failed.
func runJobs(lc fx.Lifecycle, rt Runtime) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if rt.Config.Enabled {
				if err := rt.Scheduler.Start(ctx); err != nil {
					return fmt.Errorf("failed to start scheduler: %w", err)
				}
			}
			for _, p := range rt.Pools {
				if err := p.Start(ctx); err != nil {
					return fmt.Errorf("failed to start worker pool %s: %w", p.Name(), err)
				}
			}
			rt.Logger.Info("Job runtime started", zap.Int("pools", len(rt.Pools)))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var errs []error
			errs = append(errs, closePools(ctx, rt.Pools))
			errs = append(errs, rt.Scheduler.Stop(ctx))
			errs = append(errs, rt.Queues.Close(ctx))
			errs = append(errs, rt.Redis.Close())
			if sqlDB, err := rt.DB.DB(); err == nil {
				errs = append(errs, sqlDB.Close())
			}
			err := errors.Join(errs...)
			if err != nil {
				rt.Logger.Warn("Job runtime stopped with errors", zap.Error(err))
			} else {
				rt.Logger.Info("Job runtime stopped")
			}
			return err
		},
	})
}

// closePools closes every pool concurrently and waits for all of them
func closePools(ctx context.Context, pools []*worker.Pool) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range pools {
		wg.Add(1)
		go func(p *worker.Pool) {
			defer wg.Done()
			if err := p.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return errors.Join(errs...)
}
