package di

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/config"
	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

// AppModule aggregates all application modules of the worker process
var AppModule = fx.Options(
	ConfigModule,
	LoggerModule,
	ObservabilityModule,
	DatabaseModule,
	StoreModule,
	RedisModule,
	IntegrationModule,
	SecurityModule,
	EventsModule,
	JobsModule,
	MiddlewareModule,
	ControllerModule,
	HTTPServerModule,
	fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: logger.Named("fx")}
	}),
	fx.Invoke(PrintBanner),
)

// PrintBanner prints the application startup banner
func PrintBanner(cfg *config.Config, logger *zap.Logger) {
	enabled := make([]string, 0, len(jobs.AllKinds()))
	for _, kind := range jobs.AllKinds() {
		if cfg.Jobs.Queue(kind).Worker.Enabled {
			enabled = append(enabled, kind.String())
		}
	}

	logger.Info("===========================================")
	logger.Info("   Engage Cloud Go - Background Job Core   ")
	logger.Info("===========================================")
	logger.Info("Application Info",
		zap.String("name", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)
	logger.Info("Runtime Config",
		zap.Strings("workers", enabled),
		zap.Bool("scheduler", cfg.Scheduler.Enabled),
		zap.Bool("ops_server", cfg.Server.Enabled),
		zap.Bool("event_stream", cfg.Server.Enabled && cfg.Events.Enabled),
		zap.String("database", cfg.Database.Driver),
	)
	logger.Info("===========================================")
}
