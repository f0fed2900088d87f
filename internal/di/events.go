package di

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/config"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/worker"
	"github.com/jrjohn/engage-cloud-go/internal/websocket"
)

// EventsModule streams worker pool events to operators over websocket. It
// is listed before JobsModule so its hub outlives the pools on shutdown.
var EventsModule = fx.Module("events",
	fx.Provide(provideEventsConfig),
	fx.Provide(websocket.NewHub),
	fx.Provide(websocket.NewHandler),
	fx.Invoke(runEventStream),
)

func provideEventsConfig(cfg *config.Config) *config.EventsConfig {
	return &cfg.Events
}

func runEventStream(
	lc fx.Lifecycle,
	cfg *config.EventsConfig,
	hub *websocket.Hub,
	handler *websocket.Handler,
	pools []*worker.Pool,
	router *gin.Engine,
	logger *zap.Logger,
) {
	if !cfg.Enabled {
		logger.Info("Job event stream disabled")
		return
	}

	for _, pool := range pools {
		hub.Attach(pool, cfg.ProgressEvents)
	}
	handler.RegisterRoutes(router.Group("/api/v1"))

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go hub.Run()
			handler.StartHeartbeat()
			logger.Info("Job event stream started", zap.String("path", "/api/v1"+cfg.Path))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			hub.Stop()
			select {
			case <-hub.Stopped():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
