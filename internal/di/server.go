package di

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jrjohn/engage-cloud-go/internal/config"
	httpctrl "github.com/jrjohn/engage-cloud-go/internal/controller/http"
	"github.com/jrjohn/engage-cloud-go/internal/middleware"
	"github.com/jrjohn/engage-cloud-go/internal/observability"
)

const readinessTimeout = 2 * time.Second

// HTTPServerModule provides the ops HTTP server
var HTTPServerModule = fx.Module("http_server",
	fx.Provide(provideGinEngine),
	fx.Provide(provideHTTPServer),
	fx.Invoke(registerHTTPRoutes),
	fx.Invoke(startHTTPServer),
)

func provideGinEngine(cfg *config.Config, mp *observability.MetricsProvider, logger *zap.Logger) *gin.Engine {
	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(observability.TracingMiddleware(cfg.Tracing.ServiceName))
	router.Use(observability.MetricsMiddleware(mp))

	return router
}

func provideHTTPServer(cfg *config.ServerConfig, router *gin.Engine) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// Probes are the dependencies checked by the readiness endpoint
type Probes struct {
	fx.In

	Redis *redis.Client
	DB    *gorm.DB
}

func registerHTTPRoutes(router *gin.Engine, jobs *httpctrl.JobController, mp *observability.MetricsProvider, cfg *config.Config, probes Probes) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ready", readinessHandler(probes))

	metricsPath := cfg.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	router.GET(metricsPath, gin.WrapH(mp.Handler()))

	api := router.Group("/api/v1")
	jobs.RegisterRoutes(api)
}

func readinessHandler(probes Probes) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
		defer cancel()

		checks := gin.H{"redis": "ok", "database": "ok"}
		ready := true
		if err := probes.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			ready = false
		}
		if sqlDB, err := probes.DB.DB(); err != nil {
			checks["database"] = err.Error()
			ready = false
		} else if err := sqlDB.PingContext(ctx); err != nil {
			checks["database"] = err.Error()
			ready = false
		}

		if !ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
	}
}

func startHTTPServer(lc fx.Lifecycle, server *http.Server, cfg *config.ServerConfig, logger *zap.Logger) {
	if !cfg.Enabled {
		logger.Info("Ops HTTP server disabled")
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting ops HTTP server", zap.String("address", server.Addr))
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Ops HTTP server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping ops HTTP server")
			return server.Shutdown(ctx)
		},
	})
}
