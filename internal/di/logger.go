package di

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jrjohn/engage-cloud-go/internal/config"
	"github.com/jrjohn/engage-cloud-go/pkg/logger"
)

// LoggerModule provides logging dependencies. The level follows
// app.log_level in the config file while the process runs.
var LoggerModule = fx.Module("logger",
	fx.Provide(zap.NewAtomicLevel),
	fx.Provide(provideLogger),
	fx.Invoke(watchLogLevel),
)

func provideLogger(cfg *config.AppConfig, level zap.AtomicLevel) (*zap.Logger, error) {
	encoding := "json"
	if cfg.Debug {
		encoding = "console"
	}
	return logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.Debug,
		Encoding:    encoding,
		Service:     cfg.Name,
		Atomic:      &level,
	})
}

func watchLogLevel(lc fx.Lifecycle, cfg *config.Config, level zap.AtomicLevel, log *zap.Logger) {
	if cfg.File() == "" {
		return
	}

	var watcher *config.Watcher
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			w, err := config.NewWatcher(cfg.File(), func(next *config.Config) {
				applyLogLevel(level, next.App.LogLevel, log)
			}, log)
			if err != nil {
				log.Warn("Config file not watched", zap.String("file", cfg.File()), zap.Error(err))
				return nil
			}
			watcher = w
			return nil
		},
		OnStop: func(context.Context) error {
			if watcher == nil {
				return nil
			}
			return watcher.Close()
		},
	})
}

func applyLogLevel(level zap.AtomicLevel, name string, log *zap.Logger) {
	next, err := zapcore.ParseLevel(name)
	if err != nil {
		log.Warn("Ignoring invalid log level", zap.String("log_level", name))
		return
	}
	if next == level.Level() {
		return
	}
	log.Info("Log level changed", zap.Stringer("from", level.Level()), zap.Stringer("to", next))
	level.SetLevel(next)
}
