package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration
type Config struct {
	Level       string
	Development bool
	Encoding    string // "json" or "console"
	// Service is attached to every entry when set
	Service string
	// Output defaults to stdout
	Output string
	// Atomic, when set, receives the parsed level and backs the logger so
	// the level can be changed at runtime
	Atomic *zap.AtomicLevel
}

// New creates a new zap logger. Development loggers default to colored
// console output, production loggers to JSON.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config

	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.TimeKey = "ts"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if cfg.Encoding != "" {
		zapConfig.Encoding = cfg.Encoding
	}

	if cfg.Atomic != nil {
		cfg.Atomic.SetLevel(level)
		zapConfig.Level = *cfg.Atomic
	} else {
		zapConfig.Level = zap.NewAtomicLevelAt(level)
	}
	output := cfg.Output
	if output == "" {
		output = "stdout"
	}
	zapConfig.OutputPaths = []string{output}
	zapConfig.ErrorOutputPaths = []string{"stderr"}

	var opts []zap.Option
	if cfg.Service != "" {
		opts = append(opts, zap.Fields(zap.String("service", cfg.Service)))
	}
	return zapConfig.Build(opts...)
}

// Default creates a logger from LOG_LEVEL and APP_ENV, for tools that run
// before configuration is loaded
func Default() *zap.Logger {
	logger, err := New(Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Development: os.Getenv("APP_ENV") != "production",
	})
	if err != nil {
		return zap.NewExample()
	}
	return logger
}
