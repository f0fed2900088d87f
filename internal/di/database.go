package di

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jrjohn/engage-cloud-go/internal/config"
	"github.com/jrjohn/engage-cloud-go/internal/domain/store"
	"github.com/jrjohn/engage-cloud-go/internal/observability"
)

// DatabaseModule provides the relational database connection
var DatabaseModule = fx.Module("database",
	fx.Provide(provideDatabase),
)

// StoreModule provides the data store used by handlers and producers
var StoreModule = fx.Module("store",
	fx.Provide(store.New),
	fx.Invoke(runMigrations),
)

// provideDatabase opens the configured SQL database. The connection is
// closed by the jobs lifecycle after the queues are drained.
func provideDatabase(cfg *config.DatabaseConfig, mp *observability.MetricsProvider, logger *zap.Logger) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("Connecting to SQL database",
		zap.String("driver", cfg.Driver),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := observability.InstrumentGorm(db, mp); err != nil {
		return nil, fmt.Errorf("failed to instrument database: %w", err)
	}
	return db, nil
}

func dialectorFor(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch config.DatabaseDriver(cfg.Driver) {
	case config.DriverMySQL:
		return mysql.Open(cfg.DSN()), nil
	case config.DriverPostgres:
		return postgres.Open(cfg.DSN()), nil
	case config.DriverSQLite:
		return sqlite.Open(cfg.DSN()), nil
	default:
		return nil, fmt.Errorf("unsupported SQL driver: %s", cfg.Driver)
	}
}

// runMigrations creates the handler tables when auto migration is enabled
func runMigrations(st *store.Store, cfg *config.DatabaseConfig, logger *zap.Logger) error {
	if !cfg.AutoMigrate {
		return nil
	}
	logger.Info("Running SQL database migrations")
	return st.Migrate(context.Background())
}
