package di

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/config"
	"github.com/jrjohn/engage-cloud-go/internal/security"
)

// SecurityModule provides security-related dependencies
var SecurityModule = fx.Module("security",
	fx.Provide(provideJWTProvider),
)

func provideJWTProvider(cfg *config.JWTConfig, logger *zap.Logger) *security.JWTProvider {
	if cfg.Secret == "" {
		logger.Warn("JWT secret not configured, ops API will reject every request")
	}
	return security.NewJWTProvider(cfg)
}
