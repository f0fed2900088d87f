package queue

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/config"
	"github.com/jrjohn/engage-cloud-go/internal/resilience"
)

const defaultRedisURL = "redis://localhost:6379"

// Connect builds the shared Redis client used by every queue and worker and
// waits until it answers a ping. The caller owns the client and closes it
// after all queues and workers are closed.
func Connect(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	url := cfg.URL
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries != 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.MinRetryBackoff > 0 {
		opts.MinRetryBackoff = cfg.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff > 0 {
		opts.MaxRetryBackoff = cfg.MaxRetryBackoff
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opts)
	client.AddHook(newReadOnlyHook(cfg, logger))

	attempts := cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	retry := &resilience.RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: opts.MinRetryBackoff,
		MaxInterval:     opts.MaxRetryBackoff,
		Multiplier:      2.0,
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = 50 * time.Millisecond
	}
	if retry.MaxInterval < retry.InitialInterval {
		retry.MaxInterval = retry.InitialInterval
	}

	err = resilience.Retry(ctx, retry, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
	)
	return client, nil
}

// IsReadOnlyError reports whether err came from a replica refusing writes.
// Such errors clear once a failover promotes a new primary.
func IsReadOnlyError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "READONLY")
}

// readOnlyHook retries single commands rejected by a read-only replica
type readOnlyHook struct {
	retry  *resilience.RetryConfig
	logger *zap.Logger
}

func newReadOnlyHook(cfg config.RedisConfig, logger *zap.Logger) *readOnlyHook {
	attempts := cfg.ReadOnlyRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	initial := cfg.MinRetryBackoff
	if initial <= 0 {
		initial = 50 * time.Millisecond
	}
	maxInterval := cfg.MaxRetryBackoff
	if maxInterval < initial {
		maxInterval = initial
	}
	return &readOnlyHook{
		retry: &resilience.RetryConfig{
			MaxAttempts:     attempts,
			InitialInterval: initial,
			MaxInterval:     maxInterval,
			Multiplier:      2.0,
			Retryable:       IsReadOnlyError,
		},
		logger: logger,
	}
}

func (h *readOnlyHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h *readOnlyHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		attempt := 0
		return resilience.Retry(ctx, h.retry, func(ctx context.Context) error {
			attempt++
			err := next(ctx, cmd)
			if IsReadOnlyError(err) {
				h.logger.Warn("Redis replica is read-only",
					zap.String("command", cmd.Name()),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
			}
			return err
		})
	}
}

// Pipelines are not replayed; a partial replay could apply commands twice.
func (h *readOnlyHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}
