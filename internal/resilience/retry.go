package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
	RetryableErrors     []error       `mapstructure:"-"`
	// Retryable overrides RetryableErrors when set
	Retryable func(error) bool `mapstructure:"-"`
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:         3,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// isRetryableError checks whether err should be retried given the config
func isRetryableError(err error, config *RetryConfig) bool {
	if config.Retryable != nil {
		return config.Retryable(err)
	}
	if len(config.RetryableErrors) == 0 {
		return true
	}
	for _, re := range config.RetryableErrors {
		if errors.Is(err, re) {
			return true
		}
	}
	return false
}

// nextBackoffInterval advances the exponential backoff interval and returns the sleep duration
func nextBackoffInterval(current time.Duration, config *RetryConfig) (sleep, next time.Duration) {
	sleep = calculateInterval(current, config)
	next = time.Duration(float64(current) * config.Multiplier)
	if next > config.MaxInterval {
		next = config.MaxInterval
	}
	return sleep, next
}

// Retry executes a function with retry logic
func Retry(ctx context.Context, config *RetryConfig, fn func(context.Context) error) error {
	var lastErr error
	interval := config.InitialInterval

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !isRetryableError(lastErr, config) {
			return lastErr
		}

		if attempt < config.MaxAttempts {
			sleepDur, next := nextBackoffInterval(interval, config)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleepDur):
			}
			interval = next
		}
	}

	return lastErr
}

// RetryWithResult executes a function with retry logic and returns a result
func RetryWithResult[T any](ctx context.Context, config *RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := Retry(ctx, config, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

func calculateInterval(base time.Duration, config *RetryConfig) time.Duration {
	if config.RandomizationFactor == 0 {
		return base
	}

	delta := config.RandomizationFactor * float64(base)
	minInterval := float64(base) - delta
	maxInterval := float64(base) + delta

	// Random value between minInterval and maxInterval
	return time.Duration(minInterval + (rand.Float64() * (maxInterval - minInterval)))
}
