package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialInterval)
	assert.Equal(t, 2.0, cfg.Multiplier)
}

func TestRetry(t *testing.T) {
	errTemp := errors.New("temporary")

	tests := []struct {
		name         string
		failures     int
		maxAttempts  int
		wantErr      error
		wantAttempts int
	}{
		{"first try", 0, 3, nil, 1},
		{"after retries", 2, 3, nil, 3},
		{"exhausted", 5, 3, errTemp, 3},
		{"single attempt", 5, 1, errTemp, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := Retry(context.Background(), fastRetry(tt.maxAttempts), func(ctx context.Context) error {
				attempts++
				if attempts <= tt.failures {
					return errTemp
				}
				return nil
			})
			assert.Equal(t, tt.wantErr, err)
			assert.Equal(t, tt.wantAttempts, attempts)
		})
	}
}

func TestRetry_NonRetryableStopsEarly(t *testing.T) {
	errRetry := errors.New("retry me")
	errFatal := errors.New("fatal")

	cfg := fastRetry(5)
	cfg.RetryableErrors = []error{errRetry}

	attempts := 0
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return errRetry
		}
		return errFatal
	})
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 2, attempts)
}

func TestRetry_Predicate(t *testing.T) {
	cfg := fastRetry(4)
	cfg.Retryable = func(err error) bool { return err.Error() == "READONLY" }

	attempts := 0
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("READONLY")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Retry(ctx, fastRetry(10), func(ctx context.Context) error {
		attempts++
		return errors.New("error")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, attempts)
}

func TestRetry_ContextCancelledDuringSleep(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: time.Second, Multiplier: 2}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Retry(ctx, cfg, func(ctx context.Context) error {
		return errors.New("error")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), fastRetry(3), func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, attempts)
}

func TestIsRetryableError(t *testing.T) {
	err1 := errors.New("err1")
	err2 := errors.New("err2")

	assert.True(t, isRetryableError(err1, &RetryConfig{}))

	cfg := &RetryConfig{RetryableErrors: []error{err1}}
	assert.True(t, isRetryableError(err1, cfg))
	assert.True(t, isRetryableError(fmt.Errorf("wrapped: %w", err1), cfg))
	assert.False(t, isRetryableError(err2, cfg))

	cfg.Retryable = func(err error) bool { return err == err2 }
	assert.True(t, isRetryableError(err2, cfg))
	assert.False(t, isRetryableError(err1, cfg))
}

func TestNextBackoffInterval(t *testing.T) {
	cfg := &RetryConfig{MaxInterval: 300 * time.Millisecond, Multiplier: 2.0}

	sleep, next := nextBackoffInterval(100*time.Millisecond, cfg)
	assert.Equal(t, 100*time.Millisecond, sleep)
	assert.Equal(t, 200*time.Millisecond, next)

	_, next = nextBackoffInterval(next, cfg)
	assert.Equal(t, 300*time.Millisecond, next)
}

func TestCalculateInterval(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, base, calculateInterval(base, &RetryConfig{}))

	cfg := &RetryConfig{RandomizationFactor: 0.5}
	for i := 0; i < 50; i++ {
		got := calculateInterval(base, cfg)
		assert.GreaterOrEqual(t, got, 50*time.Millisecond)
		assert.LessOrEqual(t, got, 150*time.Millisecond)
	}
}
