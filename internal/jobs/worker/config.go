package worker

import (
	"time"

	"github.com/jrjohn/engage-cloud-go/internal/config"
	"github.com/jrjohn/engage-cloud-go/internal/resilience"
)

// LimiterConfig caps job starts to Max per Duration across the pool
type LimiterConfig struct {
	Max      int
	Duration time.Duration
}

// Config configures a worker pool
type Config struct {
	Concurrency     int           // handlers running at once
	Limiter         *LimiterConfig // nil disables rate limiting
	PollInterval    time.Duration // idle wait between fetches
	LockDuration    time.Duration // job lock, renewed at half this
	StalledInterval time.Duration // how often expired locks are checked
	MaxStalledCount int           // recoveries before a stalled job fails
	PromoteInterval time.Duration // how often due delayed jobs are promoted
	ShutdownTimeout time.Duration // wait for in-flight handlers on Close
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Concurrency:     5,
		PollInterval:    100 * time.Millisecond,
		LockDuration:    30 * time.Second,
		StalledInterval: 30 * time.Second,
		MaxStalledCount: 1,
		PromoteInterval: time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ConfigFrom converts the loaded worker settings, falling back to defaults
// for unset durations
func ConfigFrom(c config.WorkerConfig) Config {
	cfg := DefaultConfig()
	if c.Concurrency > 0 {
		cfg.Concurrency = c.Concurrency
	}
	if c.LimiterMax > 0 && c.LimiterDuration > 0 {
		cfg.Limiter = &LimiterConfig{Max: c.LimiterMax, Duration: c.LimiterDuration}
	}
	if c.PollInterval > 0 {
		cfg.PollInterval = c.PollInterval
	}
	if c.LockDuration > 0 {
		cfg.LockDuration = c.LockDuration
	}
	if c.StalledInterval > 0 {
		cfg.StalledInterval = c.StalledInterval
	}
	if c.MaxStalledCount > 0 {
		cfg.MaxStalledCount = c.MaxStalledCount
	}
	if c.PromoteInterval > 0 {
		cfg.PromoteInterval = c.PromoteInterval
	}
	if c.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = c.ShutdownTimeout
	}
	return cfg
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LockDuration <= 0 {
		c.LockDuration = d.LockDuration
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = d.StalledInterval
	}
	if c.MaxStalledCount < 0 {
		c.MaxStalledCount = 0
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = d.PromoteInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

func (c Config) limiter(name string) *resilience.SlidingWindowLimiter {
	if c.Limiter == nil || c.Limiter.Max <= 0 || c.Limiter.Duration <= 0 {
		return nil
	}
	return resilience.NewSlidingWindowLimiter(resilience.RateLimiterConfig{
		Name:   name,
		Max:    c.Limiter.Max,
		Window: c.Limiter.Duration,
	})
}
