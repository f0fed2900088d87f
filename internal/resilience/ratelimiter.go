package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	Name   string        `mapstructure:"name"`
	Max    int           `mapstructure:"max"`    // starts per window
	Window time.Duration `mapstructure:"window"` // window length
}

// Enabled reports whether the config limits anything
func (c RateLimiterConfig) Enabled() bool {
	return c.Max > 0 && c.Window > 0
}

// RateLimiterMetrics holds rate limiter metrics
type RateLimiterMetrics struct {
	Allowed  int64
	Rejected int64
	Waited   int64
}

// SlidingWindowLimiter admits at most Max starts in any Window-long span.
// A worker pool shares one limiter across all its slots.
type SlidingWindowLimiter struct {
	config  RateLimiterConfig
	now     func() time.Time
	starts  []time.Time // ring of the most recent starts, oldest at head
	head    int
	mutex   sync.Mutex
	metrics RateLimiterMetrics
}

// NewSlidingWindowLimiter creates a limiter. A config that is not Enabled
// admits everything.
func NewSlidingWindowLimiter(config RateLimiterConfig) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		config: config,
		now:    time.Now,
	}
}

// WithClock overrides the time source
func (l *SlidingWindowLimiter) WithClock(now func() time.Time) *SlidingWindowLimiter {
	l.now = now
	return l
}

// reserve takes a slot if one is free and otherwise returns how long until
// the oldest start leaves the window. Must be called with mutex held.
func (l *SlidingWindowLimiter) reserve() (time.Duration, bool) {
	if !l.config.Enabled() {
		return 0, true
	}
	now := l.now()
	if len(l.starts) < l.config.Max {
		l.starts = append(l.starts, now)
		return 0, true
	}
	free := l.starts[l.head].Add(l.config.Window)
	if now.Before(free) {
		return free.Sub(now), false
	}
	l.starts[l.head] = now
	l.head = (l.head + 1) % len(l.starts)
	return 0, true
}

// Allow takes a slot without waiting
func (l *SlidingWindowLimiter) Allow() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	_, ok := l.reserve()
	if ok {
		l.metrics.Allowed++
	} else {
		l.metrics.Rejected++
	}
	return ok
}

// Wait blocks until a slot is free or ctx is done
func (l *SlidingWindowLimiter) Wait(ctx context.Context) error {
	waited := false
	for {
		l.mutex.Lock()
		wait, ok := l.reserve()
		if ok {
			l.metrics.Allowed++
			if waited {
				l.metrics.Waited++
			}
			l.mutex.Unlock()
			return nil
		}
		l.mutex.Unlock()

		waited = true
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Metrics returns current metrics
func (l *SlidingWindowLimiter) Metrics() RateLimiterMetrics {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.metrics
}
