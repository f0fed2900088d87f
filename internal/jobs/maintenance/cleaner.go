// Package maintenance trims finished job history from every queue.
package maintenance

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

// Config controls one cleanup pass
type Config struct {
	CompletedGrace time.Duration
	FailedGrace    time.Duration
	// Limit caps removals per state and queue. Zero or less removes all.
	Limit int
}

// DefaultConfig keeps a day of failures and no completed history
func DefaultConfig() Config {
	return Config{
		CompletedGrace: 0,
		FailedGrace:    24 * time.Hour,
		Limit:          1000,
	}
}

// Result is the outcome of cleaning one queue
type Result struct {
	Queue     string
	Completed int
	Failed    int
	Counts    jobs.Counts
	Err       error
}

// Cleaner cleans every queue it was given
type Cleaner struct {
	queues []jobs.Queue
	config Config
	logger *zap.Logger
}

// NewCleaner creates a cleaner over queues
func NewCleaner(queues []jobs.Queue, cfg Config, logger *zap.Logger) *Cleaner {
	return &Cleaner{
		queues: queues,
		config: cfg,
		logger: logger.With(zap.String("component", "maintenance")),
	}
}

// Config returns the default pass configuration
func (c *Cleaner) Config() Config {
	return c.config
}

// Run cleans every queue with the configured defaults
func (c *Cleaner) Run(ctx context.Context) []Result {
	return c.RunWith(ctx, c.config)
}

// RunWith cleans every queue with cfg. A failing queue is recorded in its
// result and the remaining queues are still cleaned.
func (c *Cleaner) RunWith(ctx context.Context, cfg Config) []Result {
	results := make([]Result, 0, len(c.queues))
	for _, q := range c.queues {
		res := c.clean(ctx, q, cfg)
		if res.Err != nil {
			c.logger.Error("Queue cleanup failed", zap.String("queue", res.Queue), zap.Error(res.Err))
		} else {
			c.logger.Info("Queue cleaned",
				zap.String("queue", res.Queue),
				zap.Int("completed_removed", res.Completed),
				zap.Int("failed_removed", res.Failed),
				zap.Int64("waiting", res.Counts.Waiting),
				zap.Int64("active", res.Counts.Active),
				zap.Int64("completed", res.Counts.Completed),
				zap.Int64("failed", res.Counts.Failed),
			)
		}
		results = append(results, res)
	}
	return results
}

func (c *Cleaner) clean(ctx context.Context, q jobs.Queue, cfg Config) Result {
	res := Result{Queue: q.Name()}

	completed, err := q.Clean(ctx, cfg.CompletedGrace, cfg.Limit, jobs.StateCompleted)
	if err != nil {
		res.Err = fmt.Errorf("clean completed: %w", err)
		return res
	}
	res.Completed = len(completed)

	failed, err := q.Clean(ctx, cfg.FailedGrace, cfg.Limit, jobs.StateFailed)
	if err != nil {
		res.Err = fmt.Errorf("clean failed: %w", err)
		return res
	}
	res.Failed = len(failed)

	counts, err := q.GetCounts(ctx)
	if err != nil {
		res.Err = fmt.Errorf("get counts: %w", err)
		return res
	}
	res.Counts = counts
	return res
}

// AllFailed reports whether every result carries an error
func AllFailed(results []Result) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.Err == nil {
			return false
		}
	}
	return true
}

// WriteSummary prints the operator summary, three lines per cleaned queue
// and one per failed queue
func WriteSummary(w io.Writer, results []Result) error {
	for _, r := range results {
		var err error
		if r.Err != nil {
			_, err = fmt.Fprintf(w, "[%s] error: %v\n", r.Queue, r.Err)
		} else {
			_, err = fmt.Fprintf(w,
				"[%s] cleaned %d completed\n[%s] cleaned %d failed\n[%s] waiting=%d active=%d completed=%d failed=%d\n",
				r.Queue, r.Completed,
				r.Queue, r.Failed,
				r.Queue, r.Counts.Waiting, r.Counts.Active, r.Counts.Completed, r.Counts.Failed,
			)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
