package config

import (
	"time"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

// WorkerConfig holds the worker pool settings of one queue
type WorkerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Concurrency     int           `mapstructure:"concurrency"`
	LimiterMax      int           `mapstructure:"limiter_max"`
	LimiterDuration time.Duration `mapstructure:"limiter_duration"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	LockDuration    time.Duration `mapstructure:"lock_duration"`
	StalledInterval time.Duration `mapstructure:"stalled_interval"`
	MaxStalledCount int           `mapstructure:"max_stalled_count"`
	PromoteInterval time.Duration `mapstructure:"promote_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// QueueConfig holds the queue policy and worker settings of one kind
type QueueConfig struct {
	Attempts              int           `mapstructure:"attempts"`
	BackoffType           string        `mapstructure:"backoff_type"`
	BackoffDelay          time.Duration `mapstructure:"backoff_delay"`
	BackoffMax            time.Duration `mapstructure:"backoff_max"`
	RemoveOnCompleteAge   time.Duration `mapstructure:"remove_on_complete_age"`
	RemoveOnCompleteCount int           `mapstructure:"remove_on_complete_count"`
	RemoveOnFailAge       time.Duration `mapstructure:"remove_on_fail_age"`
	Worker                WorkerConfig  `mapstructure:"worker"`
}

// JobsConfig holds the settings of every queue keyed by queue name
type JobsConfig struct {
	KeyPrefix string                 `mapstructure:"key_prefix"`
	Queues    map[string]QueueConfig `mapstructure:"queues"`
}

// SchedulerConfig holds scheduler-specific configuration
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RefreshSchedule string        `mapstructure:"refresh_schedule"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
}

// DefaultWorkerConfig returns default worker configuration
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Enabled:         true,
		Concurrency:     5,
		PollInterval:    100 * time.Millisecond,
		LockDuration:    30 * time.Second,
		StalledInterval: 30 * time.Second,
		MaxStalledCount: 1,
		PromoteInterval: time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// DefaultQueueConfig returns the tuned defaults for a kind
func DefaultQueueConfig(kind jobs.Kind) QueueConfig {
	p := jobs.DefaultPolicyFor(kind)
	q := QueueConfig{
		Attempts:              p.Attempts,
		BackoffType:           string(p.Backoff.Type),
		BackoffDelay:          p.Backoff.Delay,
		BackoffMax:            p.Backoff.Max,
		RemoveOnCompleteAge:   p.RemoveOnComplete.Age,
		RemoveOnCompleteCount: p.RemoveOnComplete.Count,
		RemoveOnFailAge:       p.RemoveOnFail.Age,
		Worker:                DefaultWorkerConfig(),
	}

	switch kind {
	case jobs.KindSendEmail:
		q.Worker.Concurrency = 5
		q.Worker.LimiterMax = 10
		q.Worker.LimiterDuration = time.Second
	case jobs.KindSyncExternalWorkspace:
		q.Worker.Concurrency = 2
		q.Worker.LimiterMax = 5
		q.Worker.LimiterDuration = time.Minute
		q.Worker.LockDuration = 2 * time.Minute
	case jobs.KindGenerateReport:
		q.Worker.Concurrency = 2
		q.Worker.LockDuration = 2 * time.Minute
	case jobs.KindCleanupOldData:
		q.Worker.Concurrency = 1
	case jobs.KindSendNotification:
		q.Worker.Concurrency = 10
	case jobs.KindProcessCheckin:
		q.Worker.Concurrency = 5
	case jobs.KindCalculateMetrics:
		q.Worker.Concurrency = 3
	}
	return q
}

// DefaultSchedulerConfig returns default scheduler configuration
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:         true,
		RefreshSchedule: "@hourly",
		LockTTL:         5 * time.Minute,
	}
}

// Queue returns the settings of kind, falling back to its defaults
func (c *JobsConfig) Queue(kind jobs.Kind) QueueConfig {
	if q, ok := c.Queues[kind.String()]; ok {
		return q
	}
	return DefaultQueueConfig(kind)
}

// Policy converts the queue settings of kind into a jobs.Policy
func (c *JobsConfig) Policy(kind jobs.Kind) jobs.Policy {
	q := c.Queue(kind)
	return jobs.Policy{
		Attempts: q.Attempts,
		Backoff: jobs.Backoff{
			Type:  jobs.BackoffType(q.BackoffType),
			Delay: q.BackoffDelay,
			Max:   q.BackoffMax,
		},
		RemoveOnComplete: jobs.Retention{Age: q.RemoveOnCompleteAge, Count: q.RemoveOnCompleteCount},
		RemoveOnFail:     jobs.Retention{Age: q.RemoveOnFailAge},
	}
}

// Policies returns the policy of every kind
func (c *JobsConfig) Policies() map[jobs.Kind]jobs.Policy {
	out := make(map[jobs.Kind]jobs.Policy, len(jobs.AllKinds()))
	for _, kind := range jobs.AllKinds() {
		out[kind] = c.Policy(kind)
	}
	return out
}
