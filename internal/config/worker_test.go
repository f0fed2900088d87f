package config

import (
	"testing"
	"time"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

func TestDefaultWorkerConfig(t *testing.T) {
	config := DefaultWorkerConfig()

	if !config.Enabled {
		t.Error("Enabled should be true by default")
	}
	if config.PollInterval != 100*time.Millisecond {
		t.Errorf("PollInterval = %v, want 100ms", config.PollInterval)
	}
	if config.MaxStalledCount != 1 {
		t.Errorf("MaxStalledCount = %v, want 1", config.MaxStalledCount)
	}
	if config.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 30s", config.ShutdownTimeout)
	}
}

func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if !config.Enabled {
		t.Error("Enabled should be true by default")
	}
	if config.RefreshSchedule != "@hourly" {
		t.Errorf("RefreshSchedule = %v, want @hourly", config.RefreshSchedule)
	}
}

func TestDefaultQueueConfig(t *testing.T) {
	tests := []struct {
		kind        jobs.Kind
		attempts    int
		concurrency int
		limiterMax  int
		limiterDur  time.Duration
	}{
		{jobs.KindSendEmail, 3, 5, 10, time.Second},
		{jobs.KindSyncExternalWorkspace, 3, 2, 5, time.Minute},
		{jobs.KindCleanupOldData, 1, 1, 0, 0},
		{jobs.KindSendNotification, 5, 10, 0, 0},
		{jobs.KindCalculateMetrics, 3, 3, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			q := DefaultQueueConfig(tt.kind)
			if q.Attempts != tt.attempts {
				t.Errorf("Attempts = %v, want %v", q.Attempts, tt.attempts)
			}
			if q.Worker.Concurrency != tt.concurrency {
				t.Errorf("Concurrency = %v, want %v", q.Worker.Concurrency, tt.concurrency)
			}
			if q.Worker.LimiterMax != tt.limiterMax || q.Worker.LimiterDuration != tt.limiterDur {
				t.Errorf("Limiter = %v/%v, want %v/%v", q.Worker.LimiterMax, q.Worker.LimiterDuration, tt.limiterMax, tt.limiterDur)
			}
		})
	}
}

func TestJobsConfig_Policy(t *testing.T) {
	cfg := JobsConfig{Queues: map[string]QueueConfig{
		"send-email": {
			Attempts:              4,
			BackoffType:           "fixed",
			BackoffDelay:          time.Second,
			RemoveOnCompleteAge:   time.Minute,
			RemoveOnCompleteCount: 10,
			RemoveOnFailAge:       time.Hour,
		},
	}}

	p := cfg.Policy(jobs.KindSendEmail)
	if p.Attempts != 4 {
		t.Errorf("Attempts = %v, want 4", p.Attempts)
	}
	if p.Backoff != (jobs.Backoff{Type: jobs.BackoffFixed, Delay: time.Second}) {
		t.Errorf("Backoff = %+v", p.Backoff)
	}
	if p.RemoveOnComplete != (jobs.Retention{Age: time.Minute, Count: 10}) {
		t.Errorf("RemoveOnComplete = %+v", p.RemoveOnComplete)
	}

	// Unconfigured kinds fall back to their defaults.
	if got := cfg.Policy(jobs.KindSendNotification); got != jobs.DefaultPolicyFor(jobs.KindSendNotification) {
		t.Errorf("Policy(send-notification) = %+v, want defaults", got)
	}

	if got := len(cfg.Policies()); got != len(jobs.AllKinds()) {
		t.Errorf("Policies() has %d entries, want %d", got, len(jobs.AllKinds()))
	}
}
