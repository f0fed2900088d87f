package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrjohn/engage-cloud-go/internal/config"
	"github.com/jrjohn/engage-cloud-go/internal/jobs"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/queue"
	"github.com/jrjohn/engage-cloud-go/internal/testutil"
)

func fastConfig() Config {
	return Config{
		Concurrency:     2,
		PollInterval:    5 * time.Millisecond,
		LockDuration:    time.Second,
		StalledInterval: 20 * time.Millisecond,
		MaxStalledCount: 1,
		PromoteInterval: 5 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}
}

func newTestQueue(t *testing.T, kind jobs.Kind, policy jobs.Policy) *queue.RedisQueue {
	_, client := testutil.NewMiniRedis(t)
	return queue.NewRedisQueue(client, kind, policy, testutil.NewTestLogger(t))
}

func startPool(t *testing.T, q Source, proc Processor, cfg Config, opts ...Option) *Pool {
	p := NewPool(q, proc, cfg, testutil.NewTestLogger(t), opts...)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func notification(id string) jobs.SendNotification {
	return jobs.SendNotification{NotificationID: id, UserID: "u1", Channel: "in-app", Title: "t", Message: "m"}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.WorkerConfig{
		Concurrency:     7,
		LimiterMax:      10,
		LimiterDuration: time.Second,
		LockDuration:    2 * time.Minute,
		PromoteInterval: 250 * time.Millisecond,
	})
	assert.Equal(t, 7, cfg.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.PromoteInterval)
	assert.Equal(t, &LimiterConfig{Max: 10, Duration: time.Second}, cfg.Limiter)
	assert.Equal(t, 2*time.Minute, cfg.LockDuration)
	assert.Equal(t, DefaultConfig().PollInterval, cfg.PollInterval)

	assert.Nil(t, ConfigFrom(config.WorkerConfig{LimiterMax: 10}).Limiter)
}

func TestPool_ProcessesJob(t *testing.T) {
	q := newTestQueue(t, jobs.KindSendNotification, jobs.DefaultPolicyFor(jobs.KindSendNotification))
	reg := prometheus.NewRegistry()
	ctx := context.Background()

	completed := make(chan Event, 1)
	p := startPool(t, q, func(ctx context.Context, job *jobs.Job) (any, error) {
		payload, err := jobs.DecodePayload[jobs.SendNotification](job)
		if err != nil {
			return nil, err
		}
		return map[string]string{"delivered": payload.NotificationID}, nil
	}, fastConfig(), WithMetrics(jobs.NewMetrics(reg)))
	p.On(EventCompleted, func(ev Event) { completed <- ev })

	added, err := q.Add(ctx, "notify", notification("n1"))
	require.NoError(t, err)

	select {
	case ev := <-completed:
		assert.Equal(t, added.ID, ev.JobID)
		assert.Equal(t, "send-notification", ev.Queue)
		assert.Equal(t, map[string]string{"delivered": "n1"}, ev.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not completed")
	}

	stored, err := q.GetJob(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, stored.State)
	assert.JSONEq(t, `{"delivered":"n1"}`, string(stored.ReturnValue))

	stats := p.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, int64(1), stats.Completed)

	n, err := promtest.GatherAndCount(reg, "engage_jobs_processed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestPool_RetriesThenFails checks a handler that always fails is attempted
// exactly attempts times and leaves the job failed with its last reason
func TestPool_RetriesThenFails(t *testing.T) {
	policy := jobs.Policy{Attempts: 3, Backoff: jobs.Backoff{Type: jobs.BackoffFixed, Delay: 5 * time.Millisecond}}
	q := newTestQueue(t, jobs.KindSendEmail, policy)
	ctx := context.Background()

	var calls atomic.Int32
	var mu sync.Mutex
	var retries []bool
	terminal := make(chan struct{})

	p := startPool(t, q, func(ctx context.Context, job *jobs.Job) (any, error) {
		calls.Add(1)
		return nil, errors.New("smtp timeout")
	}, fastConfig())
	p.On(EventFailed, func(ev Event) {
		mu.Lock()
		retries = append(retries, ev.WillRetry)
		mu.Unlock()
		if !ev.WillRetry {
			close(terminal)
		}
	})

	added, err := q.Add(ctx, "welcome", jobs.SendEmail{To: "a@b.com", Subject: "hi", Template: "welcome"})
	require.NoError(t, err)

	select {
	case <-terminal:
	case <-time.After(3 * time.Second):
		t.Fatal("job never failed terminally")
	}

	assert.Equal(t, int32(3), calls.Load())
	mu.Lock()
	assert.Equal(t, []bool{true, true, false}, retries)
	mu.Unlock()

	stored, err := q.GetJob(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, stored.State)
	assert.Equal(t, 3, stored.AttemptsMade)
	assert.Equal(t, "smtp timeout", stored.FailedReason)

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Retried)
	assert.Equal(t, int64(1), stats.Failed)
}

// TestPool_RetriesThenSucceeds fails twice, then succeeds. The retries wait
// out the exponential backoff of 2s and 4s on the queue clock.
func TestPool_RetriesThenSucceeds(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	clock := testutil.NewClock(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC))
	q := queue.NewRedisQueue(client, jobs.KindSendEmail, jobs.DefaultPolicyFor(jobs.KindSendEmail),
		testutil.NewTestLogger(t), queue.WithClock(clock.Now))
	ctx := context.Background()

	var calls atomic.Int32
	failed := make(chan Event, 2)
	completed := make(chan Event, 1)

	p := startPool(t, q, func(ctx context.Context, job *jobs.Job) (any, error) {
		n := calls.Add(1)
		if n < 3 {
			return nil, errors.New("smtp timeout")
		}
		return map[string]int{"attempt": int(n)}, nil
	}, fastConfig())
	p.On(EventFailed, func(ev Event) { failed <- ev })
	p.On(EventCompleted, func(ev Event) { completed <- ev })

	added, err := q.Add(ctx, "welcome", jobs.SendEmail{To: "a@b.com", Subject: "hi", Template: "welcome"})
	require.NoError(t, err)

	for _, backoff := range []time.Duration{2 * time.Second, 4 * time.Second} {
		select {
		case ev := <-failed:
			assert.True(t, ev.WillRetry)
		case <-time.After(3 * time.Second):
			t.Fatal("attempt never failed")
		}

		stored, err := q.GetJob(ctx, added.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StateDelayed, stored.State)

		// Not due one millisecond before the backoff elapses.
		before := calls.Load()
		clock.Advance(backoff - time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, before, calls.Load(), "retried before %v backoff", backoff)

		clock.Advance(time.Millisecond)
	}

	select {
	case <-completed:
	case <-time.After(3 * time.Second):
		t.Fatal("job never completed")
	}

	stored, err := q.GetJob(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, stored.State)
	assert.Equal(t, 3, stored.AttemptsMade)
	assert.Equal(t, 3, stored.AttemptsStarted)
	assert.JSONEq(t, `{"attempt":3}`, string(stored.ReturnValue))

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Retried)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Zero(t, stats.Failed)
}

func TestPool_ConcurrencyBound(t *testing.T) {
	q := newTestQueue(t, jobs.KindSendNotification, jobs.DefaultPolicy())
	ctx := context.Background()

	var running, peak atomic.Int32
	var done atomic.Int32
	startPool(t, q, func(ctx context.Context, job *jobs.Job) (any, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		done.Add(1)
		return nil, nil
	}, fastConfig())

	for i := 0; i < 6; i++ {
		_, err := q.Add(ctx, "notify", notification("n"))
		require.NoError(t, err)
	}

	testutil.WaitForCondition(t, 3*time.Second, func() bool { return done.Load() == 6 }, "all jobs processed")
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestPool_RateLimited(t *testing.T) {
	q := newTestQueue(t, jobs.KindSendEmail, jobs.DefaultPolicy())
	ctx := context.Background()

	cfg := fastConfig()
	cfg.Concurrency = 4
	cfg.Limiter = &LimiterConfig{Max: 2, Duration: 100 * time.Millisecond}

	var mu sync.Mutex
	var starts []time.Time
	startPool(t, q, func(ctx context.Context, job *jobs.Job) (any, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil, nil
	}, cfg)

	for i := 0; i < 4; i++ {
		_, err := q.Add(ctx, "welcome", jobs.SendEmail{To: "a@b.com"})
		require.NoError(t, err)
	}

	testutil.WaitForCondition(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) == 4
	}, "all jobs started")

	mu.Lock()
	defer mu.Unlock()
	first, last := starts[0], starts[0]
	for _, s := range starts {
		if s.Before(first) {
			first = s
		}
		if s.After(last) {
			last = s
		}
	}
	assert.GreaterOrEqual(t, last.Sub(first), 90*time.Millisecond)
}

func TestPool_PanicBecomesFailure(t *testing.T) {
	q := newTestQueue(t, jobs.KindSendEmail, jobs.Policy{Attempts: 1})
	ctx := context.Background()

	failed := make(chan Event, 1)
	p := startPool(t, q, func(ctx context.Context, job *jobs.Job) (any, error) {
		panic("template missing")
	}, fastConfig())
	p.On(EventFailed, func(ev Event) { failed <- ev })

	added, err := q.Add(ctx, "welcome", jobs.SendEmail{To: "a@b.com"})
	require.NoError(t, err)

	select {
	case ev := <-failed:
		assert.False(t, ev.WillRetry)
		assert.Contains(t, ev.Err.Error(), "template missing")
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}

	stored, err := q.GetJob(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, stored.State)
	assert.Contains(t, stored.FailedReason, "handler panic")
}

func TestPool_Progress(t *testing.T) {
	q := newTestQueue(t, jobs.KindGenerateReport, jobs.DefaultPolicy())
	ctx := context.Background()

	var mu sync.Mutex
	var seen []any
	completed := make(chan struct{})
	p := startPool(t, q, func(ctx context.Context, job *jobs.Job) (any, error) {
		for _, pct := range []int{30, 90} {
			if err := job.UpdateProgress(ctx, pct); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}, fastConfig())
	p.On(EventProgress, func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Progress)
		mu.Unlock()
	})
	p.On(EventCompleted, func(Event) { close(completed) })

	added, err := q.Add(ctx, "report", jobs.GenerateReport{OrganizationID: "org1", ReportType: "engagement", Period: jobs.PeriodWeekly})
	require.NoError(t, err)

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not completed")
	}

	mu.Lock()
	assert.Equal(t, []any{30, 90}, seen)
	mu.Unlock()

	stored, err := q.GetJob(ctx, added.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `90`, string(stored.Progress))
}

func TestPool_RecoversStalledJob(t *testing.T) {
	q := newTestQueue(t, jobs.KindProcessCheckin, jobs.DefaultPolicy())
	ctx := context.Background()

	added, err := q.Add(ctx, "reminder", jobs.ProcessCheckin{OrganizationID: "org1", Action: jobs.CheckinActionReminder})
	require.NoError(t, err)

	// A worker that died right after claiming the job.
	_, err = q.MoveToActive(ctx, time.Millisecond)
	require.NoError(t, err)

	stalled := make(chan Event, 1)
	completed := make(chan Event, 1)
	p := NewPool(q, func(ctx context.Context, job *jobs.Job) (any, error) {
		return nil, nil
	}, fastConfig(), testutil.NewTestLogger(t))
	p.On(EventStalled, func(ev Event) { stalled <- ev })
	p.On(EventCompleted, func(ev Event) { completed <- ev })
	require.NoError(t, p.Start(ctx))
	defer p.Close(ctx)

	select {
	case ev := <-stalled:
		assert.Equal(t, added.ID, ev.JobID)
		assert.NoError(t, ev.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("stalled job was not recovered")
	}
	select {
	case ev := <-completed:
		assert.Equal(t, added.ID, ev.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("recovered job was not processed")
	}
	assert.Equal(t, int64(1), p.Stats().Stalled)
}

// TestPool_CloseWaitsForRunningJob checks Close neither returns early nor
// cancels the running handler
func TestPool_CloseWaitsForRunningJob(t *testing.T) {
	q := newTestQueue(t, jobs.KindSendEmail, jobs.DefaultPolicy())
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerErr atomic.Value
	p := NewPool(q, func(ctx context.Context, job *jobs.Job) (any, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			handlerErr.Store(err)
		}
		return "sent", nil
	}, fastConfig(), testutil.NewTestLogger(t))
	require.NoError(t, p.Start(ctx))

	added, err := q.Add(ctx, "welcome", jobs.SendEmail{To: "a@b.com"})
	require.NoError(t, err)
	<-started

	closed := make(chan error, 1)
	go func() { closed <- p.Close(ctx) }()

	select {
	case <-closed:
		t.Fatal("Close returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-closed)
	assert.Nil(t, handlerErr.Load())

	stored, err := q.GetJob(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, stored.State)

	// Nothing new is pulled after Close.
	_, err = q.Add(ctx, "welcome", jobs.SendEmail{To: "a@b.com"})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestPool_CloseTimeout(t *testing.T) {
	q := newTestQueue(t, jobs.KindSendEmail, jobs.DefaultPolicy())
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	cfg := fastConfig()
	cfg.ShutdownTimeout = 20 * time.Millisecond
	p := NewPool(q, func(ctx context.Context, job *jobs.Job) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, cfg, testutil.NewTestLogger(t))
	require.NoError(t, p.Start(ctx))

	_, err := q.Add(ctx, "welcome", jobs.SendEmail{To: "a@b.com"})
	require.NoError(t, err)
	<-started

	assert.ErrorIs(t, p.Close(ctx), ErrShutdownTimeout)
}

func TestPool_Lifecycle(t *testing.T) {
	q := newTestQueue(t, jobs.KindSendEmail, jobs.DefaultPolicy())
	ctx := context.Background()
	p := NewPool(q, func(context.Context, *jobs.Job) (any, error) { return nil, nil }, Config{}, testutil.NewTestLogger(t))

	assert.Equal(t, 1, p.Stats().Concurrency)
	assert.False(t, p.Stats().Running)

	require.NoError(t, p.Start(ctx))
	assert.ErrorIs(t, p.Start(ctx), ErrPoolRunning)

	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx))
	assert.ErrorIs(t, p.Start(ctx), ErrPoolClosed)
	assert.False(t, p.Stats().Running)

	// Closing a pool that never started is a no-op.
	idle := NewPool(q, nil, Config{}, testutil.NewTestLogger(t))
	assert.NoError(t, idle.Close(ctx))
}

func TestEmitter_ListenerPanicIsContained(t *testing.T) {
	e := newEmitter(testutil.NewTestLogger(t))
	var calls int
	e.on(EventCompleted, func(Event) { panic("boom") })
	e.on(EventCompleted, func(Event) { calls++ })

	e.emit(Event{Type: EventCompleted})
	e.emit(Event{Type: EventFailed})
	assert.Equal(t, 1, calls)
}
