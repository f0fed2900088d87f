package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

func TestNextRun(t *testing.T) {
	after := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC) // Monday

	tests := []struct {
		name   string
		repeat jobs.Repeat
		want   time.Time
	}{
		{"daily at 9", jobs.Repeat{Pattern: "0 9 * * *"}, time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)},
		{"monday at 8", jobs.Repeat{Pattern: "0 8 * * 1"}, time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)},
		{"every 15 minutes", jobs.Repeat{Pattern: "*/15 * * * *"}, time.Date(2026, 1, 5, 10, 15, 0, 0, time.UTC)},
		{"with seconds", jobs.Repeat{Pattern: "30 0 10 * * *"}, time.Date(2026, 1, 5, 10, 0, 30, 0, time.UTC)},
		{"descriptor", jobs.Repeat{Pattern: "@hourly"}, time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC)},
		{"interval", jobs.Repeat{Every: 4 * time.Hour}, time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(tt.repeat, after)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "NextRun() = %v, want %v", got.UTC(), tt.want)
		})
	}
}

func TestNextRun_Invalid(t *testing.T) {
	_, err := NextRun(jobs.Repeat{Pattern: "not a cron"}, time.Now())
	assert.Error(t, err)

	_, err = NextRun(jobs.Repeat{}, time.Now())
	assert.Error(t, err)

	assert.Error(t, ValidatePattern("61 * * * *"))
	assert.NoError(t, ValidatePattern("0 2 * * *"))
}

func TestRepeatKey(t *testing.T) {
	assert.Equal(t, "daily-metrics:org1:0 1 * * *",
		RepeatKey("daily-metrics", "org1", jobs.Repeat{Pattern: "0 1 * * *"}))
	assert.Equal(t, "tick:abc:every:60000",
		RepeatKey("tick", "abc", jobs.Repeat{Every: time.Minute}))
}

// TestRedisQueue_Repeat_Idempotent registers the same rule twice and expects
// a single rule with a single pending occurrence
func TestRedisQueue_Repeat_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	q := env.queue(t, jobs.KindCalculateMetrics)
	ctx := context.Background()

	payload := jobs.CalculateMetrics{OrganizationID: "org1", MetricType: "engagement", Period: jobs.PeriodDaily}
	for i := 0; i < 2; i++ {
		job, err := q.Add(ctx, "daily-metrics", payload, jobs.WithRepeat(jobs.Repeat{Pattern: "0 1 * * *"}))
		require.NoError(t, err)
		assert.Equal(t, jobs.StateDelayed, job.State)
	}

	rules, err := q.GetRepeatableJobs(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "daily-metrics", rules[0].Name)
	assert.Equal(t, "0 1 * * *", rules[0].Pattern)
	assert.True(t, time.Date(2026, 1, 6, 1, 0, 0, 0, time.UTC).Equal(rules[0].Next))
	assert.JSONEq(t, `{"organizationId":"org1","metricType":"engagement","period":"daily"}`, string(rules[0].Data))

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.Counts{Delayed: 1}, counts)
}

// TestRedisQueue_Repeat_DistinctPayloads keeps one rule per organization
func TestRedisQueue_Repeat_DistinctPayloads(t *testing.T) {
	env := newTestEnv(t)
	q := env.queue(t, jobs.KindCalculateMetrics)
	ctx := context.Background()

	for _, org := range []string{"org1", "org2"} {
		_, err := q.Add(ctx, "daily-metrics",
			jobs.CalculateMetrics{OrganizationID: org, MetricType: "engagement", Period: jobs.PeriodDaily},
			jobs.WithRepeat(jobs.Repeat{Pattern: "0 1 * * *"}))
		require.NoError(t, err)
	}

	rules, err := q.GetRepeatableJobs(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.NotEqual(t, rules[0].Key, rules[1].Key)
}

func TestRedisQueue_Repeat_ExplicitJobID(t *testing.T) {
	env := newTestEnv(t)
	q := env.queue(t, jobs.KindCalculateMetrics)
	ctx := context.Background()

	first := jobs.CalculateMetrics{OrganizationID: "org1", Period: jobs.PeriodDaily}
	second := jobs.CalculateMetrics{OrganizationID: "org1", Period: jobs.PeriodWeekly}
	for _, p := range []jobs.CalculateMetrics{first, second} {
		_, err := q.Add(ctx, "metrics", p, jobs.WithJobID("org1"), jobs.WithRepeat(jobs.Repeat{Pattern: "0 1 * * *"}))
		require.NoError(t, err)
	}

	rules, err := q.GetRepeatableJobs(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "metrics:org1:0 1 * * *", rules[0].Key)
	assert.JSONEq(t, `{"organizationId":"org1","metricType":"","period":"weekly"}`, string(rules[0].Data))
}

func TestRedisQueue_Repeat_OccurrenceSchedulesNext(t *testing.T) {
	env := newTestEnv(t)
	q := env.queue(t, jobs.KindSendNotification)
	ctx := context.Background()

	_, err := q.Add(ctx, "digest", jobs.SendNotification{NotificationID: "digest"},
		jobs.WithRepeat(jobs.Repeat{Every: time.Hour}))
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	n, err := q.PromoteDelayed(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := q.MoveToActive(ctx, time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, job.RepeatKey)
	assert.Equal(t, "digest", job.Name)

	rules, err := q.GetRepeatableJobs(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 1, rules[0].Count)
	assert.True(t, time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC).Equal(rules[0].Next))

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.Counts{Active: 1, Delayed: 1}, counts)
}

func TestRedisQueue_Repeat_Limit(t *testing.T) {
	env := newTestEnv(t)
	q := env.queue(t, jobs.KindSendNotification)
	ctx := context.Background()

	_, err := q.Add(ctx, "twice", jobs.SendNotification{NotificationID: "n"},
		jobs.WithRepeat(jobs.Repeat{Every: time.Minute, Limit: 2}))
	require.NoError(t, err)

	delivered := 0
	for i := 0; i < 5; i++ {
		env.clock.Advance(time.Minute)
		_, err := q.PromoteDelayed(ctx, 0)
		require.NoError(t, err)
		job, err := q.MoveToActive(ctx, time.Minute)
		if err != nil {
			assert.ErrorIs(t, err, jobs.ErrQueueEmpty)
			continue
		}
		delivered++
		require.NoError(t, q.MoveToCompleted(ctx, job, nil))
	}

	assert.Equal(t, 2, delivered)
	rules, err := q.GetRepeatableJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRedisQueue_RemoveRepeatableByKey(t *testing.T) {
	env := newTestEnv(t)
	q := env.queue(t, jobs.KindCalculateMetrics)
	ctx := context.Background()

	_, err := q.Add(ctx, "daily-metrics", jobs.CalculateMetrics{OrganizationID: "org1"},
		jobs.WithRepeat(jobs.Repeat{Pattern: "0 1 * * *"}))
	require.NoError(t, err)

	rules, err := q.GetRepeatableJobs(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	require.NoError(t, q.RemoveRepeatableByKey(ctx, rules[0].Key))
	require.NoError(t, q.RemoveRepeatableByKey(ctx, rules[0].Key))
	require.NoError(t, q.RemoveRepeatableByKey(ctx, "unknown:key"))

	rules, err = q.GetRepeatableJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)

	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.Counts{}, counts)
}

// TestRedisQueue_RemoveRepeatableByKey_Promoted removes rules whose
// occurrence is already due, first from waiting and then from a paused queue
func TestRedisQueue_RemoveRepeatableByKey_Promoted(t *testing.T) {
	env := newTestEnv(t)
	q := env.queue(t, jobs.KindCalculateMetrics)
	ctx := context.Background()

	addDue := func(org string) (*jobs.Job, string) {
		job, err := q.Add(ctx, "daily-metrics", jobs.CalculateMetrics{OrganizationID: org},
			jobs.WithJobID(org), jobs.WithRepeat(jobs.Repeat{Pattern: "0 1 * * *"}))
		require.NoError(t, err)
		env.clock.Advance(24 * time.Hour)
		n, err := q.PromoteDelayed(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		return job, RepeatKey("daily-metrics", org, jobs.Repeat{Pattern: "0 1 * * *"})
	}

	waiting, key := addDue("org1")
	counts, err := q.GetCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, jobs.Counts{Waiting: 1}, counts)

	require.NoError(t, q.RemoveRepeatableByKey(ctx, key))
	_, err = q.GetJob(ctx, waiting.ID)
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)

	require.NoError(t, q.Pause(ctx))
	paused, key := addDue("org2")
	counts, err = q.GetCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, jobs.Counts{Paused: 1}, counts)

	require.NoError(t, q.RemoveRepeatableByKey(ctx, key))
	_, err = q.GetJob(ctx, paused.ID)
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)

	counts, err = q.GetCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.Counts{}, counts)
	rules, err := q.GetRepeatableJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRedisQueue_Repeat_InvalidPattern(t *testing.T) {
	env := newTestEnv(t)
	q := env.queue(t, jobs.KindCalculateMetrics)

	_, err := q.Add(context.Background(), "bad", jobs.CalculateMetrics{OrganizationID: "org1"},
		jobs.WithRepeat(jobs.Repeat{Pattern: "every day"}))
	assert.Error(t, err)
}
