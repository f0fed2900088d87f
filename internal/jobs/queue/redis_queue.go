package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

const defaultKeyPrefix = "engage"

// RedisQueue is a durable queue for a single job kind. It does not own the
// Redis client; the composition root closes it after every queue is closed.
type RedisQueue struct {
	client  *redis.Client
	kind    jobs.Kind
	name    string
	policy  jobs.Policy
	logger  *zap.Logger
	metrics *jobs.Metrics
	now     func() time.Time
	keys    keys

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// Option configures a RedisQueue
type Option func(*RedisQueue)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) {
		q.now = now
	}
}

// WithMetrics records enqueue metrics
func WithMetrics(m *jobs.Metrics) Option {
	return func(q *RedisQueue) {
		q.metrics = m
	}
}

// WithKeyPrefix namespaces the Redis keys
func WithKeyPrefix(prefix string) Option {
	return func(q *RedisQueue) {
		q.keys = newKeys(prefix, q.name)
	}
}

// NewRedisQueue creates the queue for kind with policy as its defaults
func NewRedisQueue(client *redis.Client, kind jobs.Kind, policy jobs.Policy, logger *zap.Logger, opts ...Option) *RedisQueue {
	q := &RedisQueue{
		client: client,
		kind:   kind,
		name:   kind.String(),
		policy: policy,
		logger: logger.With(zap.String("queue", kind.String())),
		now:    time.Now,
		keys:   newKeys(defaultKeyPrefix, kind.String()),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue name
func (q *RedisQueue) Name() string { return q.name }

// Kind returns the kind the queue accepts
func (q *RedisQueue) Kind() jobs.Kind { return q.kind }

// Policy returns the queue defaults
func (q *RedisQueue) Policy() jobs.Policy { return q.policy }

// enter registers an in-flight call unless the queue is closed
func (q *RedisQueue) enter() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.inflight.Add(1)
	return true
}

// Add persists a job. The job is durable once Add returns without error.
func (q *RedisQueue) Add(ctx context.Context, name string, payload jobs.Payload, opts ...jobs.Option) (*jobs.Job, error) {
	if !q.enter() {
		return nil, jobs.ErrQueueClosed
	}
	defer q.inflight.Done()

	data, err := jobs.EncodePayload(q.kind, payload)
	if err != nil {
		return nil, err
	}
	resolved := q.policy.Resolve(jobs.NewOptions(opts...))

	if resolved.Repeat != nil {
		job, err := q.addRepeatable(ctx, name, data, resolved)
		if err != nil {
			q.logger.Error("Failed to register repeatable job",
				zap.String("job_name", name),
				zap.Error(err),
			)
			return nil, err
		}
		return job, nil
	}

	id := resolved.JobID
	if id == "" {
		id = uuid.New().String()
	}
	var delayUntil time.Time
	if resolved.Delay > 0 {
		delayUntil = q.now().Add(resolved.Delay)
	}

	job, err := q.addJob(ctx, id, name, data, resolved, delayUntil, "")
	if err != nil {
		q.logger.Error("Failed to add job",
			zap.String("job_name", name),
			zap.Error(err),
		)
		return nil, err
	}
	return job, nil
}

// addJob runs the add script and returns the stored job. An existing id is
// left untouched and returned as is.
func (q *RedisQueue) addJob(ctx context.Context, id, name string, data json.RawMessage, opts jobs.ResolvedOptions, delayUntil time.Time, repeatKey string) (*jobs.Job, error) {
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize job options: %w", err)
	}

	now := q.now()
	var delayMs int64
	if !delayUntil.IsZero() {
		delayMs = delayUntil.UnixMilli()
	}

	created, err := addJobScript.Run(ctx, q.client,
		[]string{q.keys.wait, q.keys.paused, q.keys.delayed, q.keys.meta, q.keys.seq},
		q.keys.jobPrefix, id, name, q.name, string(data), string(optsJSON),
		int(opts.Priority), delayMs, now.UnixMilli(), repeatKey,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to add job: %w", err)
	}

	if created == 0 {
		q.logger.Debug("Job already exists", zap.String("job_id", id))
		return q.GetJob(ctx, id)
	}

	state := jobs.StateWaiting
	if delayMs > now.UnixMilli() {
		state = jobs.StateDelayed
	}

	q.metrics.RecordEnqueued(q.name)
	q.logger.Info("Job added",
		zap.String("job_id", id),
		zap.String("job_name", name),
		zap.String("state", string(state)),
		zap.Int("attempts", opts.Attempts),
	)

	// A paused queue reports the real state on the next read.
	return &jobs.Job{
		ID:        id,
		Name:      name,
		Kind:      q.kind,
		Data:      data,
		Opts:      opts,
		State:     state,
		RepeatKey: repeatKey,
		CreatedAt: time.UnixMilli(now.UnixMilli()),
	}, nil
}

// GetJob loads a job by id
func (q *RedisQueue) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, jobs.ErrJobNotFound
	}
	return jobFromHash(q.kind, fields)
}

// Clean removes up to limit jobs in a finished state whose finish time is at
// or before now-grace. A job exactly grace old is removed. limit <= 0
// removes every match.
func (q *RedisQueue) Clean(ctx context.Context, grace time.Duration, limit int, state jobs.State) ([]string, error) {
	var set string
	switch state {
	case jobs.StateCompleted:
		set = q.keys.completed
	case jobs.StateFailed:
		set = q.keys.failed
	default:
		return nil, fmt.Errorf("%w: %s", jobs.ErrInvalidCleanState, state)
	}

	rng := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().Add(-grace).UnixMilli(), 10),
	}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	ids, err := q.client.ZRangeByScore(ctx, set, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", state, err)
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	if err := q.removeJobs(ctx, set, ids); err != nil {
		return nil, fmt.Errorf("failed to clean %s jobs: %w", state, err)
	}

	q.logger.Debug("Cleaned jobs",
		zap.String("state", string(state)),
		zap.Int("removed", len(ids)),
	)
	return ids, nil
}

// removeJobs drops ids from set and deletes their hashes
func (q *RedisQueue) removeJobs(ctx context.Context, set string, ids []string) error {
	members := make([]any, len(ids))
	jobKeys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		jobKeys[i] = q.keys.job(id)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, set, members...)
	pipe.Del(ctx, jobKeys...)
	_, err := pipe.Exec(ctx)
	return err
}

// GetCounts returns the population per state in one round trip
func (q *RedisQueue) GetCounts(ctx context.Context) (jobs.Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.keys.wait)
	active := pipe.ZCard(ctx, q.keys.active)
	completed := pipe.ZCard(ctx, q.keys.completed)
	failed := pipe.ZCard(ctx, q.keys.failed)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	paused := pipe.ZCard(ctx, q.keys.paused)
	if _, err := pipe.Exec(ctx); err != nil {
		return jobs.Counts{}, fmt.Errorf("failed to get counts: %w", err)
	}

	return jobs.Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val(),
	}, nil
}

// Pause stops delivery; waiting jobs move to the paused set
func (q *RedisQueue) Pause(ctx context.Context) error {
	moved, err := moveAllScript.Run(ctx, q.client,
		[]string{q.keys.wait, q.keys.paused, q.keys.meta},
		q.keys.jobPrefix, "1", string(jobs.StatePaused),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to pause queue: %w", err)
	}
	q.logger.Info("Queue paused", zap.Int("moved", moved))
	return nil
}

// Resume restarts delivery of paused jobs
func (q *RedisQueue) Resume(ctx context.Context) error {
	moved, err := moveAllScript.Run(ctx, q.client,
		[]string{q.keys.paused, q.keys.wait, q.keys.meta},
		q.keys.jobPrefix, "", string(jobs.StateWaiting),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to resume queue: %w", err)
	}
	q.logger.Info("Queue resumed", zap.Int("moved", moved))
	return nil
}

// IsPaused reports whether delivery is paused
func (q *RedisQueue) IsPaused(ctx context.Context) (bool, error) {
	v, err := q.client.HGet(ctx, q.keys.meta, "paused").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read paused flag: %w", err)
	}
	return v == "1", nil
}

// Close stops accepting new jobs and waits for in-flight adds to be
// acknowledged. Safe to call more than once.
func (q *RedisQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Debug("Queue closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to close queue %s: %w", q.name, ctx.Err())
	}
}

// Closed reports whether Close was called
func (q *RedisQueue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

var _ jobs.Queue = (*RedisQueue)(nil)
