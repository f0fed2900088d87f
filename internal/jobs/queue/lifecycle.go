package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

const stalledReason = "job stalled more than allowable limit"

// MoveToActive claims the next waiting job and locks it for lockFor. The
// returned job carries the lock token of this claim.
// Returns jobs.ErrQueueEmpty when nothing is waiting or the queue is paused.
func (q *RedisQueue) MoveToActive(ctx context.Context, lockFor time.Duration) (*jobs.Job, error) {
	now := q.now()
	reply, err := moveToActiveScript.Run(ctx, q.client,
		[]string{q.keys.wait, q.keys.active, q.keys.meta},
		q.keys.jobPrefix, now.UnixMilli(), now.Add(lockFor).UnixMilli(), uuid.NewString(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, jobs.ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to move job to active: %w", err)
	}

	h, err := hashFromReply(reply)
	if err != nil {
		return nil, err
	}
	job, err := jobFromHash(q.kind, h)
	if err != nil {
		return nil, err
	}

	if job.RepeatKey != "" {
		if err := q.scheduleNextOccurrence(ctx, job.RepeatKey); err != nil {
			q.logger.Error("Failed to schedule next repeat occurrence",
				zap.String("repeat_key", job.RepeatKey),
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}
	return job, nil
}

// ExtendLock pushes the lock of an active job forward. It fails with
// jobs.ErrLockLost once the job was reclaimed by another worker.
func (q *RedisQueue) ExtendLock(ctx context.Context, job *jobs.Job, lockFor time.Duration) error {
	ok, err := extendLockScript.Run(ctx, q.client,
		[]string{q.keys.active},
		q.keys.jobPrefix, job.ID, q.now().Add(lockFor).UnixMilli(), job.LockToken,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if ok == 0 {
		return jobs.ErrLockLost
	}
	return nil
}

// UpdateProgress stores the progress of a job
func (q *RedisQueue) UpdateProgress(ctx context.Context, id string, progress any) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to serialize progress: %w", err)
	}
	ok, err := updateProgressScript.Run(ctx, q.client, nil, q.keys.job(id), string(data)).Int()
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	if ok == 0 {
		return jobs.ErrJobNotFound
	}
	return nil
}

// MoveToCompleted records the result of a successful attempt and applies the
// completion retention
func (q *RedisQueue) MoveToCompleted(ctx context.Context, job *jobs.Job, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to serialize return value: %w", err)
	}

	now := q.now()
	ok, err := moveToCompletedScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.completed},
		q.keys.jobPrefix, job.ID, string(data), now.UnixMilli(), job.LockToken,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to move job to completed: %w", err)
	}
	if ok == 0 {
		return jobs.ErrLockLost
	}

	job.State = jobs.StateCompleted
	job.AttemptsMade++
	job.LockToken = ""
	job.ReturnValue = data
	job.FinishedAt = &now

	q.trim(ctx, q.keys.completed, job.Opts.RemoveOnComplete)
	return nil
}

// MoveToFailed records a failed attempt. While attempts remain the job is
// delayed by its backoff and retried is true; otherwise it becomes failed.
func (q *RedisQueue) MoveToFailed(ctx context.Context, job *jobs.Job, cause error) (retried bool, err error) {
	now := q.now()
	retryAt := now.Add(job.Opts.Backoff.For(job.AttemptsMade + 1))

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	res, err := moveToFailedScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.delayed, q.keys.failed},
		q.keys.jobPrefix, job.ID, reason, now.UnixMilli(), retryAt.UnixMilli(), job.Opts.Attempts, job.LockToken,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to move job to failed: %w", err)
	}

	if res == -1 {
		return false, jobs.ErrLockLost
	}

	job.FailedReason = reason
	job.LockToken = ""
	switch res {
	case 1:
		job.AttemptsMade++
		job.State = jobs.StateDelayed
		return true, nil
	default:
		job.AttemptsMade++
		job.State = jobs.StateFailed
		job.FinishedAt = &now
		q.trim(ctx, q.keys.failed, job.Opts.RemoveOnFail)
		return false, nil
	}
}

// PromoteDelayed moves up to limit due delayed jobs to waiting
func (q *RedisQueue) PromoteDelayed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	n, err := promoteDelayedScript.Run(ctx, q.client,
		[]string{q.keys.delayed, q.keys.wait, q.keys.paused, q.keys.meta, q.keys.seq},
		q.keys.jobPrefix, q.now().UnixMilli(), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return n, nil
}

// RecoverStalled returns active jobs whose lock expired to waiting. Jobs
// that stalled more than maxStalled times are failed instead.
func (q *RedisQueue) RecoverStalled(ctx context.Context, maxStalled int) (jobs.StalledResult, error) {
	var res jobs.StalledResult
	reply, err := recoverStalledScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.wait, q.keys.failed, q.keys.paused, q.keys.meta, q.keys.seq},
		q.keys.jobPrefix, q.now().UnixMilli(), maxStalled, stalledReason,
	).StringSlice()
	if err != nil {
		return res, fmt.Errorf("failed to recover stalled jobs: %w", err)
	}

	for i := 0; i+1 < len(reply); i += 2 {
		if reply[i+1] == "failed" {
			res.Failed = append(res.Failed, reply[i])
		} else {
			res.Recovered = append(res.Recovered, reply[i])
		}
	}
	return res, nil
}

// trim applies a retention policy to a finished set. Failures are logged
// and left for the maintenance job.
func (q *RedisQueue) trim(ctx context.Context, set string, keep jobs.Retention) {
	if keep.Age <= 0 && keep.Count <= 0 {
		return
	}

	var remove []string
	if keep.Age > 0 {
		old, err := q.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("(%d", q.now().Add(-keep.Age).UnixMilli()),
		}).Result()
		if err != nil {
			q.logger.Warn("Failed to apply retention", zap.Error(err))
			return
		}
		remove = append(remove, old...)
	}
	if keep.Count > 0 {
		card, err := q.client.ZCard(ctx, set).Result()
		if err != nil {
			q.logger.Warn("Failed to apply retention", zap.Error(err))
			return
		}
		if excess := card - int64(keep.Count); excess > 0 {
			oldest, err := q.client.ZRange(ctx, set, 0, excess-1).Result()
			if err != nil {
				q.logger.Warn("Failed to apply retention", zap.Error(err))
				return
			}
			remove = append(remove, oldest...)
		}
	}
	if len(remove) == 0 {
		return
	}
	if err := q.removeJobs(ctx, set, dedupe(remove)); err != nil {
		q.logger.Warn("Failed to apply retention", zap.Error(err))
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
