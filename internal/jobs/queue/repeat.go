package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidatePattern checks a cron pattern is parseable
func ValidatePattern(pattern string) error {
	if _, err := cronParser.Parse(pattern); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", pattern, err)
	}
	return nil
}

// NextRun returns the first trigger strictly after the given time. Patterns
// are evaluated in UTC; intervals are aligned to multiples of Every.
func NextRun(r jobs.Repeat, after time.Time) (time.Time, error) {
	if err := r.Validate(); err != nil {
		return time.Time{}, err
	}
	if r.Every > 0 {
		every := r.Every.Milliseconds()
		if every <= 0 {
			every = 1
		}
		next := (after.UnixMilli()/every + 1) * every
		return time.UnixMilli(next), nil
	}
	sched, err := cronParser.Parse(r.Pattern)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", r.Pattern, err)
	}
	next := sched.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", r.Pattern)
	}
	return next, nil
}

// RepeatKey identifies a recurring rule. Rules with the same name, payload
// identity and trigger share a key, so registering one twice replaces it.
func RepeatKey(name, jobID string, r jobs.Repeat) string {
	trigger := r.Pattern
	if r.Every > 0 {
		trigger = "every:" + strconv.FormatInt(r.Every.Milliseconds(), 10)
	}
	return name + ":" + jobID + ":" + trigger
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

func occurrenceID(key string, at time.Time) string {
	return "repeat:" + shortHash(key) + ":" + strconv.FormatInt(at.UnixMilli(), 10)
}

// addRepeatable registers or replaces a recurring rule and schedules its
// next occurrence
func (q *RedisQueue) addRepeatable(ctx context.Context, name string, data json.RawMessage, opts jobs.ResolvedOptions) (*jobs.Job, error) {
	rep := *opts.Repeat
	if err := rep.Validate(); err != nil {
		return nil, err
	}

	jobID := opts.JobID
	if jobID == "" {
		jobID = shortHash(string(data))
	}
	key := RepeatKey(name, jobID, rep)

	next, err := NextRun(rep, q.now())
	if err != nil {
		return nil, err
	}

	occurrence := opts
	occurrence.Repeat = nil
	occurrence.Delay = 0
	occurrence.JobID = ""
	occJSON, err := json.Marshal(occurrence)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize repeat options: %w", err)
	}

	ruleKey := q.keys.rule(key)
	prev, err := q.client.HGet(ctx, ruleKey, "pendingId").Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read repeatable job: %w", err)
	}

	id := occurrenceID(key, next)
	if prev != "" && prev != id {
		if err := q.removePending(ctx, prev); err != nil {
			return nil, err
		}
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, ruleKey,
		"key", key,
		"name", name,
		"data", string(data),
		"opts", string(occJSON),
		"pattern", rep.Pattern,
		"every", rep.Every.Milliseconds(),
		"limit", rep.Limit,
		"next", next.UnixMilli(),
		"pendingId", id,
	)
	pipe.HSetNX(ctx, ruleKey, "count", 0)
	pipe.ZAdd(ctx, q.keys.repeat, redis.Z{Score: float64(next.UnixMilli()), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to register repeatable job: %w", err)
	}

	job, err := q.addJob(ctx, id, name, data, occurrence, next, key)
	if err != nil {
		return nil, err
	}

	q.logger.Info("Repeatable job registered",
		zap.String("repeat_key", key),
		zap.String("job_name", name),
		zap.String("pattern", rep.Pattern),
		zap.Duration("every", rep.Every),
		zap.Time("next", next),
	)
	return job, nil
}

// scheduleNextOccurrence runs when an occurrence is claimed. It counts the
// occurrence, retires the rule at its limit, and otherwise schedules the
// following one.
func (q *RedisQueue) scheduleNextOccurrence(ctx context.Context, key string) error {
	ruleKey := q.keys.rule(key)
	rule, err := q.client.HGetAll(ctx, ruleKey).Result()
	if err != nil {
		return fmt.Errorf("failed to read repeatable job: %w", err)
	}
	if len(rule) == 0 {
		return nil
	}

	count, err := q.client.HIncrBy(ctx, ruleKey, "count", 1).Result()
	if err != nil {
		return fmt.Errorf("failed to count repeat occurrence: %w", err)
	}

	rep := ruleRepeat(rule)
	if rep.Limit > 0 && count >= int64(rep.Limit) {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.keys.repeat, key)
		pipe.Del(ctx, ruleKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to retire repeatable job: %w", err)
		}
		q.logger.Info("Repeatable job reached its limit",
			zap.String("repeat_key", key),
			zap.Int("limit", rep.Limit),
		)
		return nil
	}

	after := q.now()
	if prev := millis(rule["next"]); prev.After(after) {
		after = prev
	}
	next, err := NextRun(rep, after)
	if err != nil {
		return err
	}

	var opts jobs.ResolvedOptions
	if err := json.Unmarshal([]byte(rule["opts"]), &opts); err != nil {
		return fmt.Errorf("failed to decode repeat options: %w", err)
	}

	id := occurrenceID(key, next)
	if _, err := q.addJob(ctx, id, rule["name"], json.RawMessage(rule["data"]), opts, next, key); err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, ruleKey, "next", next.UnixMilli(), "pendingId", id)
	pipe.ZAdd(ctx, q.keys.repeat, redis.Z{Score: float64(next.UnixMilli()), Member: key})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to advance repeatable job: %w", err)
	}
	return nil
}

// GetRepeatableJobs lists the registered rules ordered by next run
func (q *RedisQueue) GetRepeatableJobs(ctx context.Context) ([]jobs.RepeatableJob, error) {
	ruleKeys, err := q.client.ZRange(ctx, q.keys.repeat, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list repeatable jobs: %w", err)
	}
	if len(ruleKeys) == 0 {
		return []jobs.RepeatableJob{}, nil
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ruleKeys))
	for i, key := range ruleKeys {
		cmds[i] = pipe.HGetAll(ctx, q.keys.rule(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load repeatable jobs: %w", err)
	}

	out := make([]jobs.RepeatableJob, 0, len(ruleKeys))
	for i, key := range ruleKeys {
		rule := cmds[i].Val()
		if len(rule) == 0 {
			continue
		}
		rep := ruleRepeat(rule)
		out = append(out, jobs.RepeatableJob{
			Key:     key,
			Name:    rule["name"],
			Pattern: rep.Pattern,
			Every:   rep.Every,
			Limit:   rep.Limit,
			Count:   atoi(rule["count"]),
			Next:    millis(rule["next"]),
			Data:    json.RawMessage(rule["data"]),
		})
	}
	return out, nil
}

// RemoveRepeatableByKey deletes a rule and its pending occurrence. Removing
// an unknown key is a no-op.
func (q *RedisQueue) RemoveRepeatableByKey(ctx context.Context, key string) error {
	ruleKey := q.keys.rule(key)
	pending, err := q.client.HGet(ctx, ruleKey, "pendingId").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read repeatable job: %w", err)
	}
	if pending != "" {
		if err := q.removePending(ctx, pending); err != nil {
			return err
		}
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keys.repeat, key)
	pipe.Del(ctx, ruleKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove repeatable job: %w", err)
	}

	q.logger.Info("Repeatable job removed", zap.String("repeat_key", key))
	return nil
}

// removePending deletes an occurrence no worker has claimed yet
func (q *RedisQueue) removePending(ctx context.Context, id string) error {
	err := removePendingScript.Run(ctx, q.client,
		[]string{q.keys.delayed, q.keys.wait, q.keys.paused},
		q.keys.jobPrefix, id,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to remove pending occurrence: %w", err)
	}
	return nil
}

func ruleRepeat(rule map[string]string) jobs.Repeat {
	every, _ := strconv.ParseInt(rule["every"], 10, 64)
	return jobs.Repeat{
		Pattern: rule["pattern"],
		Every:   time.Duration(every) * time.Millisecond,
		Limit:   atoi(rule["limit"]),
	}
}
