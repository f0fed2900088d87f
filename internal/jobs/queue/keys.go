package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

// keys holds the Redis key layout of one queue. The braces keep every key of
// a queue in the same cluster slot.
type keys struct {
	base       string
	wait       string
	paused     string
	active     string
	delayed    string
	completed  string
	failed     string
	repeat     string
	meta       string
	seq        string
	jobPrefix  string
	rulePrefix string
}

func newKeys(prefix, name string) keys {
	base := fmt.Sprintf("%s:{%s}", prefix, name)
	return keys{
		base:       base,
		wait:       base + ":wait",
		paused:     base + ":paused",
		active:     base + ":active",
		delayed:    base + ":delayed",
		completed:  base + ":completed",
		failed:     base + ":failed",
		repeat:     base + ":repeat",
		meta:       base + ":meta",
		seq:        base + ":seq",
		jobPrefix:  base + ":job:",
		rulePrefix: base + ":repeat:",
	}
}

func (k keys) job(id string) string { return k.jobPrefix + id }

func (k keys) rule(key string) string { return k.rulePrefix + key }

// jobFromHash decodes a job hash
func jobFromHash(kind jobs.Kind, h map[string]string) (*jobs.Job, error) {
	j := &jobs.Job{
		ID:           h["id"],
		Name:         h["name"],
		Kind:         kind,
		State:        jobs.State(h["state"]),
		FailedReason: h["failedReason"],
		RepeatKey:    h["repeatKey"],
		AttemptsMade: atoi(h["attemptsMade"]),
		StalledCount: atoi(h["stalledCount"]),
		LockToken:    h["lockToken"],

		AttemptsStarted: atoi(h["attemptsStarted"]),
	}
	if h["kind"] != "" {
		parsed, err := jobs.ParseKind(h["kind"])
		if err != nil {
			return nil, err
		}
		j.Kind = parsed
	}
	if v := h["data"]; v != "" {
		j.Data = json.RawMessage(v)
	}
	if v := h["opts"]; v != "" {
		if err := json.Unmarshal([]byte(v), &j.Opts); err != nil {
			return nil, fmt.Errorf("failed to decode options of job %s: %w", j.ID, err)
		}
	}
	if v := h["progress"]; v != "" {
		j.Progress = json.RawMessage(v)
	}
	if v := h["returnValue"]; v != "" {
		j.ReturnValue = json.RawMessage(v)
	}
	j.CreatedAt = millis(h["createdAt"])
	if v := h["processedAt"]; v != "" {
		t := millis(v)
		j.ProcessedAt = &t
	}
	if v := h["finishedAt"]; v != "" {
		t := millis(v)
		j.FinishedAt = &t
	}
	return j, nil
}

// hashFromReply turns a flat HGETALL script reply into a map
func hashFromReply(reply any) (map[string]string, error) {
	items, ok := reply.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected script reply %T", reply)
	}
	h := make(map[string]string, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		k, _ := items[i].(string)
		v, _ := items[i+1].(string)
		h[k] = v
	}
	return h, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func millis(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}
