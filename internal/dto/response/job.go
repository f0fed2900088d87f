package response

import (
	"encoding/json"
	"time"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/monitor"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/scheduler"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/worker"
)

// JobResponse is a job record
type JobResponse struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Queue        string          `json:"queue"`
	State        string          `json:"state"`
	Priority     string          `json:"priority"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attempts_made"`
	Started      int             `json:"attempts_started"`
	Data         json.RawMessage `json:"data"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	ReturnValue  json.RawMessage `json:"return_value,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	RepeatKey    string          `json:"repeat_key,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// NewJobResponse converts a job record
func NewJobResponse(j *jobs.Job) JobResponse {
	return JobResponse{
		ID:           j.ID,
		Name:         j.Name,
		Queue:        j.Kind.String(),
		State:        string(j.State),
		Priority:     j.Opts.Priority.String(),
		Attempts:     j.Opts.Attempts,
		AttemptsMade: j.AttemptsMade,
		Started:      j.AttemptsStarted,
		Data:         j.Data,
		Progress:     j.Progress,
		ReturnValue:  j.ReturnValue,
		FailedReason: j.FailedReason,
		RepeatKey:    j.RepeatKey,
		CreatedAt:    j.CreatedAt,
		ProcessedAt:  j.ProcessedAt,
		FinishedAt:   j.FinishedAt,
	}
}

// QueueResponse is the population of one queue
type QueueResponse struct {
	Name   string        `json:"name"`
	Counts jobs.Counts   `json:"counts"`
	Total  int64         `json:"total"`
	Paused bool          `json:"paused"`
	Worker *worker.Stats `json:"worker,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// NewQueueResponse converts queue metrics
func NewQueueResponse(m monitor.QueueMetrics) QueueResponse {
	r := QueueResponse{Name: m.Name, Counts: m.Counts, Total: m.Total}
	if m.Err != nil {
		r.Error = m.Err.Error()
	}
	return r
}

// RepeatableResponse is a recurring rule of a queue
type RepeatableResponse struct {
	Key     string    `json:"key"`
	Name    string    `json:"name"`
	Pattern string    `json:"pattern,omitempty"`
	EveryMs int64     `json:"every_ms,omitempty"`
	Count   int       `json:"count"`
	Next    time.Time `json:"next"`
}

// NewRepeatableResponse converts a recurring rule
func NewRepeatableResponse(r jobs.RepeatableJob) RepeatableResponse {
	return RepeatableResponse{
		Key:     r.Key,
		Name:    r.Name,
		Pattern: r.Pattern,
		EveryMs: r.Every.Milliseconds(),
		Count:   r.Count,
		Next:    r.Next,
	}
}

// ScheduleResponse is one recurring definition of the scheduler
type ScheduleResponse struct {
	Name     string     `json:"name"`
	Queue    string     `json:"queue"`
	Pattern  string     `json:"pattern,omitempty"`
	EveryMs  int64      `json:"every_ms,omitempty"`
	Priority string     `json:"priority"`
	NextRun  *time.Time `json:"next_run,omitempty"`
}

// NewScheduleResponse converts a definition and its next trigger
func NewScheduleResponse(d scheduler.Definition, next time.Time) ScheduleResponse {
	r := ScheduleResponse{
		Name:     d.Name,
		Queue:    d.Queue.String(),
		Pattern:  d.Pattern,
		EveryMs:  d.Every.Milliseconds(),
		Priority: d.Priority.String(),
	}
	if !next.IsZero() {
		r.NextRun = &next
	}
	return r
}

// CleanResponse lists the jobs removed by a clean
type CleanResponse struct {
	Queue   string   `json:"queue"`
	State   string   `json:"state"`
	Removed []string `json:"removed"`
}

// EnqueueResponse is the job created by a one-time enqueue
type EnqueueResponse struct {
	JobID string `json:"job_id"`
	Queue string `json:"queue"`
	State string `json:"state"`
}
