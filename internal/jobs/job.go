package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors
var (
	ErrUnknownKind       = errors.New("unknown job kind")
	ErrKindMismatch      = errors.New("payload does not match job kind")
	ErrJobNotFound       = errors.New("job not found")
	ErrQueueEmpty        = errors.New("queue is empty")
	ErrQueueClosed       = errors.New("queue is closed")
	ErrLockLost          = errors.New("job lock lost")
	ErrInvalidCleanState = errors.New("only completed and failed jobs can be cleaned")
	ErrRepeatNotFound    = errors.New("repeatable job not found")
)

// State is the lifecycle position of a job inside its queue
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
	StatePaused    State = "paused"
)

// Terminal reports whether no further deliveries happen in this state
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is the durable record of one unit of work
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Kind         Kind            `json:"kind"`
	Data         json.RawMessage `json:"data"`
	Opts         ResolvedOptions `json:"opts"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	StalledCount int             `json:"stalledCount,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	ReturnValue  json.RawMessage `json:"returnValue,omitempty"`
	RepeatKey    string          `json:"repeatKey,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`

	// AttemptsStarted counts claims, including deliveries lost to a stall
	AttemptsStarted int `json:"attemptsStarted"`

	// LockToken identifies the claim that currently owns an active job
	LockToken string `json:"-"`

	progress ProgressFunc
}

// ProgressFunc persists a progress update for a job
type ProgressFunc func(ctx context.Context, progress any) error

// BindProgress attaches the sink used by UpdateProgress
func (j *Job) BindProgress(fn ProgressFunc) {
	j.progress = fn
}

// UpdateProgress records partial progress, either a percentage or a
// structured object
func (j *Job) UpdateProgress(ctx context.Context, progress any) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	j.Progress = data
	if j.progress == nil {
		return nil
	}
	return j.progress(ctx, progress)
}

// Attempt returns the 1-based number of the delivery in progress
func (j *Job) Attempt() int {
	return j.AttemptsMade + 1
}

// Counts is the population of a queue by state
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    int64 `json:"paused"`
}

// Total sums every state
func (c Counts) Total() int64 {
	return c.Waiting + c.Active + c.Completed + c.Failed + c.Delayed + c.Paused
}

// RepeatableJob describes a registered recurring rule
type RepeatableJob struct {
	Key     string          `json:"key"`
	Name    string          `json:"name"`
	Pattern string          `json:"pattern,omitempty"`
	Every   time.Duration   `json:"every,omitempty"`
	Limit   int             `json:"limit,omitempty"`
	Count   int             `json:"count"`
	Next    time.Time       `json:"next"`
	Data    json.RawMessage `json:"data"`
}

// StalledResult lists jobs found active with an expired lock. Recovered jobs
// went back to waiting; failed ones exceeded the stall limit.
type StalledResult struct {
	Recovered []string
	Failed    []string
}

// Queue is the durable holding area for jobs of one kind
type Queue interface {
	// Name returns the queue name
	Name() string
	// Kind returns the kind the queue accepts
	Kind() Kind
	// Add persists a job and returns its record
	Add(ctx context.Context, name string, payload Payload, opts ...Option) (*Job, error)
	// GetJob loads a job by id
	GetJob(ctx context.Context, id string) (*Job, error)
	// Clean removes up to limit finished jobs older than grace
	Clean(ctx context.Context, grace time.Duration, limit int, state State) ([]string, error)
	// GetCounts returns the population per state
	GetCounts(ctx context.Context) (Counts, error)
	// GetRepeatableJobs lists recurring rules
	GetRepeatableJobs(ctx context.Context) ([]RepeatableJob, error)
	// RemoveRepeatableByKey deletes a recurring rule and its pending occurrence
	RemoveRepeatableByKey(ctx context.Context, key string) error
	// Close stops accepting jobs
	Close(ctx context.Context) error
}
