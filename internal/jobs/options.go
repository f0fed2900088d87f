package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Priority orders waiting jobs; higher priorities are delivered first
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name back to its value
func ParsePriority(name string) (Priority, error) {
	for p := PriorityLow; p <= PriorityCritical; p++ {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", name)
}

// BackoffType selects how retry delays grow
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff is the delay strategy applied between attempts
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
	// Max caps exponential growth. Zero means uncapped.
	Max time.Duration `json:"max,omitempty"`
}

// For returns the delay before the next attempt once attemptsMade attempts
// have failed
func (b Backoff) For(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}

	delay := b.Delay
	if b.Type == BackoffExponential {
		for i := 1; i < attemptsMade; i++ {
			delay *= 2
			if b.Max > 0 && delay >= b.Max {
				return b.Max
			}
		}
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}

// Repeat makes a job recur on a cron pattern or a fixed interval
type Repeat struct {
	Pattern string        `json:"pattern,omitempty"`
	Every   time.Duration `json:"every,omitempty"`
	// Limit stops the rule after this many occurrences. Zero means unlimited.
	Limit int `json:"limit,omitempty"`
}

// Validate checks exactly one trigger is set
func (r Repeat) Validate() error {
	switch {
	case r.Pattern == "" && r.Every <= 0:
		return errors.New("repeat requires a pattern or a positive interval")
	case r.Pattern != "" && r.Every > 0:
		return errors.New("repeat accepts either a pattern or an interval, not both")
	case r.Limit < 0:
		return errors.New("repeat limit cannot be negative")
	}
	return nil
}

// Retention bounds how much finished history a queue keeps. Zero fields
// are unbounded.
type Retention struct {
	Age   time.Duration `json:"age,omitempty"`
	Count int           `json:"count,omitempty"`
}

// Options are the per-enqueue overrides. Nil fields inherit the queue policy.
type Options struct {
	Delay    *time.Duration
	Priority *Priority
	Attempts *int
	Backoff  *Backoff
	Repeat   *Repeat
	JobID    string
}

// Option is a functional option for configuring an enqueue
type Option func(*Options)

// NewOptions applies opts to an empty Options
func NewOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithDelay defers the first delivery
func WithDelay(d time.Duration) Option {
	return func(o *Options) {
		o.Delay = &d
	}
}

// WithPriority sets the job priority
func WithPriority(p Priority) Option {
	return func(o *Options) {
		o.Priority = &p
	}
}

// WithAttempts sets the maximum number of deliveries
func WithAttempts(n int) Option {
	return func(o *Options) {
		o.Attempts = &n
	}
}

// WithBackoff sets the retry delay strategy
func WithBackoff(b Backoff) Option {
	return func(o *Options) {
		o.Backoff = &b
	}
}

// WithRepeat registers the job as a recurring rule
func WithRepeat(r Repeat) Option {
	return func(o *Options) {
		o.Repeat = &r
	}
}

// WithJobID sets a caller-chosen id. Adding a job whose id already exists is a no-op.
func WithJobID(id string) Option {
	return func(o *Options) {
		o.JobID = id
	}
}

// Policy holds the per-queue defaults
type Policy struct {
	Attempts         int       `json:"attempts"`
	Backoff          Backoff   `json:"backoff"`
	RemoveOnComplete Retention `json:"removeOnComplete"`
	RemoveOnFail     Retention `json:"removeOnFail"`
}

// DefaultPolicy returns the queue defaults shared by most kinds
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		Backoff: Backoff{
			Type:  BackoffExponential,
			Delay: 2 * time.Second,
		},
		RemoveOnComplete: Retention{Age: time.Hour, Count: 100},
		RemoveOnFail:     Retention{Age: 24 * time.Hour},
	}
}

// DefaultPolicyFor returns the tuned defaults for a kind
func DefaultPolicyFor(kind Kind) Policy {
	p := DefaultPolicy()
	switch kind {
	case KindCleanupOldData:
		p.Attempts = 1
	case KindSendNotification:
		p.Attempts = 5
	}
	return p
}

// ResolvedOptions are the effective settings stored on a job
type ResolvedOptions struct {
	Delay            time.Duration `json:"delay,omitempty"`
	Priority         Priority      `json:"priority"`
	Attempts         int           `json:"attempts"`
	Backoff          Backoff       `json:"backoff"`
	Repeat           *Repeat       `json:"repeat,omitempty"`
	JobID            string        `json:"jobId,omitempty"`
	RemoveOnComplete Retention     `json:"removeOnComplete"`
	RemoveOnFail     Retention     `json:"removeOnFail"`
}

// Resolve merges caller options over the policy field by field. The caller
// wins on every field it sets.
func (p Policy) Resolve(o Options) ResolvedOptions {
	r := ResolvedOptions{
		Priority:         PriorityNormal,
		Attempts:         p.Attempts,
		Backoff:          p.Backoff,
		JobID:            o.JobID,
		RemoveOnComplete: p.RemoveOnComplete,
		RemoveOnFail:     p.RemoveOnFail,
	}
	if o.Delay != nil && *o.Delay > 0 {
		r.Delay = *o.Delay
	}
	if o.Priority != nil {
		r.Priority = *o.Priority
	}
	if o.Attempts != nil {
		r.Attempts = *o.Attempts
	}
	if o.Backoff != nil {
		r.Backoff = *o.Backoff
	}
	if o.Repeat != nil {
		rep := *o.Repeat
		r.Repeat = &rep
	}
	if r.Attempts < 1 {
		r.Attempts = 1
	}
	return r
}
