package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/queue"
)

const refreshLockPrefix = "engage:scheduler:refresh:"

var (
	ErrAlreadyRunning     = errors.New("scheduler already running")
	ErrDefinitionNotFound = errors.New("schedule definition not found")
)

// Queues resolves the queue of a kind
type Queues interface {
	Get(kind jobs.Kind) (jobs.Queue, error)
}

// PayloadSource yields the payloads a definition registers. It is either a
// StaticPayload or a PayloadProducer.
type PayloadSource interface {
	payloadSource()
}

// StaticPayload registers a single fixed payload
type StaticPayload struct {
	Payload jobs.Payload
}

// PayloadProducer computes the payloads at registration time, one rule per
// payload
type PayloadProducer func(ctx context.Context) ([]jobs.Payload, error)

func (StaticPayload) payloadSource()   {}
func (PayloadProducer) payloadSource() {}

// Definition is a recurring schedule entry. It has no delay: occurrences
// are placed by the pattern or interval alone.
type Definition struct {
	Queue    jobs.Kind
	Name     string
	Pattern  string
	Every    time.Duration
	Source   PayloadSource
	Priority jobs.Priority
}

// Repeat returns the repeat rule of the definition
func (d Definition) Repeat() jobs.Repeat {
	return jobs.Repeat{Pattern: d.Pattern, Every: d.Every}
}

// Validate checks the definition can be registered
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("schedule definition requires a name")
	}
	if !d.Queue.Valid() {
		return fmt.Errorf("%w: %d", jobs.ErrUnknownKind, int(d.Queue))
	}
	if d.Source == nil {
		return fmt.Errorf("schedule %s has no payload source", d.Name)
	}
	if err := d.Repeat().Validate(); err != nil {
		return fmt.Errorf("schedule %s: %w", d.Name, err)
	}
	if d.Pattern != "" {
		if err := queue.ValidatePattern(d.Pattern); err != nil {
			return fmt.Errorf("schedule %s: %w", d.Name, err)
		}
	}
	return nil
}

// payloads resolves the source into the payloads to register
func (d Definition) payloads(ctx context.Context) ([]jobs.Payload, error) {
	switch src := d.Source.(type) {
	case StaticPayload:
		return []jobs.Payload{src.Payload}, nil
	case PayloadProducer:
		return src(ctx)
	default:
		return nil, fmt.Errorf("schedule %s has unsupported payload source %T", d.Name, src)
	}
}

// Result summarizes one registration pass
type Result struct {
	Registered int
	Pruned     int
	Failed     int
	Errors     []error
}

// Err joins the failures of the pass
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

func (r *Result) fail(err error) {
	r.Failed++
	r.Errors = append(r.Errors, err)
}

// Config holds scheduler configuration
type Config struct {
	// RefreshSchedule re-registers every definition so new tenants get their
	// rules. Empty disables the refresh.
	RefreshSchedule string
	// LockTTL is the refresh window. One instance refreshes per window.
	LockTTL time.Duration
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() Config {
	return Config{
		RefreshSchedule: "@hourly",
		LockTTL:         5 * time.Minute,
	}
}

// Scheduler registers recurring rules on the queues and enqueues one-time
// jobs
type Scheduler struct {
	queues      Queues
	definitions []Definition
	redis       *redis.Client
	logger      *zap.Logger
	config      Config
	now         func() time.Time
	instanceID  string

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithRefreshLock coordinates refreshes across instances through client
func WithRefreshLock(client *redis.Client) Option {
	return func(s *Scheduler) {
		s.redis = client
	}
}

// WithConfig overrides the default configuration
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) {
		if cfg.LockTTL <= 0 {
			cfg.LockTTL = DefaultConfig().LockTTL
		}
		s.config = cfg
	}
}

// New creates a scheduler over queues with the given definitions
func New(queues Queues, definitions []Definition, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		queues:      queues,
		definitions: append([]Definition(nil), definitions...),
		logger:      logger.With(zap.String("component", "scheduler")),
		config:      DefaultConfig(),
		now:         time.Now,
		instanceID:  uuid.New().String(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListDefinitions returns the schedule table
func (s *Scheduler) ListDefinitions() []Definition {
	return append([]Definition(nil), s.definitions...)
}

// ScheduleJobs registers the repeat rules of every definition. A producer or
// registration failure is logged and does not stop the other definitions.
func (s *Scheduler) ScheduleJobs(ctx context.Context) Result {
	var res Result
	for _, def := range s.definitions {
		registered, err := s.register(ctx, def, &res)
		if err != nil {
			s.logger.Error("Failed to register schedule",
				zap.String("schedule", def.Name),
				zap.String("queue", def.Queue.String()),
				zap.Error(err),
			)
			res.fail(err)
			continue
		}
		s.logger.Info("Schedule registered",
			zap.String("schedule", def.Name),
			zap.String("queue", def.Queue.String()),
			zap.String("pattern", def.Pattern),
			zap.Duration("every", def.Every),
			zap.Int("rules", registered),
		)
	}
	return res
}

// register adds one rule per payload of def. Failures of single payloads
// are recorded in res; the returned error aborts the whole definition.
func (s *Scheduler) register(ctx context.Context, def Definition, res *Result) (int, error) {
	if err := def.Validate(); err != nil {
		return 0, err
	}
	q, err := s.queues.Get(def.Queue)
	if err != nil {
		return 0, err
	}
	payloads, err := def.payloads(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to produce payloads for %s: %w", def.Name, err)
	}

	registered := 0
	current := make(map[string]bool, len(payloads))
	complete := true
	for _, p := range payloads {
		job, err := q.Add(ctx, def.Name, p,
			jobs.WithRepeat(def.Repeat()),
			jobs.WithPriority(def.Priority),
		)
		if err != nil {
			s.logger.Error("Failed to register schedule entry",
				zap.String("schedule", def.Name),
				zap.String("queue", def.Queue.String()),
				zap.Error(err),
			)
			res.fail(fmt.Errorf("schedule %s: %w", def.Name, err))
			complete = false
			continue
		}
		current[job.RepeatKey] = true
		registered++
	}
	res.Registered += registered

	// A partial pass cannot tell a removed tenant from a failed one.
	if complete {
		res.Pruned += s.prune(ctx, q, def, current)
	}
	return registered, nil
}

// prune removes the rules named after def that the latest pass did not
// register, such as those of a deactivated organization or a changed pattern
func (s *Scheduler) prune(ctx context.Context, q jobs.Queue, def Definition, current map[string]bool) int {
	rules, err := q.GetRepeatableJobs(ctx)
	if err != nil {
		s.logger.Warn("Failed to list repeatable jobs for pruning",
			zap.String("schedule", def.Name),
			zap.Error(err),
		)
		return 0
	}

	pruned := 0
	for _, rule := range rules {
		if rule.Name != def.Name || current[rule.Key] {
			continue
		}
		if err := q.RemoveRepeatableByKey(ctx, rule.Key); err != nil {
			s.logger.Warn("Failed to prune repeatable job",
				zap.String("schedule", def.Name),
				zap.String("repeat_key", rule.Key),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("Stale schedule entry pruned",
			zap.String("schedule", def.Name),
			zap.String("repeat_key", rule.Key),
		)
		pruned++
	}
	return pruned
}

// UnscheduleJobs removes every repeat rule from the queues that carry
// definitions. Failures are logged and joined; cleanup continues.
func (s *Scheduler) UnscheduleJobs(ctx context.Context) (int, error) {
	var (
		errs    []error
		removed int
		seen    = make(map[jobs.Kind]bool)
	)
	for _, def := range s.definitions {
		if seen[def.Queue] {
			continue
		}
		seen[def.Queue] = true

		q, err := s.queues.Get(def.Queue)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rules, err := q.GetRepeatableJobs(ctx)
		if err != nil {
			s.logger.Error("Failed to list repeatable jobs", zap.String("queue", q.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("queue %s: %w", q.Name(), err))
			continue
		}
		for _, rule := range rules {
			if err := q.RemoveRepeatableByKey(ctx, rule.Key); err != nil {
				s.logger.Error("Failed to remove repeatable job",
					zap.String("queue", q.Name()),
					zap.String("repeat_key", rule.Key),
					zap.Error(err),
				)
				errs = append(errs, fmt.Errorf("queue %s: %w", q.Name(), err))
				continue
			}
			removed++
		}
	}

	s.logger.Info("Schedules removed", zap.Int("removed", removed), zap.Int("errors", len(errs)))
	return removed, errors.Join(errs...)
}

// ScheduleOneTimeJob enqueues a single job on the queue of kind, delayed by
// delay when positive
func (s *Scheduler) ScheduleOneTimeJob(ctx context.Context, kind jobs.Kind, payload jobs.Payload, delay time.Duration, opts ...jobs.Option) (*jobs.Job, error) {
	q, err := s.queues.Get(kind)
	if err != nil {
		s.logger.Error("Failed to schedule job", zap.String("queue", kind.String()), zap.Error(err))
		return nil, err
	}
	if delay > 0 {
		opts = append(opts, jobs.WithDelay(delay))
	}

	job, err := q.Add(ctx, kind.String(), payload, opts...)
	if err != nil {
		s.logger.Error("Failed to schedule job", zap.String("queue", kind.String()), zap.Error(err))
		return nil, err
	}

	s.logger.Info("Job scheduled",
		zap.String("queue", kind.String()),
		zap.String("job_id", job.ID),
		zap.Duration("delay", delay),
	)
	return job, nil
}

// NextRun returns the next trigger of the named definition
func (s *Scheduler) NextRun(name string) (time.Time, error) {
	for _, def := range s.definitions {
		if def.Name == name {
			return queue.NextRun(def.Repeat(), s.now())
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
}

// Start registers every definition and starts the refresh cron
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	s.logger.Info("Starting scheduler",
		zap.String("instance_id", s.instanceID),
		zap.Int("definitions", len(s.definitions)),
	)
	res := s.ScheduleJobs(ctx)
	if res.Failed > 0 {
		s.logger.Warn("Some schedules failed to register",
			zap.Int("registered", res.Registered),
			zap.Int("failed", res.Failed),
		)
	}

	if s.config.RefreshSchedule != "" {
		cl := newCronLogger(s.logger)
		c := cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		)
		if _, err := c.AddFunc(s.config.RefreshSchedule, s.onRefresh); err != nil {
			return fmt.Errorf("invalid refresh schedule %q: %w", s.config.RefreshSchedule, err)
		}
		c.Start()
		s.cron = c
	}

	s.running = true
	return nil
}

// Stop stops the refresh cron and waits for a running refresh. Rules stay
// registered. Safe to call more than once.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.logger.Info("Stopping scheduler")

	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	s.cron = nil
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) onRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.LockTTL)
	defer cancel()
	s.refresh(ctx)
}

// refresh re-registers every definition unless another instance already
// refreshed in the current window. It reports whether it ran.
func (s *Scheduler) refresh(ctx context.Context) bool {
	acquired, err := s.acquireRefreshLock(ctx)
	if err != nil {
		s.logger.Error("Failed to acquire schedule refresh lock", zap.Error(err))
		return false
	}
	if !acquired {
		s.logger.Debug("Schedule refresh already done in this window")
		return false
	}

	res := s.ScheduleJobs(ctx)
	s.logger.Info("Schedules refreshed",
		zap.Int("registered", res.Registered),
		zap.Int("failed", res.Failed),
	)
	return true
}

func (s *Scheduler) acquireRefreshLock(ctx context.Context) (bool, error) {
	if s.redis == nil {
		return true, nil
	}
	window := s.now().UTC().Truncate(s.config.LockTTL)
	key := refreshLockPrefix + window.Format(time.RFC3339)
	return s.redis.SetNX(ctx, key, s.instanceID, s.config.LockTTL).Result()
}

// cronLogger routes cron's own logging into zap
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func newCronLogger(l *zap.Logger) cronLogger {
	return cronLogger{sugar: l.Sugar()}
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
