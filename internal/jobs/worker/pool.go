package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
	"github.com/jrjohn/engage-cloud-go/internal/observability"
	"github.com/jrjohn/engage-cloud-go/internal/resilience"
)

var (
	ErrPoolRunning     = errors.New("worker pool already running")
	ErrPoolClosed      = errors.New("worker pool is closed")
	ErrShutdownTimeout = errors.New("timed out waiting for running jobs")
)

// Source is the queue side a pool consumes
type Source interface {
	Name() string
	Kind() jobs.Kind
	MoveToActive(ctx context.Context, lockFor time.Duration) (*jobs.Job, error)
	ExtendLock(ctx context.Context, job *jobs.Job, lockFor time.Duration) error
	UpdateProgress(ctx context.Context, id string, progress any) error
	MoveToCompleted(ctx context.Context, job *jobs.Job, result any) error
	MoveToFailed(ctx context.Context, job *jobs.Job, cause error) (bool, error)
	PromoteDelayed(ctx context.Context, limit int) (int, error)
	RecoverStalled(ctx context.Context, maxStalled int) (jobs.StalledResult, error)
}

// Processor runs one job. A returned error fails the attempt; the result is
// stored as the job's return value.
type Processor func(ctx context.Context, job *jobs.Job) (any, error)

// Stats is a snapshot of pool activity
type Stats struct {
	Queue       string `json:"queue"`
	Running     bool   `json:"running"`
	Concurrency int    `json:"concurrency"`
	Active      int64  `json:"active"`
	Completed   int64  `json:"completed"`
	Failed      int64  `json:"failed"`
	Retried     int64  `json:"retried"`
	Stalled     int64  `json:"stalled"`
}

// Option configures a Pool
type Option func(*Pool)

// WithMetrics records processing metrics
func WithMetrics(m *jobs.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithTracer overrides the tracer used for job spans
func WithTracer(t trace.Tracer) Option {
	return func(p *Pool) {
		p.tracer = t
	}
}

// Pool processes the jobs of one queue with bounded concurrency
type Pool struct {
	source    Source
	processor Processor
	config    Config
	logger    *zap.Logger
	metrics   *jobs.Metrics
	tracer    trace.Tracer
	limiter   *resilience.SlidingWindowLimiter
	events    *emitter

	mu      sync.Mutex
	started bool
	closed  bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	running sync.WaitGroup
	sem     chan struct{}

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	stalled   atomic.Int64
}

// NewPool creates a pool for source. It does nothing until Start.
func NewPool(source Source, processor Processor, cfg Config, logger *zap.Logger, opts ...Option) *Pool {
	cfg = cfg.normalize()
	p := &Pool{
		source:    source,
		processor: processor,
		config:    cfg,
		logger:    logger.With(zap.String("queue", source.Name())),
		tracer:    otel.Tracer("github.com/jrjohn/engage-cloud-go/internal/jobs/worker"),
		limiter:   cfg.limiter(source.Name()),
		stopCh:    make(chan struct{}),
		sem:       make(chan struct{}, cfg.Concurrency),
	}
	p.events = newEmitter(p.logger)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the queue name
func (p *Pool) Name() string { return p.source.Name() }

// On registers a listener for an event type
func (p *Pool) On(t EventType, l Listener) {
	p.events.on(t, l)
}

// Start launches the fetch, promotion and stall-recovery loops. The loops
// outlive ctx; they stop on Close.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolRunning
	}
	p.started = true

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.loops.Add(3)
	go p.fetchLoop(loopCtx)
	go p.tick(loopCtx, p.config.PromoteInterval, p.promote)
	go p.tick(loopCtx, p.config.StalledInterval, p.recoverStalled)

	fields := []zap.Field{
		zap.Int("concurrency", p.config.Concurrency),
		zap.Duration("lock_duration", p.config.LockDuration),
	}
	if p.config.Limiter != nil {
		fields = append(fields,
			zap.Int("limiter_max", p.config.Limiter.Max),
			zap.Duration("limiter_duration", p.config.Limiter.Duration),
		)
	}
	p.logger.Info("Worker pool started", fields...)
	return nil
}

// Close stops pulling new jobs and waits for running handlers to finish.
// Running handlers are never cancelled. Safe to call more than once.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}

	// Let an in-flight fetch finish so a claimed job is not orphaned.
	close(p.stopCh)
	p.loops.Wait()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.running.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	p.logger.Warn("Worker pool shutdown timed out",
		zap.Int64("active", p.active.Load()),
	)
	return fmt.Errorf("worker pool %s: %w", p.source.Name(), ErrShutdownTimeout)
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	running := p.started && !p.closed
	p.mu.Unlock()

	return Stats{
		Queue:       p.source.Name(),
		Running:     running,
		Concurrency: p.config.Concurrency,
		Active:      p.active.Load(),
		Completed:   p.completed.Load(),
		Failed:      p.failed.Load(),
		Retried:     p.retried.Load(),
		Stalled:     p.stalled.Load(),
	}
}

// fetchLoop claims jobs while a concurrency slot is free
func (p *Pool) fetchLoop(ctx context.Context) {
	defer p.loops.Done()

	for {
		select {
		case p.sem <- struct{}{}:
		case <-p.stopCh:
			return
		}

		job, err := p.source.MoveToActive(ctx, p.config.LockDuration)
		if err != nil {
			<-p.sem
			if !errors.Is(err, jobs.ErrQueueEmpty) && ctx.Err() == nil {
				p.logger.Error("Failed to fetch job", zap.Error(err))
				p.events.emit(Event{Type: EventError, Queue: p.source.Name(), Err: err})
			}
			if !p.sleep(p.config.PollInterval) {
				return
			}
			continue
		}

		p.running.Add(1)
		go p.run(job)
	}
}

// sleep waits for d and reports false when the pool is stopping
func (p *Pool) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.stopCh:
		return false
	}
}

func (p *Pool) tick(ctx context.Context, every time.Duration, fn func(context.Context)) {
	defer p.loops.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) promote(ctx context.Context) {
	n, err := p.source.PromoteDelayed(ctx, 1000)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("Failed to promote delayed jobs", zap.Error(err))
		}
		return
	}
	if n > 0 {
		p.logger.Debug("Promoted delayed jobs", zap.Int("count", n))
	}
}

func (p *Pool) recoverStalled(ctx context.Context) {
	res, err := p.source.RecoverStalled(ctx, p.config.MaxStalledCount)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("Failed to check stalled jobs", zap.Error(err))
		}
		return
	}
	for _, id := range res.Recovered {
		p.logger.Warn("Job stalled and was returned to waiting", zap.String("job_id", id))
		p.events.emit(Event{Type: EventStalled, Queue: p.source.Name(), JobID: id})
	}
	for _, id := range res.Failed {
		p.logger.Error("Job stalled too many times and failed", zap.String("job_id", id))
		p.events.emit(Event{Type: EventStalled, Queue: p.source.Name(), JobID: id, Err: errors.New("stalled limit exceeded")})
	}
	if n := len(res.Recovered) + len(res.Failed); n > 0 {
		p.stalled.Add(int64(n))
		p.metrics.RecordStalled(p.source.Name(), n)
	}
}

// run processes one claimed job. The handler context is detached from the
// pool so Close never cancels it.
func (p *Pool) run(job *jobs.Job) {
	defer p.running.Done()
	defer func() { <-p.sem }()

	ctx := context.Background()
	queue := p.source.Name()
	logger := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_name", job.Name),
		zap.Int("attempt", job.Attempt()),
	)

	stopHeartbeat := p.heartbeat(job, logger)
	defer stopHeartbeat()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			logger.Error("Rate limiter wait failed", zap.Error(err))
		}
	}

	p.active.Add(1)
	defer p.active.Add(-1)

	var waited time.Duration
	if job.ProcessedAt != nil && !job.CreatedAt.IsZero() {
		waited = job.ProcessedAt.Sub(job.CreatedAt)
	}
	p.metrics.RecordStarted(queue, waited)

	ctx, span := p.tracer.Start(ctx, "job "+queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			observability.AttrJobQueue.String(queue),
			observability.AttrJobID.String(job.ID),
			observability.AttrJobName.String(job.Name),
			observability.AttrJobAttempt.Int(job.Attempt()),
		),
	)
	defer span.End()

	job.BindProgress(func(ctx context.Context, progress any) error {
		if err := p.source.UpdateProgress(ctx, job.ID, progress); err != nil {
			logger.Warn("Failed to store job progress", zap.Error(err))
			return err
		}
		p.events.emit(Event{Type: EventProgress, Queue: queue, JobID: job.ID, Job: job, Progress: progress})
		return nil
	})

	logger.Debug("Processing job")
	start := time.Now()
	result, err := p.process(ctx, job)
	took := time.Since(start)
	stopHeartbeat()

	if err == nil {
		p.complete(ctx, job, result, took, logger)
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.fail(ctx, job, err, took, logger)
}

// process runs the processor and converts a panic into an error
func (p *Pool) process(ctx context.Context, job *jobs.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Job handler panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.processor(ctx, job)
}

func (p *Pool) complete(ctx context.Context, job *jobs.Job, result any, took time.Duration, logger *zap.Logger) {
	queue := p.source.Name()
	if err := p.source.MoveToCompleted(ctx, job, result); err != nil {
		// The job is retried by stall recovery or another worker owns it now.
		logger.Error("Failed to mark job completed", zap.Error(err))
		p.events.emit(Event{Type: EventError, Queue: queue, JobID: job.ID, Job: job, Err: err})
		return
	}

	p.completed.Add(1)
	p.metrics.RecordCompleted(queue, took)
	logger.Info("Job completed", zap.Duration("duration", took))
	p.events.emit(Event{Type: EventCompleted, Queue: queue, JobID: job.ID, Job: job, Result: result})
}

func (p *Pool) fail(ctx context.Context, job *jobs.Job, cause error, took time.Duration, logger *zap.Logger) {
	queue := p.source.Name()
	retried, err := p.source.MoveToFailed(ctx, job, cause)
	if err != nil {
		logger.Error("Failed to mark job failed", zap.NamedError("cause", cause), zap.Error(err))
		p.events.emit(Event{Type: EventError, Queue: queue, JobID: job.ID, Job: job, Err: err})
		return
	}

	p.metrics.RecordFailed(queue, took, retried)
	if retried {
		p.retried.Add(1)
		logger.Warn("Job failed, will retry",
			zap.Error(cause),
			zap.Int("attempts", job.Opts.Attempts),
			zap.Duration("duration", took),
		)
	} else {
		p.failed.Add(1)
		logger.Error("Job failed",
			zap.Error(cause),
			zap.Int("attempts", job.Opts.Attempts),
			zap.Duration("duration", took),
		)
	}
	p.events.emit(Event{Type: EventFailed, Queue: queue, JobID: job.ID, Job: job, Err: cause, WillRetry: retried})
}

// heartbeat renews the job lock at half the lock duration until stopped.
// The returned func is safe to call more than once.
func (p *Pool) heartbeat(job *jobs.Job, logger *zap.Logger) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.config.LockDuration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				err := p.source.ExtendLock(context.Background(), job, p.config.LockDuration)
				if errors.Is(err, jobs.ErrLockLost) {
					logger.Warn("Job lock lost")
					return
				}
				if err != nil {
					logger.Warn("Failed to extend job lock", zap.Error(err))
				}
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
		})
	}
}
