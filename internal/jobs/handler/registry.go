// Package handler implements the processors of every job kind.
package handler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/worker"
)

// Func is a typed job handler
type Func[P jobs.Payload, R any] func(ctx context.Context, job *jobs.Job, payload P) (R, error)

// Typed wraps fn into a worker processor that decodes and checks the
// payload before calling it
func Typed[P jobs.Payload, R any](fn Func[P, R]) worker.Processor {
	return func(ctx context.Context, job *jobs.Job) (any, error) {
		payload, err := jobs.DecodePayload[P](job)
		if err != nil {
			return nil, err
		}
		return fn(ctx, job, payload)
	}
}

// Registry maps each kind to its processor
type Registry struct {
	mu         sync.RWMutex
	processors map[jobs.Kind]worker.Processor
	types      map[jobs.Kind]string
	logger     *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		processors: make(map[jobs.Kind]worker.Processor),
		types:      make(map[jobs.Kind]string),
		logger:     logger,
	}
}

// Register adds a typed handler under the kind of its payload type.
// Registering a kind twice replaces the earlier handler.
func Register[P jobs.Payload, R any](r *Registry, fn Func[P, R]) {
	var zero P
	kind := zero.Kind()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[kind] = Typed(fn)
	r.types[kind] = fmt.Sprintf("%T", zero)

	r.logger.Info("Registered typed job handler",
		zap.String("queue", kind.String()),
		zap.String("payload_type", r.types[kind]),
	)
}

// Processor returns the processor of kind
func (r *Registry) Processor(kind jobs.Kind) (worker.Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[kind]
	return p, ok
}

// ListHandlers returns the payload type registered per queue
func (r *Registry) ListHandlers() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.types))
	for k, v := range r.types {
		out[k.String()] = v
	}
	return out
}

// Coverage fails when a declared kind has no handler
func (r *Registry) Coverage() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, kind := range jobs.AllKinds() {
		if _, ok := r.processors[kind]; !ok {
			missing = append(missing, kind.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no handler registered for %s", strings.Join(missing, ", "))
	}
	return nil
}

// progress reports percent complete, logging instead of failing the job
// when the update cannot be stored
func progress(ctx context.Context, job *jobs.Job, logger *zap.Logger, percent int) {
	if err := job.UpdateProgress(ctx, percent); err != nil {
		logger.Warn("Failed to update job progress",
			zap.String("job_id", job.ID),
			zap.Int("progress", percent),
			zap.Error(err),
		)
	}
}

func percentOf(done, total int) int {
	if total <= 0 {
		return 100
	}
	return done * 100 / total
}
