package handler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/maintenance"
)

// QueueCleanup is the cleanup outcome of one queue
type QueueCleanup struct {
	Queue     string      `json:"queue"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Counts    jobs.Counts `json:"counts"`
	Error     string      `json:"error,omitempty"`
}

// CleanupResult is returned by the cleanup handler
type CleanupResult struct {
	Queues []QueueCleanup `json:"queues"`
}

// CleanupHandler runs the maintenance cleaner from the cleanup queue
type CleanupHandler struct {
	cleaner *maintenance.Cleaner
	logger  *zap.Logger
}

// NewCleanupHandler creates the cleanup handler
func NewCleanupHandler(cleaner *maintenance.Cleaner, logger *zap.Logger) *CleanupHandler {
	return &CleanupHandler{
		cleaner: cleaner,
		logger:  logger.With(zap.String("queue", jobs.KindCleanupOldData.String())),
	}
}

// Handle cleans every queue, applying the payload overrides. It fails only
// when no queue could be cleaned.
func (h *CleanupHandler) Handle(ctx context.Context, job *jobs.Job, p jobs.CleanupOldData) (CleanupResult, error) {
	cfg := h.cleaner.Config()
	if p.CompletedGraceMs > 0 {
		cfg.CompletedGrace = time.Duration(p.CompletedGraceMs) * time.Millisecond
	}
	if p.FailedGraceMs > 0 {
		cfg.FailedGrace = time.Duration(p.FailedGraceMs) * time.Millisecond
	}
	if p.Limit > 0 {
		cfg.Limit = p.Limit
	}

	results := h.cleaner.RunWith(ctx, cfg)
	out := CleanupResult{Queues: make([]QueueCleanup, 0, len(results))}
	var errs []error
	for _, r := range results {
		qc := QueueCleanup{Queue: r.Queue, Completed: r.Completed, Failed: r.Failed, Counts: r.Counts}
		if r.Err != nil {
			qc.Error = r.Err.Error()
			errs = append(errs, r.Err)
		}
		out.Queues = append(out.Queues, qc)
	}

	if maintenance.AllFailed(results) {
		return out, errors.Join(errs...)
	}
	h.logger.Info("Cleanup finished",
		zap.String("job_id", job.ID),
		zap.Int("queues", len(results)),
		zap.Int("queue_errors", len(errs)),
	)
	return out, nil
}
