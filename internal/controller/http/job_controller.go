package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/dto/request"
	"github.com/jrjohn/engage-cloud-go/internal/dto/response"
	"github.com/jrjohn/engage-cloud-go/internal/jobs"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/monitor"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/queue"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/scheduler"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/worker"
	"github.com/jrjohn/engage-cloud-go/internal/middleware"
	apperrors "github.com/jrjohn/engage-cloud-go/pkg/errors"
)

// StatsSource reports the activity of the local worker pools
type StatsSource interface {
	Stats() worker.Stats
}

// JobController exposes queue inspection and administration to operators
type JobController struct {
	queues         *queue.Set
	scheduler      *scheduler.Scheduler
	pools          map[string]StatsSource
	authMiddleware *middleware.AuthMiddleware
	logger         *zap.Logger
}

// NewJobController creates a new JobController instance
func NewJobController(
	queues *queue.Set,
	sched *scheduler.Scheduler,
	pools []StatsSource,
	authMiddleware *middleware.AuthMiddleware,
	logger *zap.Logger,
) *JobController {
	byQueue := make(map[string]StatsSource, len(pools))
	for _, p := range pools {
		byQueue[p.Stats().Queue] = p
	}
	return &JobController{
		queues:         queues,
		scheduler:      sched,
		pools:          byQueue,
		authMiddleware: authMiddleware,
		logger:         logger.Named("job_controller"),
	}
}

// RegisterRoutes registers the job routes. Reads need any operator role,
// writes need admin.
func (c *JobController) RegisterRoutes(router *gin.RouterGroup) {
	jobRoutes := router.Group("/jobs", c.authMiddleware.Authenticate())
	{
		jobRoutes.GET("/queues", c.ListQueues)
		jobRoutes.GET("/queues/:kind", c.GetQueue)
		jobRoutes.GET("/queues/:kind/jobs/:id", c.GetJob)
		jobRoutes.GET("/queues/:kind/repeatables", c.ListRepeatables)
		jobRoutes.GET("/schedules", c.ListSchedules)

		admin := jobRoutes.Group("", c.authMiddleware.RequireAdmin())
		admin.POST("/queues/:kind/jobs", c.EnqueueJob)
		admin.POST("/queues/:kind/clean", c.CleanQueue)
		admin.POST("/queues/:kind/pause", c.PauseQueue)
		admin.POST("/queues/:kind/resume", c.ResumeQueue)
		admin.DELETE("/queues/:kind/repeatables/:key", c.RemoveRepeatable)
		admin.POST("/schedules/refresh", c.RefreshSchedules)
		admin.DELETE("/schedules", c.RemoveSchedules)
	}
}

// ListQueues returns the population of every queue
// @Summary List queues
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.ApiResponse[[]response.QueueResponse]
// @Router /api/v1/jobs/queues [get]
func (c *JobController) ListQueues(ctx *gin.Context) {
	all := c.queues.All()
	metrics := monitor.GetAllQueueMetrics(ctx.Request.Context(), c.queues.Queues())

	out := make([]response.QueueResponse, len(metrics))
	for i, m := range metrics {
		out[i] = c.queueResponse(ctx.Request.Context(), all[i], m)
	}
	ctx.JSON(http.StatusOK, response.NewSuccessWithData(out))
}

// GetQueue returns the population of one queue
// @Summary Get queue
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Param kind path string true "Queue name"
// @Success 200 {object} response.ApiResponse[response.QueueResponse]
// @Router /api/v1/jobs/queues/{kind} [get]
func (c *JobController) GetQueue(ctx *gin.Context) {
	q, ok := c.queue(ctx)
	if !ok {
		return
	}
	m := monitor.GetAllQueueMetrics(ctx.Request.Context(), []jobs.Queue{q})[0]
	if m.Err != nil {
		c.fail(ctx, m.Err)
		return
	}
	ctx.JSON(http.StatusOK, response.NewSuccessWithData(c.queueResponse(ctx.Request.Context(), q, m)))
}

// GetJob retrieves a job by ID
// @Summary Get job by ID
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Param kind path string true "Queue name"
// @Param id path string true "Job ID"
// @Success 200 {object} response.ApiResponse[response.JobResponse]
// @Router /api/v1/jobs/queues/{kind}/jobs/{id} [get]
func (c *JobController) GetJob(ctx *gin.Context) {
	q, ok := c.queue(ctx)
	if !ok {
		return
	}
	job, err := q.GetJob(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		c.fail(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, response.NewSuccessWithData(response.NewJobResponse(job)))
}

// ListRepeatables returns the recurring rules of a queue
// @Summary List recurring rules
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Param kind path string true "Queue name"
// @Success 200 {object} response.ApiResponse[[]response.RepeatableResponse]
// @Router /api/v1/jobs/queues/{kind}/repeatables [get]
func (c *JobController) ListRepeatables(ctx *gin.Context) {
	q, ok := c.queue(ctx)
	if !ok {
		return
	}
	rules, err := q.GetRepeatableJobs(ctx.Request.Context())
	if err != nil {
		c.fail(ctx, err)
		return
	}
	out := make([]response.RepeatableResponse, len(rules))
	for i, r := range rules {
		out[i] = response.NewRepeatableResponse(r)
	}
	ctx.JSON(http.StatusOK, response.NewSuccessWithData(out))
}

// ListSchedules returns the recurring definitions with their next trigger
// @Summary List schedules
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.ApiResponse[[]response.ScheduleResponse]
// @Router /api/v1/jobs/schedules [get]
func (c *JobController) ListSchedules(ctx *gin.Context) {
	defs := c.scheduler.ListDefinitions()
	out := make([]response.ScheduleResponse, len(defs))
	for i, d := range defs {
		next, err := c.scheduler.NextRun(d.Name)
		if err != nil {
			c.logger.Warn("Failed to compute next run", zap.String("schedule", d.Name), zap.Error(err))
		}
		out[i] = response.NewScheduleResponse(d, next)
	}
	ctx.JSON(http.StatusOK, response.NewSuccessWithData(out))
}

// EnqueueJob adds a one-time job to a queue
// @Summary Enqueue a job
// @Tags Jobs
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param kind path string true "Queue name"
// @Param request body request.EnqueueJobRequest true "Job request"
// @Success 201 {object} response.ApiResponse[response.EnqueueResponse]
// @Router /api/v1/jobs/queues/{kind}/jobs [post]
func (c *JobController) EnqueueJob(ctx *gin.Context) {
	q, ok := c.queue(ctx)
	if !ok {
		return
	}
	var req request.EnqueueJobRequest
	if !bind(ctx, &req) {
		return
	}

	payload, err := jobs.ParsePayload(q.Kind(), req.Payload)
	if err != nil {
		c.fail(ctx, apperrors.Expose(err, apperrors.ErrBadRequest))
		return
	}

	var opts []jobs.Option
	if req.Priority != "" {
		p, err := jobs.ParsePriority(req.Priority)
		if err != nil {
			c.fail(ctx, apperrors.Expose(err, apperrors.ErrBadRequest))
			return
		}
		opts = append(opts, jobs.WithPriority(p))
	}
	if req.Attempts > 0 {
		opts = append(opts, jobs.WithAttempts(req.Attempts))
	}
	if req.JobID != "" {
		opts = append(opts, jobs.WithJobID(req.JobID))
	}

	delay := time.Duration(req.DelayMs) * time.Millisecond
	job, err := c.scheduler.ScheduleOneTimeJob(ctx.Request.Context(), q.Kind(), payload, delay, opts...)
	if err != nil {
		c.fail(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, response.NewSuccess(response.EnqueueResponse{
		JobID: job.ID,
		Queue: q.Name(),
		State: string(job.State),
	}, "Job enqueued"))
}

// CleanQueue removes finished jobs older than the grace period
// @Summary Clean a queue
// @Tags Jobs
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param kind path string true "Queue name"
// @Param request body request.CleanQueueRequest true "Clean request"
// @Success 200 {object} response.ApiResponse[response.CleanResponse]
// @Router /api/v1/jobs/queues/{kind}/clean [post]
func (c *JobController) CleanQueue(ctx *gin.Context) {
	q, ok := c.queue(ctx)
	if !ok {
		return
	}
	var req request.CleanQueueRequest
	if !bind(ctx, &req) {
		return
	}

	grace := time.Duration(req.GraceMs) * time.Millisecond
	removed, err := q.Clean(ctx.Request.Context(), grace, req.Limit, jobs.State(req.State))
	if err != nil {
		c.fail(ctx, err)
		return
	}

	c.logger.Info("Queue cleaned",
		zap.String("queue", q.Name()),
		zap.String("state", req.State),
		zap.Int("removed", len(removed)),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	ctx.JSON(http.StatusOK, response.NewSuccess(response.CleanResponse{
		Queue:   q.Name(),
		State:   req.State,
		Removed: removed,
	}, fmt.Sprintf("Removed %d jobs", len(removed))))
}

// PauseQueue stops workers from claiming jobs of a queue
// @Summary Pause a queue
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Param kind path string true "Queue name"
// @Success 200 {object} response.ApiResponse[any]
// @Router /api/v1/jobs/queues/{kind}/pause [post]
func (c *JobController) PauseQueue(ctx *gin.Context) {
	c.toggle(ctx, "Queue paused", func(q *queue.RedisQueue) error {
		return q.Pause(ctx.Request.Context())
	})
}

// ResumeQueue lets workers claim jobs of a paused queue again
// @Summary Resume a queue
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Param kind path string true "Queue name"
// @Success 200 {object} response.ApiResponse[any]
// @Router /api/v1/jobs/queues/{kind}/resume [post]
func (c *JobController) ResumeQueue(ctx *gin.Context) {
	c.toggle(ctx, "Queue resumed", func(q *queue.RedisQueue) error {
		return q.Resume(ctx.Request.Context())
	})
}

// RemoveRepeatable deletes a recurring rule and its pending occurrence
// @Summary Remove a recurring rule
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Param kind path string true "Queue name"
// @Param key path string true "Rule key"
// @Success 200 {object} response.ApiResponse[any]
// @Router /api/v1/jobs/queues/{kind}/repeatables/{key} [delete]
func (c *JobController) RemoveRepeatable(ctx *gin.Context) {
	c.toggle(ctx, "Recurring rule removed", func(q *queue.RedisQueue) error {
		return q.RemoveRepeatableByKey(ctx.Request.Context(), ctx.Param("key"))
	})
}

// RefreshSchedules registers every recurring definition again
// @Summary Refresh schedules
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.ApiResponse[any]
// @Router /api/v1/jobs/schedules/refresh [post]
func (c *JobController) RefreshSchedules(ctx *gin.Context) {
	res := c.scheduler.ScheduleJobs(ctx.Request.Context())
	body := gin.H{"registered": res.Registered, "failed": res.Failed}
	if err := res.Err(); err != nil {
		c.logger.Warn("Schedule refresh had failures", zap.Int("failed", res.Failed), zap.Error(err))
		ctx.JSON(http.StatusMultiStatus, response.NewSuccess(body, err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, response.NewSuccess(body, "Schedules refreshed"))
}

// RemoveSchedules removes the recurring rules of every scheduled queue
// @Summary Remove schedules
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.ApiResponse[any]
// @Router /api/v1/jobs/schedules [delete]
func (c *JobController) RemoveSchedules(ctx *gin.Context) {
	removed, err := c.scheduler.UnscheduleJobs(ctx.Request.Context())
	body := gin.H{"removed": removed}
	if err != nil {
		c.logger.Warn("Schedule removal had failures", zap.Int("removed", removed), zap.Error(err))
		ctx.JSON(http.StatusMultiStatus, response.NewSuccess(body, err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, response.NewSuccess(body, "Schedules removed"))
}

func (c *JobController) toggle(ctx *gin.Context, message string, fn func(q *queue.RedisQueue) error) {
	q, ok := c.queue(ctx)
	if !ok {
		return
	}
	if err := fn(q); err != nil {
		c.fail(ctx, err)
		return
	}
	c.logger.Info(message,
		zap.String("queue", q.Name()),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	ctx.JSON(http.StatusOK, response.NewSuccess[any](nil, message))
}

func (c *JobController) queue(ctx *gin.Context) (*queue.RedisQueue, bool) {
	kind, err := jobs.ParseKind(ctx.Param("kind"))
	if err == nil {
		var q *queue.RedisQueue
		if q, err = c.queues.Queue(kind); err == nil {
			return q, true
		}
	}
	c.fail(ctx, err)
	return nil, false
}

func (c *JobController) queueResponse(ctx context.Context, q *queue.RedisQueue, m monitor.QueueMetrics) response.QueueResponse {
	r := response.NewQueueResponse(m)
	if m.Err == nil {
		paused, err := q.IsPaused(ctx)
		if err != nil {
			r.Error = err.Error()
		}
		r.Paused = paused
	}
	if p, ok := c.pools[q.Name()]; ok {
		stats := p.Stats()
		r.Worker = &stats
	}
	return r
}

func (c *JobController) fail(ctx *gin.Context, err error) {
	appErr := toAppError(err)
	if appErr.Status >= http.StatusInternalServerError {
		c.logger.Error("Job request failed",
			zap.String("path", ctx.FullPath()),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err),
			zap.Strings("stack", apperrors.StackLines(appErr.Err, 12)),
		)
	}
	ctx.AbortWithStatusJSON(appErr.Status, response.FromAppError(appErr))
}

// toAppError maps queue errors onto API errors
func toAppError(err error) *apperrors.AppError {
	if appErr, ok := apperrors.As(err); ok {
		return appErr
	}
	switch {
	case errors.Is(err, jobs.ErrUnknownKind),
		errors.Is(err, jobs.ErrKindMismatch),
		errors.Is(err, jobs.ErrInvalidCleanState):
		return apperrors.Expose(err, apperrors.ErrBadRequest)
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, jobs.ErrRepeatNotFound):
		return apperrors.Expose(err, apperrors.ErrNotFound)
	case errors.Is(err, jobs.ErrQueueClosed), errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(err, apperrors.ErrServiceUnavailable)
	default:
		return apperrors.Wrap(err, apperrors.ErrInternalError)
	}
}

func bind(ctx *gin.Context, req any) bool {
	err := ctx.ShouldBindJSON(req)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
		ctx.AbortWithStatusJSON(http.StatusBadRequest,
			response.NewErrorWithDetails(apperrors.CodeValidationError, "validation failed", details))
		return false
	}
	ctx.AbortWithStatusJSON(http.StatusBadRequest,
		response.NewError(apperrors.CodeBadRequest, "invalid request body"))
	return false
}
