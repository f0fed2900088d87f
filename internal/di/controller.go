package di

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	httpctrl "github.com/jrjohn/engage-cloud-go/internal/controller/http"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/queue"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/scheduler"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/worker"
	"github.com/jrjohn/engage-cloud-go/internal/middleware"
)

// ControllerModule provides HTTP controller dependencies
var ControllerModule = fx.Module("controller",
	fx.Provide(provideJobController),
)

func provideJobController(
	set *queue.Set,
	sched *scheduler.Scheduler,
	pools []*worker.Pool,
	authMiddleware *middleware.AuthMiddleware,
	logger *zap.Logger,
) *httpctrl.JobController {
	stats := make([]httpctrl.StatsSource, len(pools))
	for i, p := range pools {
		stats[i] = p
	}
	return httpctrl.NewJobController(set, sched, stats, authMiddleware, logger)
}
