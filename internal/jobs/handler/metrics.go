package handler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/cache"
	"github.com/jrjohn/engage-cloud-go/internal/domain/store"
	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

// PeriodRange returns the complete window preceding now for period, in UTC.
// Daily is yesterday, weekly the previous Monday to Sunday and monthly the
// previous calendar month.
func PeriodRange(period jobs.Period, now time.Time) (store.Range, error) {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch period {
	case jobs.PeriodDaily:
		return store.Range{Start: today.AddDate(0, 0, -1), End: today}, nil
	case jobs.PeriodWeekly:
		sinceMonday := (int(today.Weekday()) + 6) % 7
		monday := today.AddDate(0, 0, -sinceMonday)
		return store.Range{Start: monday.AddDate(0, 0, -7), End: monday}, nil
	case jobs.PeriodMonthly:
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return store.Range{Start: first.AddDate(0, -1, 0), End: first}, nil
	default:
		return store.Range{}, fmt.Errorf("unknown period %q", period)
	}
}

// MetricsStore runs the engagement aggregates
type MetricsStore interface {
	CountCheckins(ctx context.Context, orgID string, r store.Range) (int64, error)
	CountSubmittedCheckins(ctx context.Context, orgID string, r store.Range) (int64, error)
	CountKudos(ctx context.Context, orgID string, r store.Range) (int64, error)
	CountActiveUsers(ctx context.Context, orgID string, r store.Range) (int64, error)
	AverageSurveyScore(ctx context.Context, orgID string, r store.Range) (float64, error)
}

// EngagementMetrics are the aggregates of one organization over a range
type EngagementMetrics struct {
	Checkins           int64   `json:"checkins"`
	CheckinsSubmitted  int64   `json:"checkinsSubmitted"`
	CheckinRate        float64 `json:"checkinRate"`
	Kudos              int64   `json:"kudos"`
	ActiveUsers        int64   `json:"activeUsers"`
	AverageSurveyScore float64 `json:"averageSurveyScore"`
}

// aggregator computes engagement metrics through the aggregate cache
type aggregator struct {
	store MetricsStore
	cache *cache.Cache
	ttl   time.Duration
}

func (a aggregator) key(orgID string, r store.Range, name string) string {
	return fmt.Sprintf("%s:%d-%d:%s", orgID, r.Start.Unix(), r.End.Unix(), name)
}

// compute runs every aggregate, calling step after each one
func (a aggregator) compute(ctx context.Context, orgID string, r store.Range, step func(done, total int)) (EngagementMetrics, error) {
	var m EngagementMetrics
	count := func(name string, dst *int64, fn func(context.Context, string, store.Range) (int64, error)) func() error {
		return func() (err error) {
			*dst, err = cache.Remember(ctx, a.cache, a.key(orgID, r, name), a.ttl, func(ctx context.Context) (int64, error) {
				return fn(ctx, orgID, r)
			})
			return err
		}
	}
	steps := []func() error{
		count("checkins", &m.Checkins, a.store.CountCheckins),
		count("checkins_submitted", &m.CheckinsSubmitted, a.store.CountSubmittedCheckins),
		count("kudos", &m.Kudos, a.store.CountKudos),
		count("active_users", &m.ActiveUsers, a.store.CountActiveUsers),
		func() (err error) {
			m.AverageSurveyScore, err = cache.Remember(ctx, a.cache, a.key(orgID, r, "survey_score"), a.ttl, func(ctx context.Context) (float64, error) {
				return a.store.AverageSurveyScore(ctx, orgID, r)
			})
			return err
		},
	}
	for i, run := range steps {
		if err := run(); err != nil {
			return EngagementMetrics{}, fmt.Errorf("failed to aggregate metrics for %s: %w", orgID, err)
		}
		step(i+1, len(steps))
	}
	if m.Checkins > 0 {
		m.CheckinRate = float64(m.CheckinsSubmitted) / float64(m.Checkins)
	}
	return m, nil
}

// MetricsResult is returned by the metrics handler
type MetricsResult struct {
	OrganizationID string            `json:"organizationId"`
	MetricType     string            `json:"metricType"`
	Period         jobs.Period       `json:"period"`
	Range          store.Range       `json:"range"`
	Metrics        EngagementMetrics `json:"metrics"`
}

// MetricsHandler calculates engagement metrics
type MetricsHandler struct {
	agg    aggregator
	now    func() time.Time
	logger *zap.Logger
}

// NewMetricsHandler creates the metrics handler. Aggregates are cached for
// ttl.
func NewMetricsHandler(s MetricsStore, c *cache.Cache, ttl time.Duration, logger *zap.Logger) *MetricsHandler {
	return &MetricsHandler{
		agg:    aggregator{store: s, cache: c, ttl: ttl},
		now:    time.Now,
		logger: logger.With(zap.String("queue", jobs.KindCalculateMetrics.String())),
	}
}

// Handle aggregates the metrics of the preceding complete period
func (h *MetricsHandler) Handle(ctx context.Context, job *jobs.Job, p jobs.CalculateMetrics) (MetricsResult, error) {
	r, err := PeriodRange(p.Period, h.now())
	if err != nil {
		return MetricsResult{}, err
	}

	m, err := h.agg.compute(ctx, p.OrganizationID, r, func(done, total int) {
		progress(ctx, job, h.logger, percentOf(done, total))
	})
	if err != nil {
		return MetricsResult{}, err
	}

	h.logger.Info("Metrics calculated",
		zap.String("job_id", job.ID),
		zap.String("organization_id", p.OrganizationID),
		zap.String("period", string(p.Period)),
		zap.Time("start", r.Start),
		zap.Time("end", r.End),
	)
	return MetricsResult{
		OrganizationID: p.OrganizationID,
		MetricType:     p.MetricType,
		Period:         p.Period,
		Range:          r,
		Metrics:        m,
	}, nil
}
