package handler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/cache"
	"github.com/jrjohn/engage-cloud-go/internal/domain/entity"
	"github.com/jrjohn/engage-cloud-go/internal/domain/store"
	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

// Enqueuer schedules follow-up jobs
type Enqueuer interface {
	ScheduleOneTimeJob(ctx context.Context, kind jobs.Kind, payload jobs.Payload, delay time.Duration, opts ...jobs.Option) (*jobs.Job, error)
}

// ReportStore is the data access of the report handler
type ReportStore interface {
	MetricsStore
	FindOrganization(ctx context.Context, id string) (*entity.Organization, error)
	MemberActivity(ctx context.Context, orgID string, r store.Range) ([]store.MemberActivity, error)
	OrganizationAdminEmails(ctx context.Context, orgID string) ([]string, error)
}

// ReportResult is returned by the report handler
type ReportResult struct {
	ReportID     string      `json:"reportId"`
	Range        store.Range `json:"range"`
	Rows         int         `json:"rows"`
	EmailsQueued int         `json:"emailsQueued"`
}

// ReportHandler builds engagement reports and mails them
type ReportHandler struct {
	store    ReportStore
	agg      aggregator
	enqueuer Enqueuer
	now      func() time.Time
	logger   *zap.Logger
}

// NewReportHandler creates the report handler
func NewReportHandler(s ReportStore, c *cache.Cache, ttl time.Duration, enqueuer Enqueuer, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{
		store:    s,
		agg:      aggregator{store: s, cache: c, ttl: ttl},
		enqueuer: enqueuer,
		now:      time.Now,
		logger:   logger.With(zap.String("queue", jobs.KindGenerateReport.String())),
	}
}

// Handle renders the report and queues one email per recipient. Email job
// ids derive from the report job, so a retried report does not mail twice.
func (h *ReportHandler) Handle(ctx context.Context, job *jobs.Job, p jobs.GenerateReport) (ReportResult, error) {
	org, err := h.store.FindOrganization(ctx, p.OrganizationID)
	if err != nil {
		return ReportResult{}, err
	}
	if org == nil {
		return ReportResult{}, fmt.Errorf("organization %s not found", p.OrganizationID)
	}

	r, err := PeriodRange(p.Period, h.now())
	if err != nil {
		return ReportResult{}, err
	}

	m, err := h.agg.compute(ctx, org.ID, r, func(done, total int) {
		progress(ctx, job, h.logger, percentOf(done, total)*6/10)
	})
	if err != nil {
		return ReportResult{}, err
	}

	rows, err := h.store.MemberActivity(ctx, org.ID, r)
	if err != nil {
		return ReportResult{}, fmt.Errorf("failed to load member activity: %w", err)
	}
	table, err := renderCSV(rows)
	if err != nil {
		return ReportResult{}, err
	}
	progress(ctx, job, h.logger, 70)

	recipients := p.Recipients
	if len(recipients) == 0 {
		if recipients, err = h.store.OrganizationAdminEmails(ctx, org.ID); err != nil {
			return ReportResult{}, fmt.Errorf("failed to load report recipients: %w", err)
		}
	}

	reportID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(job.ID)).String()
	data := map[string]any{
		"reportId":           reportID,
		"organization":       org.Name,
		"period":             string(p.Period),
		"start":              r.Start.Format(time.DateOnly),
		"end":                r.End.AddDate(0, 0, -1).Format(time.DateOnly),
		"checkins":           m.Checkins,
		"checkinsSubmitted":  m.CheckinsSubmitted,
		"kudos":              m.Kudos,
		"activeUsers":        m.ActiveUsers,
		"averageSurveyScore": strconv.FormatFloat(m.AverageSurveyScore, 'f', 2, 64),
		"csv":                table,
	}

	queued := 0
	for _, to := range recipients {
		_, err := h.enqueuer.ScheduleOneTimeJob(ctx, jobs.KindSendEmail, jobs.SendEmail{
			To:       to,
			Template: TemplateReport,
			Data:     data,
		}, 0, jobs.WithJobID("report:"+reportID+":"+recipientHash(to)))
		if err != nil {
			return ReportResult{}, fmt.Errorf("failed to queue report email: %w", err)
		}
		queued++
	}
	progress(ctx, job, h.logger, 100)

	h.logger.Info("Report generated",
		zap.String("job_id", job.ID),
		zap.String("report_id", reportID),
		zap.String("organization_id", org.ID),
		zap.Int("rows", len(rows)),
		zap.Int("emails_queued", queued),
	)
	return ReportResult{ReportID: reportID, Range: r, Rows: len(rows), EmailsQueued: queued}, nil
}

func recipientHash(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:6])
}

func renderCSV(rows []store.MemberActivity) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	records := [][]string{{"user_id", "name", "email", "checkins_submitted", "kudos_received", "kudos_given"}}
	for _, r := range rows {
		records = append(records, []string{
			r.UserID,
			r.DisplayName,
			r.Email,
			strconv.FormatInt(r.CheckinsSubmitted, 10),
			strconv.FormatInt(r.KudosReceived, 10),
			strconv.FormatInt(r.KudosGiven, 10),
		})
	}
	if err := w.WriteAll(records); err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	return buf.String(), nil
}
