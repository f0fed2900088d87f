package scheduler

import (
	"context"
	"time"

	"github.com/jrjohn/engage-cloud-go/internal/domain/entity"
	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

// Tenants lists the organizations and integrations the default schedule
// fans out over
type Tenants interface {
	ActiveOrganizationIDs(ctx context.Context) ([]string, error)
	OrganizationIDsWithActiveManagers(ctx context.Context) ([]string, error)
	ActiveIntegrations(ctx context.Context) ([]entity.WorkspaceIntegration, error)
}

const (
	metricTypeEngagement = "engagement"
	reportTypeEngagement = "engagement"

	workspaceSyncInterval = 6 * time.Hour
)

// DefaultDefinitions returns the production schedule. Patterns are UTC.
func DefaultDefinitions(t Tenants) []Definition {
	return []Definition{
		metricsDefinition("metrics-daily", "0 1 * * *", jobs.PeriodDaily, t),
		metricsDefinition("metrics-weekly", "0 2 * * 1", jobs.PeriodWeekly, t),
		metricsDefinition("metrics-monthly", "0 3 1 * *", jobs.PeriodMonthly, t),
		{
			Queue:    jobs.KindGenerateReport,
			Name:     "weekly-report",
			Pattern:  "0 8 * * 1",
			Priority: jobs.PriorityNormal,
			Source: perOrganization(t.ActiveOrganizationIDs, func(orgID string) jobs.Payload {
				return jobs.GenerateReport{
					OrganizationID: orgID,
					ReportType:     reportTypeEngagement,
					Period:         jobs.PeriodWeekly,
				}
			}),
		},
		{
			Queue:    jobs.KindProcessCheckin,
			Name:     "checkin-reminders",
			Pattern:  "0 9 * * 5",
			Priority: jobs.PriorityNormal,
			Source: perOrganization(t.OrganizationIDsWithActiveManagers, func(orgID string) jobs.Payload {
				return jobs.ProcessCheckin{
					OrganizationID: orgID,
					Action:         jobs.CheckinActionReminder,
				}
			}),
		},
		{
			Queue:    jobs.KindSyncExternalWorkspace,
			Name:     "workspace-sync",
			Every:    workspaceSyncInterval,
			Priority: jobs.PriorityLow,
			Source: PayloadProducer(func(ctx context.Context) ([]jobs.Payload, error) {
				integrations, err := t.ActiveIntegrations(ctx)
				if err != nil {
					return nil, err
				}
				out := make([]jobs.Payload, 0, len(integrations))
				for _, in := range integrations {
					out = append(out, jobs.SyncExternalWorkspace{
						OrganizationID: in.OrganizationID,
						Provider:       in.Provider,
					})
				}
				return out, nil
			}),
		},
		{
			Queue:    jobs.KindCleanupOldData,
			Name:     "cleanup-old-data",
			Pattern:  "0 3 * * *",
			Priority: jobs.PriorityLow,
			Source:   StaticPayload{Payload: jobs.CleanupOldData{}},
		},
	}
}

func metricsDefinition(name, pattern string, period jobs.Period, t Tenants) Definition {
	return Definition{
		Queue:    jobs.KindCalculateMetrics,
		Name:     name,
		Pattern:  pattern,
		Priority: jobs.PriorityNormal,
		Source: perOrganization(t.ActiveOrganizationIDs, func(orgID string) jobs.Payload {
			return jobs.CalculateMetrics{
				OrganizationID: orgID,
				MetricType:     metricTypeEngagement,
				Period:         period,
			}
		}),
	}
}

// perOrganization builds one payload per organization id
func perOrganization(list func(context.Context) ([]string, error), build func(orgID string) jobs.Payload) PayloadProducer {
	return func(ctx context.Context) ([]jobs.Payload, error) {
		ids, err := list(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]jobs.Payload, 0, len(ids))
		for _, id := range ids {
			out = append(out, build(id))
		}
		return out, nil
	}
}
