package jobs

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed data carried by a job. Each kind has exactly one
// payload type and the payload reports which kind it belongs to.
type Payload interface {
	Kind() Kind
}

// Period selects the reporting window for metrics and reports
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Valid reports whether p is a known period
func (p Period) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// Check-in actions
const (
	CheckinActionReminder  = "reminder"
	CheckinActionSubmitted = "submitted"
)

// SendEmail renders a template and hands it to the mail provider
type SendEmail struct {
	To       string         `json:"to"`
	Subject  string         `json:"subject"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data"`
}

func (SendEmail) Kind() Kind { return KindSendEmail }

// SyncExternalWorkspace imports the member directory of a connected workspace
type SyncExternalWorkspace struct {
	OrganizationID string `json:"organizationId"`
	Provider       string `json:"provider"`
	FullSync       bool   `json:"fullSync,omitempty"`
}

func (SyncExternalWorkspace) Kind() Kind { return KindSyncExternalWorkspace }

// GenerateReport builds an engagement report and mails it to recipients
type GenerateReport struct {
	OrganizationID string   `json:"organizationId"`
	ReportType     string   `json:"reportType"`
	Period         Period   `json:"period"`
	Recipients     []string `json:"recipients,omitempty"`
}

func (GenerateReport) Kind() Kind { return KindGenerateReport }

// CleanupOldData trims finished job history. Zero values fall back to the
// maintenance defaults.
type CleanupOldData struct {
	CompletedGraceMs int64 `json:"completedGraceMs,omitempty"`
	FailedGraceMs    int64 `json:"failedGraceMs,omitempty"`
	Limit            int   `json:"limit,omitempty"`
}

func (CleanupOldData) Kind() Kind { return KindCleanupOldData }

// SendNotification delivers an in-app or chat notification to one user
type SendNotification struct {
	NotificationID string         `json:"notificationId"`
	OrganizationID string         `json:"organizationId"`
	UserID         string         `json:"userId"`
	Channel        string         `json:"channel"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Data           map[string]any `json:"data,omitempty"`
}

func (SendNotification) Kind() Kind { return KindSendNotification }

// ProcessCheckin handles check-in reminders and submissions
type ProcessCheckin struct {
	OrganizationID string `json:"organizationId"`
	Action         string `json:"action"`
	CheckinID      string `json:"checkinId,omitempty"`
}

func (ProcessCheckin) Kind() Kind { return KindProcessCheckin }

// CalculateMetrics aggregates engagement metrics for one organization
type CalculateMetrics struct {
	OrganizationID string `json:"organizationId"`
	MetricType     string `json:"metricType"`
	Period         Period `json:"period"`
}

func (CalculateMetrics) Kind() Kind { return KindCalculateMetrics }

// EncodePayload checks the payload belongs to kind and serializes it
func EncodePayload(kind Kind, p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload for %s", ErrKindMismatch, kind)
	}
	if p.Kind() != kind {
		return nil, fmt.Errorf("%w: %s payload on %s queue", ErrKindMismatch, p.Kind(), kind)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return data, nil
}

// DecodePayload decodes the job data into the payload type of its kind
func DecodePayload[P Payload](j *Job) (P, error) {
	var p P
	if j.Kind != p.Kind() {
		return p, fmt.Errorf("%w: job %s is %s, want %s", ErrKindMismatch, j.ID, j.Kind, p.Kind())
	}
	if err := json.Unmarshal(j.Data, &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal %s payload: %w", j.Kind, err)
	}
	return p, nil
}

// ParsePayload decodes raw JSON into the payload type of kind
func ParsePayload(kind Kind, data json.RawMessage) (Payload, error) {
	switch kind {
	case KindSendEmail:
		return parseAs[SendEmail](kind, data)
	case KindSyncExternalWorkspace:
		return parseAs[SyncExternalWorkspace](kind, data)
	case KindGenerateReport:
		return parseAs[GenerateReport](kind, data)
	case KindCleanupOldData:
		return parseAs[CleanupOldData](kind, data)
	case KindSendNotification:
		return parseAs[SendNotification](kind, data)
	case KindProcessCheckin:
		return parseAs[ProcessCheckin](kind, data)
	case KindCalculateMetrics:
		return parseAs[CalculateMetrics](kind, data)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
}

func parseAs[P Payload](kind Kind, data json.RawMessage) (Payload, error) {
	var p P
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", kind, err)
	}
	return p, nil
}
