package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CheckinStatus is the lifecycle of a periodic check-in
type CheckinStatus string

const (
	CheckinPending   CheckinStatus = "PENDING"
	CheckinSubmitted CheckinStatus = "SUBMITTED"
)

// Checkin is a periodic status update a member owes their manager
type Checkin struct {
	ID             string        `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID string        `gorm:"column:organization_id;size:36;index;not null" json:"organization_id"`
	UserID         string        `gorm:"column:user_id;size:36;index;not null" json:"user_id"`
	Status         CheckinStatus `gorm:"size:20;index;not null" json:"status"`
	DueAt          time.Time     `gorm:"column:due_at" json:"due_at"`
	SubmittedAt    *time.Time    `gorm:"column:submitted_at" json:"submitted_at,omitempty"`
	CreatedAt      time.Time     `gorm:"column:created_at" json:"created_at"`
}

// TableName specifies the table name for Checkin
func (Checkin) TableName() string {
	return "checkins"
}

// BeforeCreate assigns an id and the pending status
func (c *Checkin) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = CheckinPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Kudos is public recognition from one member to another
type Kudos struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID string    `gorm:"column:organization_id;size:36;index;not null" json:"organization_id"`
	FromUserID     string    `gorm:"column:from_user_id;size:36;not null" json:"from_user_id"`
	ToUserID       string    `gorm:"column:to_user_id;size:36;index;not null" json:"to_user_id"`
	Message        string    `gorm:"size:1000" json:"message"`
	CreatedAt      time.Time `gorm:"column:created_at;index" json:"created_at"`
}

// TableName specifies the table name for Kudos
func (Kudos) TableName() string {
	return "kudos"
}

// BeforeCreate assigns an id
func (k *Kudos) BeforeCreate(*gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	return nil
}

// SurveyResponse is one answer to a pulse survey, scored 1 to 5
type SurveyResponse struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID string    `gorm:"column:organization_id;size:36;index;not null" json:"organization_id"`
	UserID         string    `gorm:"column:user_id;size:36;not null" json:"user_id"`
	Score          int       `gorm:"not null" json:"score"`
	CreatedAt      time.Time `gorm:"column:created_at;index" json:"created_at"`
}

// TableName specifies the table name for SurveyResponse
func (SurveyResponse) TableName() string {
	return "survey_responses"
}

// BeforeCreate assigns an id
func (s *SurveyResponse) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return nil
}

// WorkspaceIntegration connects an organization to an external workspace
// directory such as Slack or Google Workspace
type WorkspaceIntegration struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID string     `gorm:"column:organization_id;size:36;uniqueIndex:idx_integration_org_provider;not null" json:"organization_id"`
	Provider       string     `gorm:"size:50;uniqueIndex:idx_integration_org_provider;not null" json:"provider"`
	IsActive       bool       `gorm:"column:is_active;index" json:"is_active"`
	LastSyncedAt   *time.Time `gorm:"column:last_synced_at" json:"last_synced_at,omitempty"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for WorkspaceIntegration
func (WorkspaceIntegration) TableName() string {
	return "workspace_integrations"
}

// BeforeCreate assigns an id
func (w *WorkspaceIntegration) BeforeCreate(*gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	return nil
}

// Models lists every entity for migrations
func Models() []any {
	return []any{
		&Organization{},
		&User{},
		&Checkin{},
		&Kudos{},
		&SurveyResponse{},
		&WorkspaceIntegration{},
	}
}
