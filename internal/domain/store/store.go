package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/jrjohn/engage-cloud-go/internal/domain/entity"
)

// ErrInvalidMember is returned when a directory member has neither an
// external id nor an email to match on
var ErrInvalidMember = errors.New("member needs an external id or an email")

// Range is a half-open time window [Start, End)
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Member is a directory record imported from an external workspace
type Member struct {
	ExternalID  string
	Email       string
	DisplayName string
	Title       string
	IsActive    bool
}

// MemberActivity is one row of an engagement report
type MemberActivity struct {
	UserID            string
	DisplayName       string
	Email             string
	CheckinsSubmitted int64
	KudosReceived     int64
	KudosGiven        int64
}

// Store is the data store of the job handlers
type Store struct {
	db            *gorm.DB
	organizations table[entity.Organization]
	users         table[entity.User]
	checkins      table[entity.Checkin]
	kudos         table[entity.Kudos]
	integrations  table[entity.WorkspaceIntegration]
}

// New creates a store over db
func New(db *gorm.DB) *Store {
	return &Store{
		db:            db,
		organizations: newTable[entity.Organization](db),
		users:         newTable[entity.User](db),
		checkins:      newTable[entity.Checkin](db),
		kudos:         newTable[entity.Kudos](db),
		integrations:  newTable[entity.WorkspaceIntegration](db),
	}
}

// Migrate creates or updates the tables of every entity
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(entity.Models()...)
}

// Create inserts records of any entity type in one transaction
func (s *Store) Create(ctx context.Context, records ...any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range records {
			if err := tx.Create(r).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// FindOrganization returns an organization by id, or nil when none exists
func (s *Store) FindOrganization(ctx context.Context, id string) (*entity.Organization, error) {
	return s.organizations.FindByID(ctx, id)
}

// ActiveOrganizationIDs lists active organizations in id order
func (s *Store) ActiveOrganizationIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&entity.Organization{}).
		Where("is_active = ?", true).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	return ids, nil
}

// OrganizationIDsWithActiveManagers lists active organizations that have at
// least one active manager or admin
func (s *Store) OrganizationIDsWithActiveManagers(ctx context.Context) ([]string, error) {
	active := s.db.Model(&entity.Organization{}).Select("id").Where("is_active = ?", true)

	var ids []string
	err := s.db.WithContext(ctx).
		Model(&entity.User{}).
		Distinct("organization_id").
		Where("role IN ? AND is_active = ?", []entity.UserRole{entity.RoleManager, entity.RoleAdmin}, true).
		Where("organization_id IN (?)", active).
		Order("organization_id").
		Pluck("organization_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations with managers: %w", err)
	}
	return ids, nil
}

// ActiveIntegrations lists active workspace integrations
func (s *Store) ActiveIntegrations(ctx context.Context) ([]entity.WorkspaceIntegration, error) {
	out, err := s.integrations.findAll(ctx, "organization_id, provider", "is_active = ?", true)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	return out, nil
}

// FindIntegration returns the integration of an organization with a
// provider, or nil when none exists
func (s *Store) FindIntegration(ctx context.Context, orgID, provider string) (*entity.WorkspaceIntegration, error) {
	return s.integrations.findOne(ctx, "organization_id = ? AND provider = ?", orgID, provider)
}

// MarkIntegrationSynced records a completed sync
func (s *Store) MarkIntegrationSynced(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&entity.WorkspaceIntegration{}).
		Where("id = ?", id).
		Update("last_synced_at", at).Error
}

// FindUser returns a user by id, or nil when none exists
func (s *Store) FindUser(ctx context.Context, id string) (*entity.User, error) {
	return s.users.FindByID(ctx, id)
}

// OrganizationAdminEmails lists the emails of active admins
func (s *Store) OrganizationAdminEmails(ctx context.Context, orgID string) ([]string, error) {
	var emails []string
	err := s.db.WithContext(ctx).
		Model(&entity.User{}).
		Where("organization_id = ? AND role = ? AND is_active = ?", orgID, entity.RoleAdmin, true).
		Order("email").
		Pluck("email", &emails).Error
	return emails, err
}

// UpsertMember matches a directory member by external id, then by email,
// and updates the match or creates a new user. It reports whether a user
// was created.
func (s *Store) UpsertMember(ctx context.Context, orgID string, m Member) (bool, error) {
	if m.ExternalID == "" && m.Email == "" {
		return false, ErrInvalidMember
	}

	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		users := newTable[entity.User](tx)

		var (
			u   *entity.User
			err error
		)
		if m.ExternalID != "" {
			u, err = users.findOne(ctx, "organization_id = ? AND external_id = ?", orgID, m.ExternalID)
			if err != nil {
				return err
			}
		}
		if u == nil && m.Email != "" {
			u, err = users.findOne(ctx, "organization_id = ? AND LOWER(email) = ?", orgID, strings.ToLower(m.Email))
			if err != nil {
				return err
			}
		}

		if u == nil {
			created = true
			return users.Create(ctx, &entity.User{
				OrganizationID: orgID,
				ExternalID:     m.ExternalID,
				Email:          m.Email,
				DisplayName:    m.DisplayName,
				Title:          m.Title,
				IsActive:       m.IsActive,
			})
		}

		if m.ExternalID != "" {
			u.ExternalID = m.ExternalID
		}
		if m.Email != "" {
			u.Email = m.Email
		}
		if m.DisplayName != "" {
			u.DisplayName = m.DisplayName
		}
		u.Title = m.Title
		u.IsActive = m.IsActive
		return users.Update(ctx, u)
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert member: %w", err)
	}
	return created, nil
}

// PendingCheckins lists the open check-ins of an organization by due date
func (s *Store) PendingCheckins(ctx context.Context, orgID string) ([]entity.Checkin, error) {
	return s.checkins.findAll(ctx, "due_at, id", "organization_id = ? AND status = ?", orgID, entity.CheckinPending)
}

// FindCheckin returns a check-in by id, or nil when none exists
func (s *Store) FindCheckin(ctx context.Context, id string) (*entity.Checkin, error) {
	return s.checkins.FindByID(ctx, id)
}

// CountCheckins counts check-ins created in r
func (s *Store) CountCheckins(ctx context.Context, orgID string, r Range) (int64, error) {
	return s.checkins.count(ctx, "organization_id = ? AND created_at >= ? AND created_at < ?", orgID, r.Start, r.End)
}

// CountSubmittedCheckins counts check-ins submitted in r
func (s *Store) CountSubmittedCheckins(ctx context.Context, orgID string, r Range) (int64, error) {
	return s.checkins.count(ctx, "organization_id = ? AND status = ? AND submitted_at >= ? AND submitted_at < ?",
		orgID, entity.CheckinSubmitted, r.Start, r.End)
}

// CountKudos counts kudos given in r
func (s *Store) CountKudos(ctx context.Context, orgID string, r Range) (int64, error) {
	return s.kudos.count(ctx, "organization_id = ? AND created_at >= ? AND created_at < ?", orgID, r.Start, r.End)
}

// CountActiveUsers counts users last seen in r
func (s *Store) CountActiveUsers(ctx context.Context, orgID string, r Range) (int64, error) {
	return s.users.count(ctx, "organization_id = ? AND last_active_at >= ? AND last_active_at < ?", orgID, r.Start, r.End)
}

// AverageSurveyScore averages survey scores recorded in r, or 0 without
// responses
func (s *Store) AverageSurveyScore(ctx context.Context, orgID string, r Range) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.WithContext(ctx).
		Model(&entity.SurveyResponse{}).
		Select("AVG(score)").
		Where("organization_id = ? AND created_at >= ? AND created_at < ?", orgID, r.Start, r.End).
		Row().Scan(&avg)
	if err != nil {
		return 0, err
	}
	return avg.Float64, nil
}

type countRow struct {
	UserID string
	N      int64
}

func (s *Store) countBy(ctx context.Context, model any, column, query string, args ...any) (map[string]int64, error) {
	var rows []countRow
	err := s.db.WithContext(ctx).
		Model(model).
		Select(column+" AS user_id, COUNT(*) AS n").
		Where(query, args...).
		Group(column).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.UserID] = r.N
	}
	return out, nil
}

// MemberActivity returns one activity row per active member in display
// name order
func (s *Store) MemberActivity(ctx context.Context, orgID string, r Range) ([]MemberActivity, error) {
	members, err := s.users.findAll(ctx, "display_name, email", "organization_id = ? AND is_active = ?", orgID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	submitted, err := s.countBy(ctx, &entity.Checkin{}, "user_id",
		"organization_id = ? AND status = ? AND submitted_at >= ? AND submitted_at < ?",
		orgID, entity.CheckinSubmitted, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("failed to count check-ins: %w", err)
	}
	received, err := s.countBy(ctx, &entity.Kudos{}, "to_user_id",
		"organization_id = ? AND created_at >= ? AND created_at < ?", orgID, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("failed to count kudos: %w", err)
	}
	given, err := s.countBy(ctx, &entity.Kudos{}, "from_user_id",
		"organization_id = ? AND created_at >= ? AND created_at < ?", orgID, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("failed to count kudos: %w", err)
	}

	out := make([]MemberActivity, 0, len(members))
	for _, m := range members {
		out = append(out, MemberActivity{
			UserID:            m.ID,
			DisplayName:       m.DisplayName,
			Email:             m.Email,
			CheckinsSubmitted: submitted[m.ID],
			KudosReceived:     received[m.ID],
			KudosGiven:        given[m.ID],
		})
	}
	return out, nil
}
