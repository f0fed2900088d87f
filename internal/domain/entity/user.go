package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserRole represents user roles inside an organization
type UserRole string

const (
	RoleMember  UserRole = "MEMBER"
	RoleManager UserRole = "MANAGER"
	RoleAdmin   UserRole = "ADMIN"
)

// Organization is a tenant of the platform
type Organization struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	Name      string         `gorm:"size:200;not null" json:"name"`
	IsActive  bool           `gorm:"column:is_active;index" json:"is_active"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for Organization
func (Organization) TableName() string {
	return "organizations"
}

// BeforeCreate assigns an id when none was set
func (o *Organization) BeforeCreate(*gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	return nil
}

// User is a member of an organization
type User struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID string         `gorm:"column:organization_id;size:36;index;not null" json:"organization_id"`
	ExternalID     string         `gorm:"column:external_id;size:100;index" json:"external_id,omitempty"`
	Email          string         `gorm:"size:200;index;not null" json:"email"`
	DisplayName    string         `gorm:"column:display_name;size:200" json:"display_name"`
	Title          string         `gorm:"size:200" json:"title,omitempty"`
	Role           UserRole       `gorm:"size:20;not null" json:"role"`
	ManagerID      *string        `gorm:"column:manager_id;size:36;index" json:"manager_id,omitempty"`
	IsActive       bool           `gorm:"column:is_active" json:"is_active"`
	LastActiveAt   *time.Time     `gorm:"column:last_active_at" json:"last_active_at,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}

// BeforeCreate assigns an id and a default role
func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Role == "" {
		u.Role = RoleMember
	}
	return nil
}

// IsManager reports whether the user manages other members
func (u *User) IsManager() bool {
	return u.Role == RoleManager || u.Role == RoleAdmin
}
