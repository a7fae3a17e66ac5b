package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Tenant struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	Name       string       `gorm:"not null" json:"name"`
	Slug       string       `gorm:"not null;uniqueIndex" json:"slug"`
	OwnerEmail string       `gorm:"not null" json:"owner_email"`
	OwnerName  string       `gorm:"not null" json:"owner_name"`
	IsActive   bool         `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"not null" json:"updated_at"`
}

func (Tenant) TableName() string { return "tenants" }

// Member binds an externally authenticated user to a tenant with a role.
type Member struct {
	TenantID  snowflake.ID `gorm:"primaryKey" json:"tenant_id"`
	UserID    string       `gorm:"primaryKey;size:128" json:"user_id"`
	Role      string       `gorm:"not null" json:"role"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
}

func (Member) TableName() string { return "tenant_members" }
