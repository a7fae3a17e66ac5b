// Package domain contains the subscription record and its lifecycle states.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
	"gorm.io/datatypes"
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusTrial     Status = "trial"
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// LiveStatuses are the non-terminal statuses. A tenant holds at most one
// subscription in any of them.
var LiveStatuses = []Status{StatusTrial, StatusActive, StatusPending, StatusSuspended}

// Live reports whether s is a non-terminal status.
func (s Status) Live() bool {
	switch s {
	case StatusTrial, StatusActive, StatusPending, StatusSuspended:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	return s.Live() || s == StatusCancelled || s == StatusExpired
}

// Subscription binds one tenant to one plan for a billing window.
type Subscription struct {
	ID                      snowflake.ID               `gorm:"primaryKey" json:"id"`
	TenantID                snowflake.ID               `gorm:"not null;index" json:"tenant_id"`
	PlanID                  snowflake.ID               `gorm:"not null;index" json:"plan_id"`
	Status                  Status                     `gorm:"type:varchar(20);not null;index" json:"status"`
	BillingCycle            catalogdomain.BillingCycle `gorm:"type:varchar(20);not null" json:"billing_cycle"`
	Amount                  int64                      `gorm:"not null;default:0" json:"amount"`
	Currency                string                     `gorm:"type:varchar(3);not null" json:"currency"`
	StartDate               time.Time                  `gorm:"not null" json:"start_date"`
	EndDate                 *time.Time                 `json:"end_date,omitempty"`
	NextBillingDate         *time.Time                 `json:"next_billing_date,omitempty"`
	IsTrial                 bool                       `gorm:"not null;default:false" json:"is_trial"`
	TrialEndDate            *time.Time                 `json:"trial_end_date,omitempty"`
	AutoRenew               bool                       `gorm:"not null" json:"auto_renew"`
	Provider                *string                    `gorm:"type:varchar(32)" json:"provider,omitempty"`
	ProviderAuthorizationID *string                    `gorm:"type:varchar(128);index" json:"provider_authorization_id,omitempty"`
	ExternalReference       string                     `gorm:"type:varchar(64);not null;uniqueIndex" json:"external_reference"`
	CheckoutURL             *string                    `gorm:"type:text" json:"checkout_url,omitempty"`
	PayerEmail              *string                    `gorm:"type:varchar(255)" json:"-"`
	CancelledAt             *time.Time                 `json:"cancelled_at,omitempty"`
	CancellationReason      *string                    `gorm:"type:text" json:"cancellation_reason,omitempty"`
	LastReminderAt          *time.Time                 `json:"-"`
	Version                 int64                      `gorm:"not null;default:1" json:"-"`
	Metadata                datatypes.JSONMap          `json:"metadata,omitempty"`
	CreatedAt               time.Time                  `gorm:"not null" json:"created_at"`
	UpdatedAt               time.Time                  `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// TrialExpired reports whether s is a trial that ran out, either already
// swept to expired or still waiting for the sweep.
func (s Subscription) TrialExpired(now time.Time) bool {
	if !s.IsTrial {
		return false
	}
	if s.Status == StatusExpired {
		return true
	}
	return s.Status == StatusTrial && s.TrialEndDate != nil && s.TrialEndDate.Before(now)
}

// LiveTenantIndexName names the partial unique index that allows one live
// subscription per tenant.
const LiveTenantIndexName = "ux_subscriptions_live_tenant"

// LiveTenantIndexSQL creates the live-subscription index. It is valid for
// PostgreSQL and SQLite; MySQL has no partial indexes.
const LiveTenantIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS ` + LiveTenantIndexName + `
	ON subscriptions (tenant_id)
	WHERE status IN ('trial', 'active', 'pending', 'suspended')`

// AddCycle advances t by one unit of cycle.
func AddCycle(t time.Time, cycle catalogdomain.BillingCycle) time.Time {
	if cycle == catalogdomain.BillingCycleYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}
