package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Update carries the columns written together with a status change.
type Update map[string]any

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindForTenant(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Subscription, error)
	FindLive(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*Subscription, error)
	FindLatestInStatus(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, statuses []Status) (*Subscription, error)
	FindByAuthorizationID(ctx context.Context, db *gorm.DB, authorizationID string) (*Subscription, error)
	ListLive(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]Subscription, error)

	// UpdateStatus moves id to status only while its current status is one
	// of from, and reports whether a row changed.
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []Status, status Status, fields Update, now time.Time) (bool, error)
	// UpdateVersioned applies fields only if the row is still at version.
	UpdateVersioned(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, fields Update, now time.Time) (bool, error)
	CancelLive(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, reason string, now time.Time) (int64, error)
	ExpireTrials(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
	ExpireSubscriptions(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)

	ListTrialsEndingBetween(ctx context.Context, db *gorm.DB, from, to time.Time) ([]Subscription, error)
	MarkReminded(ctx context.Context, db *gorm.DB, id snowflake.ID, since, now time.Time) (bool, error)
	ListPendingCreatedBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Subscription, error)
}
