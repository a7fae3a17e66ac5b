package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Get(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, featureKey, period string) (int64, error)
	// Increment adds record.Usage to the counter and returns the new total.
	Increment(ctx context.Context, db *gorm.DB, record *UsageRecord) (int64, error)
	// IncrementWithin adds record.Usage only if the result stays within limit.
	IncrementWithin(ctx context.Context, db *gorm.DB, record *UsageRecord, limit int64) (int64, bool, error)
	ListForPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, period string) ([]UsageRecord, error)
}
