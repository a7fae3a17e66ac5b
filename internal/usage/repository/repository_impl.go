package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, featureKey, period string) (int64, error) {
	var totals []int64
	err := db.WithContext(ctx).Raw(
		`SELECT usage_count FROM usage_records
		WHERE subscription_id = ? AND feature_key = ? AND period = ?`,
		subscriptionID, featureKey, period,
	).Scan(&totals).Error
	if err != nil {
		return 0, err
	}
	if len(totals) == 0 {
		return 0, nil
	}
	return totals[0], nil
}

func (r *repo) Increment(ctx context.Context, db *gorm.DB, record *domain.UsageRecord) (int64, error) {
	if isMySQL(db) {
		return r.incrementMySQL(ctx, db, record, nil)
	}

	var totals []int64
	err := db.WithContext(ctx).Raw(
		`INSERT INTO usage_records (id, subscription_id, feature_key, period, usage_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id, feature_key, period) DO UPDATE
		SET usage_count = usage_records.usage_count + excluded.usage_count,
			updated_at = excluded.updated_at
		RETURNING usage_count`,
		record.ID, record.SubscriptionID, record.FeatureKey, record.Period,
		record.Usage, record.CreatedAt, record.UpdatedAt,
	).Scan(&totals).Error
	if err != nil {
		return 0, err
	}
	if len(totals) == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	return totals[0], nil
}

func (r *repo) IncrementWithin(ctx context.Context, db *gorm.DB, record *domain.UsageRecord, limit int64) (int64, bool, error) {
	if record.Usage > limit {
		return 0, false, nil
	}
	if isMySQL(db) {
		total, err := r.incrementMySQL(ctx, db, record, &limit)
		if err == errLimitReached {
			return 0, false, nil
		}
		return total, err == nil, err
	}

	// The conditional DO UPDATE leaves the row untouched and returns
	// nothing when the new total would exceed the limit.
	var totals []int64
	err := db.WithContext(ctx).Raw(
		`INSERT INTO usage_records (id, subscription_id, feature_key, period, usage_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id, feature_key, period) DO UPDATE
		SET usage_count = usage_records.usage_count + excluded.usage_count,
			updated_at = excluded.updated_at
		WHERE usage_records.usage_count + excluded.usage_count <= ?
		RETURNING usage_count`,
		record.ID, record.SubscriptionID, record.FeatureKey, record.Period,
		record.Usage, record.CreatedAt, record.UpdatedAt, limit,
	).Scan(&totals).Error
	if err != nil {
		return 0, false, err
	}
	if len(totals) == 0 {
		return 0, false, nil
	}
	return totals[0], true, nil
}

func (r *repo) ListForPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, period string) ([]domain.UsageRecord, error) {
	var records []domain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, subscription_id, feature_key, period, usage_count, created_at, updated_at
		FROM usage_records
		WHERE subscription_id = ? AND period = ?
		ORDER BY feature_key ASC`,
		subscriptionID, period,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
