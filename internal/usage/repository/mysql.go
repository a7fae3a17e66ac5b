package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/entitlements/internal/usage/domain"
	"gorm.io/gorm"
)

var errLimitReached = errors.New("usage_limit_reached")

func isMySQL(db *gorm.DB) bool {
	return db.Dialector != nil && db.Dialector.Name() == "mysql"
}

// incrementMySQL emulates the conditional upsert: MySQL has neither
// RETURNING nor a WHERE on ON DUPLICATE KEY UPDATE. The row lock taken by
// the upsert is held until the surrounding transaction commits, so the
// follow-up read observes our own write.
func (r *repo) incrementMySQL(ctx context.Context, db *gorm.DB, record *domain.UsageRecord, limit *int64) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res *gorm.DB
		if limit == nil {
			res = tx.Exec(
				`INSERT INTO usage_records (id, subscription_id, feature_key, period, usage_count, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON DUPLICATE KEY UPDATE
					usage_count = usage_count + VALUES(usage_count),
					updated_at = VALUES(updated_at)`,
				record.ID, record.SubscriptionID, record.FeatureKey, record.Period,
				record.Usage, record.CreatedAt, record.UpdatedAt,
			)
		} else {
			// updated_at is assigned first so it still sees the old usage_count.
			res = tx.Exec(
				`INSERT INTO usage_records (id, subscription_id, feature_key, period, usage_count, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON DUPLICATE KEY UPDATE
					updated_at = IF(usage_count + VALUES(usage_count) <= ?, VALUES(updated_at), updated_at),
					usage_count = IF(usage_count + VALUES(usage_count) <= ?, usage_count + VALUES(usage_count), usage_count)`,
				record.ID, record.SubscriptionID, record.FeatureKey, record.Period,
				record.Usage, record.CreatedAt, record.UpdatedAt, *limit, *limit,
			)
		}
		if res.Error != nil {
			return res.Error
		}
		// 1 = inserted, 2 = updated, 0 = duplicate left unchanged.
		if limit != nil && res.RowsAffected == 0 {
			return errLimitReached
		}
		return tx.Raw(
			`SELECT usage_count FROM usage_records
			WHERE subscription_id = ? AND feature_key = ? AND period = ?`,
			record.SubscriptionID, record.FeatureKey, record.Period,
		).Scan(&total).Error
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
