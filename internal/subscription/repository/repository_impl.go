package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const subscriptionColumns = `id, tenant_id, plan_id, status, billing_cycle, amount, currency,
	start_date, end_date, next_billing_date, is_trial, trial_end_date, auto_renew,
	provider, provider_authorization_id, external_reference, checkout_url, payer_email,
	cancelled_at, cancellation_reason, last_reminder_at, version, metadata, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	return r.findOne(ctx, db, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
}

func (r *repo) FindForTenant(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*domain.Subscription, error) {
	return r.findOne(ctx, db,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	)
}

func (r *repo) FindLive(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*domain.Subscription, error) {
	return r.FindLatestInStatus(ctx, db, tenantID, domain.LiveStatuses)
}

func (r *repo) FindLatestInStatus(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, statuses []domain.Status) (*domain.Subscription, error) {
	return r.findOne(ctx, db,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE tenant_id = ? AND status IN ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		tenantID, statuses,
	)
}

func (r *repo) FindByAuthorizationID(ctx context.Context, db *gorm.DB, authorizationID string) (*domain.Subscription, error) {
	return r.findOne(ctx, db,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE provider_authorization_id = ?
		ORDER BY created_at DESC
		LIMIT 1`,
		authorizationID,
	)
}

func (r *repo) ListLive(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]domain.Subscription, error) {
	var subscriptions []domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE tenant_id = ? AND status IN ?
		ORDER BY created_at DESC`,
		tenantID, domain.LiveStatuses,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []domain.Status, status domain.Status, fields domain.Update, now time.Time) (bool, error) {
	values := map[string]any{}
	for column, value := range fields {
		values[column] = value
	}
	values["status"] = status
	values["updated_at"] = now
	values["version"] = gorm.Expr("version + 1")

	res := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) UpdateVersioned(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, fields domain.Update, now time.Time) (bool, error) {
	values := map[string]any{}
	for column, value := range fields {
		values[column] = value
	}
	values["updated_at"] = now
	values["version"] = gorm.Expr("version + 1")

	res := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("id = ? AND version = ?", id, version).
		Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) CancelLive(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, reason string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("tenant_id = ? AND status IN ?", tenantID, domain.LiveStatuses).
		Updates(map[string]any{
			"status":              domain.StatusCancelled,
			"cancelled_at":        now,
			"cancellation_reason": reason,
			"auto_renew":          false,
			"updated_at":          now,
			"version":             gorm.Expr("version + 1"),
		})
	return res.RowsAffected, res.Error
}

func (r *repo) ExpireTrials(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("status = ? AND trial_end_date IS NOT NULL AND trial_end_date < ?", domain.StatusTrial, now).
		Updates(map[string]any{
			"status":     domain.StatusExpired,
			"updated_at": now,
			"version":    gorm.Expr("version + 1"),
		})
	return res.RowsAffected, res.Error
}

func (r *repo) ExpireSubscriptions(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("status = ? AND is_trial = ? AND end_date IS NOT NULL AND end_date < ?", domain.StatusActive, false, now).
		Updates(map[string]any{
			"status":     domain.StatusExpired,
			"updated_at": now,
			"version":    gorm.Expr("version + 1"),
		})
	return res.RowsAffected, res.Error
}

func (r *repo) ListTrialsEndingBetween(ctx context.Context, db *gorm.DB, from, to time.Time) ([]domain.Subscription, error) {
	var subscriptions []domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = ? AND trial_end_date >= ? AND trial_end_date <= ?
		ORDER BY trial_end_date ASC`,
		domain.StatusTrial, from, to,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) MarkReminded(ctx context.Context, db *gorm.DB, id snowflake.ID, since, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET last_reminder_at = ?
		WHERE id = ? AND (last_reminder_at IS NULL OR last_reminder_at < ?)`,
		now, id, since,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListPendingCreatedBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Subscription, error) {
	var subscriptions []domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = ? AND provider_authorization_id IS NOT NULL AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?`,
		domain.StatusPending, before, limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Subscription, error) {
	var subscription domain.Subscription
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&subscription).Error; err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}
