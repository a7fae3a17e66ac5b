package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/billing/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const paymentColumns = `id, tenant_id, subscription_id, provider, provider_payment_id, amount,
	currency, status, provider_status, status_detail, payment_method_id, paid_at,
	created_at, updated_at`

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, kind, payload, received_at, processed_at
		 FROM billing_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing_events
		 SET processed_at = ?
		 WHERE id = ?`,
		processedAt,
		id,
	).Error
}

func (r *repo) FindPayment(ctx context.Context, db *gorm.DB, provider, providerPaymentID string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE provider = ? AND provider_payment_id = ?
		 LIMIT 1`,
		provider,
		providerPaymentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) (*domain.Payment, error) {
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_payment_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
		}).
		Create(payment).Error
	if err != nil {
		return nil, err
	}
	stored, err := r.FindPayment(ctx, db, payment.Provider, payment.ProviderPaymentID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return stored, nil
}

// statusRankSQL mirrors domain.PaymentStatus.Rank for the stored column.
var statusRankSQL = fmt.Sprintf(
	`CASE status WHEN '%s' THEN %d WHEN '%s' THEN %d ELSE %d END`,
	domain.PaymentStatusPending, domain.PaymentStatusPending.Rank(),
	domain.PaymentStatusRefunded, domain.PaymentStatusRefunded.Rank(),
	domain.PaymentStatusApproved.Rank(),
)

func (r *repo) UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, update domain.PaymentStatusUpdate) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?,
		     provider_status = ?,
		     status_detail = CASE WHEN ? = '' THEN status_detail ELSE ? END,
		     payment_method_id = CASE WHEN ? = '' THEN payment_method_id ELSE ? END,
		     amount = CASE WHEN ? > 0 THEN ? ELSE amount END,
		     updated_at = ?
		 WHERE id = ? AND `+statusRankSQL+` <= ?`,
		update.Status,
		update.ProviderStatus,
		update.StatusDetail, update.StatusDetail,
		update.PaymentMethodID, update.PaymentMethodID,
		update.Amount, update.Amount,
		update.UpdatedAt,
		id,
		update.Status.Rank(),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET paid_at = ?, updated_at = ?
		 WHERE id = ? AND paid_at IS NULL`,
		paidAt,
		paidAt,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListPayments(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, after *domain.PaymentCursor, limit int) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		 FROM payments
		 WHERE subscription_id = ?`
	args := []any{subscriptionID}
	if after != nil {
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, after.CreatedAt, after.CreatedAt, after.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var items []domain.Payment
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
