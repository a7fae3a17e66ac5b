package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertEvent reports false when the event was already recorded.
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error

	FindPayment(ctx context.Context, db *gorm.DB, provider, providerPaymentID string) (*Payment, error)
	// UpsertPayment inserts the payment or, when (provider,
	// provider_payment_id) already exists, leaves the stored row in place.
	// It returns the stored row.
	UpsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) (*Payment, error)
	// UpdatePaymentStatus applies update unless the stored status has a
	// higher rank than update.Status. It reports whether the row changed.
	UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, update PaymentStatusUpdate) (bool, error)
	// MarkPaid stamps paid_at only if it was never set, so a payment
	// extends its subscription at most once.
	MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt time.Time) (bool, error)
	ListPayments(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, after *PaymentCursor, limit int) ([]Payment, error)
}

type PaymentStatusUpdate struct {
	Status          PaymentStatus
	ProviderStatus  string
	StatusDetail    string
	PaymentMethodID string
	Amount          int64
	UpdatedAt       time.Time
}

type PaymentCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}
