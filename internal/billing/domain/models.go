package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusApproved  PaymentStatus = "approved"
	PaymentStatusRejected  PaymentStatus = "rejected"
	PaymentStatusCancelled PaymentStatus = "cancelled"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// Payment is one provider-reported payment attempt. ProviderPaymentID is
// the idempotency key: replays update the row, never duplicate it.
type Payment struct {
	ID                snowflake.ID  `gorm:"primaryKey" json:"id"`
	TenantID          snowflake.ID  `gorm:"not null;index" json:"tenant_id"`
	SubscriptionID    snowflake.ID  `gorm:"not null;index" json:"subscription_id"`
	Provider          string        `gorm:"not null;size:32;uniqueIndex:ux_payments_provider_payment,priority:1" json:"provider"`
	ProviderPaymentID string        `gorm:"not null;size:128;uniqueIndex:ux_payments_provider_payment,priority:2" json:"provider_payment_id"`
	Amount            int64         `gorm:"not null" json:"amount"`
	Currency          string        `gorm:"not null;size:3" json:"currency"`
	Status            PaymentStatus `gorm:"not null;size:20;index" json:"status"`
	ProviderStatus    string        `gorm:"size:64" json:"provider_status"`
	StatusDetail      string        `gorm:"size:128" json:"status_detail,omitempty"`
	PaymentMethodID   string        `gorm:"size:64" json:"payment_method_id,omitempty"`
	PaidAt            *time.Time    `json:"paid_at,omitempty"`
	CreatedAt         time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time     `gorm:"not null" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

type EventKind string

const (
	EventKindAuthorization EventKind = "authorization"
	EventKindPayment       EventKind = "payment"
)

// EventRecord is the ledger entry of a received provider event.
type EventRecord struct {
	ID              snowflake.ID   `gorm:"primaryKey" json:"id"`
	Provider        string         `gorm:"not null;size:32;uniqueIndex:ux_billing_events_provider_event,priority:1" json:"provider"`
	ProviderEventID string         `gorm:"not null;size:128;uniqueIndex:ux_billing_events_provider_event,priority:2" json:"provider_event_id"`
	Kind            EventKind      `gorm:"not null;size:20" json:"kind"`
	Payload         datatypes.JSON `gorm:"not null" json:"payload"`
	ReceivedAt      time.Time      `gorm:"not null" json:"received_at"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
}

func (EventRecord) TableName() string { return "billing_events" }

// ProviderEvent is the canonical event parsed by adapters from webhooks or
// produced by polling.
type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	Kind            EventKind
	OccurredAt      time.Time
	RawPayload      []byte

	Authorization *AuthorizationUpdate
	Payment       *PaymentUpdate
}

type AuthorizationUpdate struct {
	AuthorizationID   string
	ProviderStatus    string
	ExternalReference string
}

type PaymentUpdate struct {
	ProviderPaymentID string
	ProviderStatus    string
	StatusDetail      string
	Amount            int64
	Currency          string
	PaymentMethodID   string
	// AuthorizationID links the payment to its recurring authorization when
	// the provider reports it.
	AuthorizationID   string
	ExternalReference string
	ApprovedAt        *time.Time
}
