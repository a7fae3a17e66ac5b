package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
	"gorm.io/gorm"
)

type CreateRequest struct {
	TenantID     snowflake.ID               `json:"-"`
	PlanID       snowflake.ID               `json:"plan_id,string"`
	BillingCycle catalogdomain.BillingCycle `json:"billing_cycle"`
	PayerEmail   string                     `json:"payer_email"`
	StartTrial   bool                       `json:"start_trial"`
	BackURL      string                     `json:"back_url,omitempty"`
}

type ConvertTrialRequest struct {
	TenantID       snowflake.ID               `json:"-"`
	SubscriptionID snowflake.ID               `json:"-"`
	BillingCycle   catalogdomain.BillingCycle `json:"billing_cycle"`
	PayerEmail     string                     `json:"payer_email"`
	BackURL        string                     `json:"back_url,omitempty"`
}

// SweepResult counts the subscriptions a sweep transitioned.
type SweepResult struct {
	Expired int64 `json:"expired_count"`
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Subscription, error)
	CreateTrial(ctx context.Context, tenantID, planID snowflake.ID) (*Subscription, error)
	Cancel(ctx context.Context, tenantID, subscriptionID snowflake.ID, reason string) (*Subscription, error)
	ConvertTrialToPaid(ctx context.Context, req ConvertTrialRequest) (*Subscription, error)

	// GetCurrent returns the tenant's most recent live subscription, or
	// ErrSubscriptionNotFound.
	GetCurrent(ctx context.Context, tenantID snowflake.ID) (*Subscription, error)
	Get(ctx context.Context, tenantID, subscriptionID snowflake.ID) (*Subscription, error)
	GetByID(ctx context.Context, subscriptionID snowflake.ID) (*Subscription, error)
	FindByAuthorization(ctx context.Context, authorizationID string) (*Subscription, error)
	// FindLatestBillable returns the tenant's newest active or pending
	// subscription; payments without a direct reference fall back to it.
	FindLatestBillable(ctx context.Context, tenantID snowflake.ID) (*Subscription, error)

	// Transition applies target atomically. changed is false when the
	// subscription already had the target status.
	Transition(ctx context.Context, subscriptionID snowflake.ID, target Status, reason string) (changed bool, err error)
	ExtendOnPayment(ctx context.Context, subscriptionID snowflake.ID) (*Subscription, error)
	// ExtendOnPaymentTx is ExtendOnPayment inside a caller-owned transaction.
	ExtendOnPaymentTx(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) (*Subscription, error)

	SweepExpiredTrials(ctx context.Context) (SweepResult, error)
	SweepExpiredSubscriptions(ctx context.Context) (SweepResult, error)
	ListTrialsEndingWithin(ctx context.Context, window time.Duration) ([]Subscription, error)
	// MarkReminded records a reminder for the current day and reports false
	// if one was already recorded.
	MarkReminded(ctx context.Context, subscriptionID snowflake.ID) (bool, error)
	ListPendingForReconcile(ctx context.Context, olderThan time.Duration, limit int) ([]Subscription, error)
}

// AuthorizationRequest asks the payment provider for a recurring charge
// authorization.
type AuthorizationRequest struct {
	PlanName          string
	TenantName        string
	Amount            int64
	Currency          string
	BillingCycle      catalogdomain.BillingCycle
	PayerEmail        string
	StartDate         time.Time
	EndDate           time.Time
	BackURL           string
	ExternalReference string
}

type Authorization struct {
	Provider    string
	ExternalID  string
	CheckoutURL string
	Status      string
}

// AuthorizationGateway is the outbound payment provider boundary.
type AuthorizationGateway interface {
	CreateAuthorization(ctx context.Context, req AuthorizationRequest) (*Authorization, error)
	CancelAuthorization(ctx context.Context, externalID string) error
}

var (
	ErrInvalidTenant          = errors.New("invalid_tenant")
	ErrInvalidPlan            = errors.New("invalid_plan")
	ErrInvalidSubscription    = errors.New("invalid_subscription")
	ErrInvalidPayerEmail      = errors.New("invalid_payer_email")
	ErrInvalidTargetStatus    = errors.New("invalid_target_status")
	ErrSubscriptionNotFound   = errors.New("subscription_not_found")
	ErrPriceNotConfigured     = errors.New("price_not_configured")
	ErrTrialNotEligible       = errors.New("trial_not_eligible")
	ErrInvalidState           = errors.New("invalid_subscription_state")
	ErrLiveSubscriptionExists = errors.New("live_subscription_exists")
	ErrUpstreamUnavailable    = errors.New("payment_provider_unavailable")
	ErrConcurrentUpdate       = errors.New("subscription_concurrent_update")
)
