package domain

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/pkg/db/pagination"
)

type ListPaymentsRequest struct {
	TenantID       snowflake.ID
	SubscriptionID snowflake.ID
	pagination.Pagination
}

type ListPaymentsResponse struct {
	Payments []Payment           `json:"payments"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

type ReconcileResult struct {
	Checked int `json:"checked"`
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
}

type Reconciler interface {
	// HandleWebhook verifies and reconciles one provider notification.
	// Only ErrProviderNotFound, ErrInvalidSignature and ErrInvalidPayload
	// are returned; reconciliation failures are alerted and acknowledged.
	HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
	// HandleEvent applies one canonical event idempotently.
	HandleEvent(ctx context.Context, event *ProviderEvent) error
	// ReconcilePending polls the provider for subscriptions still awaiting
	// confirmation and feeds the results through HandleEvent.
	ReconcilePending(ctx context.Context) (ReconcileResult, error)
	ListPayments(ctx context.Context, req ListPaymentsRequest) (*ListPaymentsResponse, error)
}

var (
	ErrProviderNotFound  = errors.New("payment_provider_not_found")
	ErrInvalidConfig     = errors.New("invalid_provider_config")
	ErrInvalidSignature  = errors.New("invalid_signature")
	ErrInvalidPayload    = errors.New("invalid_payload")
	ErrInvalidEvent      = errors.New("invalid_event")
	ErrEventIgnored      = errors.New("event_ignored")
	ErrProviderRequest   = errors.New("payment_provider_request_failed")
	ErrInvalidTenant     = errors.New("invalid_tenant")
	ErrInvalidPaymentRef = errors.New("payment_subscription_unresolved")
)
