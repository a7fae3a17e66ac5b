package domain

import (
	"context"
	"net/http"
	"strings"

	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
)

type AdapterConfig struct {
	Provider string
	Config   map[string]any
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

//go:generate mockgen -destination=../mock/adapter_mock.go -package=mock github.com/smallbiznis/entitlements/internal/billing/domain Adapter

// Adapter speaks one payment provider's API.
type Adapter interface {
	Provider() string
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	// Parse returns ErrEventIgnored for notifications that carry nothing
	// to reconcile. It may call the provider to load the referenced object.
	Parse(ctx context.Context, payload []byte, headers http.Header) (*ProviderEvent, error)

	CreateAuthorization(ctx context.Context, req subscriptiondomain.AuthorizationRequest) (*subscriptiondomain.Authorization, error)
	CancelAuthorization(ctx context.Context, authorizationID string) error
	// FetchAuthorization reads the current authorization state as an event
	// suitable for reconciliation.
	FetchAuthorization(ctx context.Context, authorizationID string) (*ProviderEvent, error)
}

// Adapters holds the configured adapter of each enabled provider.
type Adapters map[string]Adapter

func (a Adapters) Get(provider string) (Adapter, bool) {
	adapter, ok := a[strings.ToLower(strings.TrimSpace(provider))]
	return adapter, ok && adapter != nil
}
