package service

import (
	"context"
	"time"

	"github.com/smallbiznis/entitlements/internal/billing/domain"
	"github.com/smallbiznis/entitlements/internal/config"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultProviderTimeout = 10 * time.Second

type GatewayParams struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Adapters domain.Adapters
}

// Gateway routes subscription authorizations to the default provider and
// bounds every call with the provider timeout.
type Gateway struct {
	adapter domain.Adapter
	timeout time.Duration
	log     *zap.Logger
}

// NewGateway returns nil when the default provider is not configured, so
// paid subscriptions fail with an upstream error instead of panicking.
func NewGateway(p GatewayParams) subscriptiondomain.AuthorizationGateway {
	log := p.Log.Named("billing.gateway")
	adapter, ok := p.Adapters.Get(p.Cfg.Billing.Provider)
	if !ok {
		log.Warn("default payment provider is not configured", zap.String("provider", p.Cfg.Billing.Provider))
		return nil
	}
	timeout := p.Cfg.Billing.ProviderTimeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &Gateway{adapter: adapter, timeout: timeout, log: log}
}

func (g *Gateway) CreateAuthorization(ctx context.Context, req subscriptiondomain.AuthorizationRequest) (*subscriptiondomain.Authorization, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	authorization, err := g.adapter.CreateAuthorization(ctx, req)
	if err != nil {
		return nil, err
	}
	if authorization.Provider == "" {
		authorization.Provider = g.adapter.Provider()
	}
	g.log.Info("authorization created",
		zap.String("provider", authorization.Provider),
		zap.String("authorization_id", authorization.ExternalID),
		zap.String("external_reference", req.ExternalReference),
	)
	return authorization, nil
}

func (g *Gateway) CancelAuthorization(ctx context.Context, externalID string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.adapter.CancelAuthorization(ctx, externalID)
}
