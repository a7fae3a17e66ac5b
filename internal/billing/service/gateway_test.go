package service

import (
	"context"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/entitlements/internal/billing/domain"
	"github.com/smallbiznis/entitlements/internal/billing/mock"
	"github.com/smallbiznis/entitlements/internal/config"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewGatewayWithoutProvider(t *testing.T) {
	cfg := config.Config{Billing: config.BillingConfig{Provider: "mercadopago"}}
	gateway := NewGateway(GatewayParams{Log: zap.NewNop(), Cfg: cfg, Adapters: domain.Adapters{}})
	require.Nil(t, gateway)
}

func TestGatewayBoundsProviderCalls(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mock.NewMockAdapter(ctrl)
	adapter.EXPECT().Provider().Return("stripe").AnyTimes()

	cfg := config.Config{Billing: config.BillingConfig{Provider: "stripe", ProviderTimeout: time.Second}}
	gateway := NewGateway(GatewayParams{Log: zap.NewNop(), Cfg: cfg, Adapters: domain.Adapters{"stripe": adapter}})
	require.NotNil(t, gateway)

	adapter.EXPECT().CreateAuthorization(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req subscriptiondomain.AuthorizationRequest) (*subscriptiondomain.Authorization, error) {
			deadline, ok := ctx.Deadline()
			require.True(t, ok)
			require.WithinDuration(t, time.Now().Add(time.Second), deadline, time.Second)
			return &subscriptiondomain.Authorization{ExternalID: "sub_1", CheckoutURL: "https://pay"}, nil
		})
	authorization, err := gateway.CreateAuthorization(context.Background(), subscriptiondomain.AuthorizationRequest{ExternalReference: "1-x"})
	require.NoError(t, err)
	require.Equal(t, "stripe", authorization.Provider)
	require.Equal(t, "sub_1", authorization.ExternalID)

	adapter.EXPECT().CancelAuthorization(gomock.Any(), "sub_1").Return(domain.ErrProviderRequest)
	require.ErrorIs(t, gateway.CancelAuthorization(context.Background(), "sub_1"), domain.ErrProviderRequest)
}
