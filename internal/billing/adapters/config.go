package adapters

import (
	"strings"

	"github.com/smallbiznis/entitlements/internal/billing/adapters/mercadopago"
	"github.com/smallbiznis/entitlements/internal/billing/adapters/stripe"
	"github.com/smallbiznis/entitlements/internal/billing/domain"
	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/zap"
)

// Default registers every supported provider.
func Default() *Registry {
	return NewRegistry(
		mercadopago.NewFactory(),
		stripe.NewFactory(),
	)
}

// ConfigsFromEnv builds adapter configs for every provider that has
// credentials in cfg.
func ConfigsFromEnv(cfg config.BillingConfig) []domain.AdapterConfig {
	var out []domain.AdapterConfig
	if strings.TrimSpace(cfg.MercadoPagoAccessToken) != "" {
		out = append(out, domain.AdapterConfig{
			Provider: mercadopago.Provider,
			Config: map[string]any{
				"access_token":   cfg.MercadoPagoAccessToken,
				"webhook_secret": cfg.MercadoPagoWebhookSecret,
				"base_url":       cfg.MercadoPagoBaseURL,
				"timeout":        cfg.ProviderTimeout,
			},
		})
	}
	if strings.TrimSpace(cfg.StripeSecretKey) != "" {
		out = append(out, domain.AdapterConfig{
			Provider: stripe.Provider,
			Config: map[string]any{
				"secret_key":     cfg.StripeSecretKey,
				"webhook_secret": cfg.StripeWebhookSecret,
				"prices":         cfg.StripePrices,
			},
		})
	}
	return out
}

// Build instantiates the configured adapters keyed by provider. Invalid
// configurations are logged and skipped.
func Build(registry *Registry, configs []domain.AdapterConfig, log *zap.Logger) domain.Adapters {
	out := domain.Adapters{}
	for _, cfg := range configs {
		adapter, err := registry.NewAdapter(cfg.Provider, cfg)
		if err != nil {
			log.Warn("payment provider disabled",
				zap.String("provider", cfg.Provider),
				zap.Error(err),
			)
			continue
		}
		out[normalize(cfg.Provider)] = adapter
	}
	return out
}
