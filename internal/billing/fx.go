package billing

import (
	"github.com/smallbiznis/entitlements/internal/billing/adapters"
	"github.com/smallbiznis/entitlements/internal/billing/domain"
	"github.com/smallbiznis/entitlements/internal/billing/repository"
	"github.com/smallbiznis/entitlements/internal/billing/service"
	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("billing",
	fx.Provide(repository.Provide),
	fx.Provide(provideAdapters),
	fx.Provide(service.New),
	fx.Provide(service.NewGateway),
)

func provideAdapters(cfg config.Config, log *zap.Logger) domain.Adapters {
	return adapters.Build(adapters.Default(), adapters.ConfigsFromEnv(cfg.Billing), log)
}
