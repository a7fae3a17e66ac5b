package catalog

import (
	"github.com/smallbiznis/entitlements/internal/cache"
	"github.com/smallbiznis/entitlements/internal/catalog/repository"
	"github.com/smallbiznis/entitlements/internal/catalog/service"
	"go.uber.org/fx"
)

var Module = fx.Module("catalog.service",
	fx.Provide(cache.NewPolicyCache),
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
