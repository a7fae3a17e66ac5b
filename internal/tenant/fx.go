package tenant

import (
	"github.com/smallbiznis/entitlements/internal/authorization"
	"github.com/smallbiznis/entitlements/internal/tenant/domain"
	"github.com/smallbiznis/entitlements/internal/tenant/repository"
	"github.com/smallbiznis/entitlements/internal/tenant/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tenant.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(svc domain.Service) authorization.RoleResolver { return svc }),
)
