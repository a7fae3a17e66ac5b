package entitlement

import (
	"github.com/smallbiznis/entitlements/internal/entitlement/policy"
	"github.com/smallbiznis/entitlements/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.resolver",
	fx.Provide(service.New),
	fx.Provide(policy.NewEnforcer),
)
