// Package bootstrap assembles the fx options shared by every binary.
package bootstrap

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/alert"
	"github.com/smallbiznis/entitlements/internal/authorization"
	"github.com/smallbiznis/entitlements/internal/billing"
	"github.com/smallbiznis/entitlements/internal/catalog"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/entitlement"
	"github.com/smallbiznis/entitlements/internal/notification"
	"github.com/smallbiznis/entitlements/internal/observability"
	"github.com/smallbiznis/entitlements/internal/providers"
	"github.com/smallbiznis/entitlements/internal/ratelimit"
	"github.com/smallbiznis/entitlements/internal/subscription"
	"github.com/smallbiznis/entitlements/internal/tenant"
	"github.com/smallbiznis/entitlements/internal/usage"
	"github.com/smallbiznis/entitlements/pkg/db"
	"go.uber.org/fx"
)

// Infrastructure wires configuration, logging, ids, the database and time.
var Infrastructure = fx.Options(
	config.Module,
	observability.Module,
	fx.Provide(RegisterSnowflake),
	db.Module,
	clock.Module,
)

// Domains wires every service behind the HTTP API and the scheduler.
var Domains = fx.Options(
	tenant.Module,
	authorization.Module,
	catalog.Module,
	usage.Module,
	subscription.Module,
	billing.Module,
	entitlement.Module,
	alert.Module,
	ratelimit.Module,
	providers.Module,
	notification.Module,
)

var Core = fx.Options(Infrastructure, Domains)

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
