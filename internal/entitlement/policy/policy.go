// Package policy attaches declarative access requirements to routes.
//
// A Policy is compiled into a chain of small predicates evaluated in order:
// tenant identity, RBAC permissions, subscription state and finally the
// feature entitlement. Every predicate must pass; the first failure aborts
// the request with its own error kind.
package policy

import (
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/authorization"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	obscontext "github.com/smallbiznis/entitlements/internal/observability/context"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"go.uber.org/fx"
)

const (
	tenantKey = "policy.tenant_id"
	resultKey = "policy.access_result"
)

type Permission struct {
	Object string
	Action string
}

// SubscriptionRule describes the subscription state a route needs.
type SubscriptionRule struct {
	RequireActive bool
	AllowTrial    bool
	Message       string
}

type Policy struct {
	// Feature is a fixed feature key. FeatureParam names a route parameter
	// carrying the key instead.
	Feature      string
	FeatureParam string
	// RequiredUsage defaults to 1. UsageQuery names a query parameter that
	// overrides it per request.
	RequiredUsage int64
	UsageQuery    string
	Message       string
	Permissions   []Permission
	Subscription  *SubscriptionRule
}

// Predicate is one independently testable access check.
type Predicate func(c *gin.Context) error

var (
	ErrTenantRequired     = errors.New("tenant_required")
	ErrActorRequired      = errors.New("actor_required")
	ErrInvalidUsage       = errors.New("invalid_usage")
	ErrSubscriptionDenied = errors.New("subscription_required")
)

// SubscriptionDeniedError is returned when the subscription state blocks
// a route. It is distinct from feature denial.
type SubscriptionDeniedError struct {
	Status  subscriptiondomain.Status
	Message string
}

func (e *SubscriptionDeniedError) Error() string {
	return e.Message
}

func (e *SubscriptionDeniedError) Unwrap() error {
	return ErrSubscriptionDenied
}

type Params struct {
	fx.In

	Resolver      domain.Resolver
	Subscriptions subscriptiondomain.Service
	Authz         authorization.Service
	Clock         clock.Clock
	Policy        *config.PolicyConfigHolder `optional:"true"`
}

type Enforcer struct {
	resolver      domain.Resolver
	subscriptions subscriptiondomain.Service
	authz         authorization.Service
	clock         clock.Clock
	policy        *config.PolicyConfigHolder
}

func NewEnforcer(p Params) *Enforcer {
	policy := p.Policy
	if policy == nil {
		policy = config.NewStaticPolicyConfigHolder(config.DefaultPolicyConfig())
	}
	return &Enforcer{
		resolver:      p.Resolver,
		subscriptions: p.Subscriptions,
		authz:         p.Authz,
		clock:         p.Clock,
		policy:        policy,
	}
}

// Compile turns p into its ordered predicate chain.
func (e *Enforcer) Compile(p Policy) []Predicate {
	chain := []Predicate{e.RequireTenant()}
	if len(p.Permissions) > 0 {
		chain = append(chain, e.RequirePermissions(p.Permissions...))
	}
	if p.Subscription != nil {
		chain = append(chain, e.RequireSubscription(*p.Subscription))
	}
	if p.Feature != "" || p.FeatureParam != "" {
		chain = append(chain, e.RequireFeature(p))
	}
	return chain
}

// Handler returns gin middleware enforcing p.
func (e *Enforcer) Handler(p Policy) gin.HandlerFunc {
	chain := e.Compile(p)
	return func(c *gin.Context) {
		for _, check := range chain {
			if err := check(c); err != nil {
				_ = c.Error(err)
				c.Abort()
				return
			}
		}
		c.Next()
	}
}

// TenantID returns the tenant resolved by RequireTenant.
func TenantID(c *gin.Context) (snowflake.ID, bool) {
	if value, ok := c.Get(tenantKey); ok {
		id, ok := value.(snowflake.ID)
		return id, ok && id != 0
	}
	id, err := parseTenant(c)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Result returns the decision recorded by RequireFeature.
func Result(c *gin.Context) (domain.AccessResult, bool) {
	value, ok := c.Get(resultKey)
	if !ok {
		return domain.AccessResult{}, false
	}
	result, ok := value.(domain.AccessResult)
	return result, ok
}

func parseTenant(c *gin.Context) (snowflake.ID, error) {
	raw := obscontext.TenantIDFromContext(c.Request.Context())
	if raw == "" {
		return 0, ErrTenantRequired
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, ErrTenantRequired
	}
	return id, nil
}

func requiredUsage(c *gin.Context, p Policy) (int64, error) {
	usage := p.RequiredUsage
	if p.UsageQuery != "" {
		if raw := strings.TrimSpace(c.Query(p.UsageQuery)); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed <= 0 {
				return 0, ErrInvalidUsage
			}
			usage = parsed
		}
	}
	if usage <= 0 {
		usage = 1
	}
	return usage, nil
}
