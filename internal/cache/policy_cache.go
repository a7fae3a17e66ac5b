package cache

import (
	"strings"
	"time"

	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
)

const (
	defaultFeatureTTL = 10 * time.Minute
	defaultPolicyTTL  = 2 * time.Minute
	defaultPlanTTL    = 5 * time.Minute
)

// PolicyCache stores hot-path catalog lookups for entitlement checks.
type PolicyCache interface {
	GetFeature(featureKey string) (catalogdomain.Feature, bool)
	SetFeature(feature catalogdomain.Feature)
	GetPlan(planID string) (catalogdomain.Plan, bool)
	SetPlan(plan catalogdomain.Plan)
	GetPolicy(planID, featureKey string) (catalogdomain.Policy, bool)
	SetPolicy(planID string, policy catalogdomain.Policy)
	// Invalidate drops everything; called after catalog provisioning.
	Invalidate()
}

type policyCache struct {
	features   Cache[string, catalogdomain.Feature]
	plans      Cache[string, catalogdomain.Plan]
	policies   Cache[string, catalogdomain.Policy]
	featureTTL time.Duration
	planTTL    time.Duration
	policyTTL  time.Duration
}

// NewPolicyCache returns an in-memory cache tuned for entitlement checks.
func NewPolicyCache() PolicyCache {
	return &policyCache{
		features:   NewTTLCache[string, catalogdomain.Feature](),
		plans:      NewTTLCache[string, catalogdomain.Plan](),
		policies:   NewTTLCache[string, catalogdomain.Policy](),
		featureTTL: defaultFeatureTTL,
		planTTL:    defaultPlanTTL,
		policyTTL:  defaultPolicyTTL,
	}
}

func (c *policyCache) GetFeature(featureKey string) (catalogdomain.Feature, bool) {
	return c.features.Get(cacheKey(featureKey))
}

func (c *policyCache) SetFeature(feature catalogdomain.Feature) {
	if feature.ID == 0 {
		return
	}
	c.features.Set(cacheKey(feature.Key), feature, c.featureTTL)
}

func (c *policyCache) GetPlan(planID string) (catalogdomain.Plan, bool) {
	return c.plans.Get(cacheKey(planID))
}

func (c *policyCache) SetPlan(plan catalogdomain.Plan) {
	if plan.ID == 0 {
		return
	}
	c.plans.Set(cacheKey(plan.ID.String()), plan, c.planTTL)
}

func (c *policyCache) GetPolicy(planID, featureKey string) (catalogdomain.Policy, bool) {
	return c.policies.Get(cacheKey(planID, featureKey))
}

func (c *policyCache) SetPolicy(planID string, policy catalogdomain.Policy) {
	if policy.FeatureKey == "" {
		return
	}
	c.policies.Set(cacheKey(planID, policy.FeatureKey), policy, c.policyTTL)
}

func (c *policyCache) Invalidate() {
	c.features.Purge()
	c.plans.Purge()
	c.policies.Purge()
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
