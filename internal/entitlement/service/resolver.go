package service

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Catalog       catalogdomain.Service
	Subscriptions subscriptiondomain.Service
	Usage         usagedomain.Service
	Policy        *config.PolicyConfigHolder `optional:"true"`
	Metrics       *metrics.Metrics           `optional:"true"`
}

type Resolver struct {
	log           *zap.Logger
	catalog       catalogdomain.Service
	subscriptions subscriptiondomain.Service
	usage         usagedomain.Service
	policy        *config.PolicyConfigHolder
	metrics       *metrics.Metrics
}

func New(p Params) domain.Resolver {
	policy := p.Policy
	if policy == nil {
		policy = config.NewStaticPolicyConfigHolder(config.DefaultPolicyConfig())
	}
	return &Resolver{
		log:           p.Log.Named("entitlement.resolver"),
		catalog:       p.Catalog,
		subscriptions: p.Subscriptions,
		usage:         p.Usage,
		policy:        policy,
		metrics:       p.Metrics,
	}
}

// resolution is the subscription and policy a decision was made against.
type resolution struct {
	subscription *subscriptiondomain.Subscription
	policy       catalogdomain.Policy
}

func (r *Resolver) CheckAccess(ctx context.Context, tenantID snowflake.ID, featureKey string, requiredUsage int64) (domain.AccessResult, error) {
	featureKey, requiredUsage, err := normalize(tenantID, featureKey, requiredUsage)
	if err != nil {
		return domain.AccessResult{}, err
	}

	res, err := r.resolve(ctx, tenantID, featureKey)
	if err != nil {
		return domain.AccessResult{}, err
	}

	result, err := r.decide(ctx, res, featureKey, requiredUsage)
	if err != nil {
		return domain.AccessResult{}, err
	}
	r.metrics.RecordEntitlementCheck(ctx, featureKey, result.Allowed)
	return result, nil
}

func (r *Resolver) RequireAccess(ctx context.Context, tenantID snowflake.ID, featureKey string, requiredUsage int64, message string) (domain.AccessResult, error) {
	featureKey, requiredUsage, err := normalize(tenantID, featureKey, requiredUsage)
	if err != nil {
		return domain.AccessResult{}, err
	}

	res, err := r.resolve(ctx, tenantID, featureKey)
	if err != nil {
		return domain.AccessResult{}, err
	}

	var result domain.AccessResult
	if res.subscription != nil && res.policy.Metered() {
		result, err = r.reserve(ctx, res, featureKey, requiredUsage)
	} else {
		result, err = r.decide(ctx, res, featureKey, requiredUsage)
	}
	if err != nil {
		return domain.AccessResult{}, err
	}
	r.metrics.RecordEntitlementCheck(ctx, featureKey, result.Allowed)

	if !result.Allowed {
		return result, r.denied(ctx, featureKey, message, result)
	}
	return result, nil
}

// reserve is the fused check-and-record path for metered features. The
// ledger applies the increment only if it stays within the limit, so
// concurrent callers can never overshoot the quota.
func (r *Resolver) reserve(ctx context.Context, res resolution, featureKey string, requiredUsage int64) (domain.AccessResult, error) {
	limit := *res.policy.Limit
	if res.policy.FeatureKey != "" {
		featureKey = res.policy.FeatureKey
	}
	period := r.usage.CurrentPeriod()
	result := domain.AccessResult{
		FeatureKey:     featureKey,
		Limit:          int64Ptr(limit),
		SubscriptionID: res.subscription.ID.String(),
		Period:         period,
	}

	total, ok, err := r.usage.IncrementWithin(ctx, res.subscription.ID, featureKey, period, requiredUsage, limit)
	if err != nil {
		return domain.AccessResult{}, err
	}
	if !ok {
		current, err := r.usage.GetUsage(ctx, res.subscription.ID, featureKey, period)
		if err != nil {
			return domain.AccessResult{}, err
		}
		result.CurrentUsage = int64Ptr(current)
		result.Remaining = int64Ptr(limit - current)
		return result, nil
	}

	result.Allowed = true
	result.CurrentUsage = int64Ptr(total)
	result.Remaining = int64Ptr(limit - total)
	return result, nil
}

func (r *Resolver) decide(ctx context.Context, res resolution, featureKey string, requiredUsage int64) (domain.AccessResult, error) {
	policy := res.policy
	result := domain.AccessResult{FeatureKey: featureKey}
	if res.subscription != nil {
		result.SubscriptionID = res.subscription.ID.String()
	}

	switch {
	case !policy.Included:
		return result, nil
	case policy.Unlimited:
		result.Allowed = true
		result.IsUnlimited = true
		return result, nil
	case policy.Limit == nil:
		result.Allowed = true
		return result, nil
	}

	limit := *policy.Limit
	result.Limit = int64Ptr(limit)

	// Default policies of core features apply without a subscription and
	// have nothing to count against.
	if res.subscription == nil {
		result.Allowed = true
		return result, nil
	}

	period := r.usage.CurrentPeriod()
	current, err := r.usage.GetUsage(ctx, res.subscription.ID, featureKey, period)
	if err != nil {
		return domain.AccessResult{}, err
	}
	remaining := limit - current
	result.Period = period
	result.CurrentUsage = int64Ptr(current)
	result.Remaining = int64Ptr(remaining)
	result.Allowed = remaining >= requiredUsage
	return result, nil
}

// resolve loads the live subscription and the policy that governs
// featureKey for it. Without a live subscription only the default policy
// of core features applies.
func (r *Resolver) resolve(ctx context.Context, tenantID snowflake.ID, featureKey string) (resolution, error) {
	subscription, err := r.subscriptions.GetCurrent(ctx, tenantID)
	switch {
	case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound):
		policy, err := r.catalog.GetDefaultPolicy(ctx, featureKey)
		if errors.Is(err, catalogdomain.ErrFeatureNotFound) {
			return resolution{policy: catalogdomain.Policy{FeatureKey: featureKey}}, nil
		}
		if err != nil {
			return resolution{}, err
		}
		return resolution{policy: policy}, nil
	case err != nil:
		return resolution{}, err
	}

	policy, err := r.catalog.GetPolicy(ctx, subscription.PlanID, featureKey)
	if err != nil {
		return resolution{}, err
	}
	return resolution{subscription: subscription, policy: policy}, nil
}

func (r *Resolver) denied(ctx context.Context, featureKey, message string, result domain.AccessResult) error {
	message = strings.TrimSpace(message)
	if message == "" {
		name := featureKey
		if feature, err := r.catalog.GetFeature(ctx, featureKey); err == nil {
			name = feature.Name
		}
		message = r.policy.Get().UpgradeMessage(featureKey, name)
	}
	r.log.Debug("feature access denied",
		zap.String("feature_key", featureKey),
		zap.String("subscription_id", result.SubscriptionID),
	)
	return &domain.AccessDeniedError{Feature: featureKey, Message: message, Result: result}
}

func (r *Resolver) ListTenantFeatures(ctx context.Context, tenantID snowflake.ID) ([]domain.TenantFeature, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	features, err := r.catalog.ListFeatures(ctx)
	if err != nil {
		return nil, err
	}

	subscription, err := r.subscriptions.GetCurrent(ctx, tenantID)
	if err != nil && !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return nil, err
	}

	usage := map[string]int64{}
	if subscription != nil {
		usage, err = r.usage.UsageForPeriod(ctx, subscription.ID, r.usage.CurrentPeriod())
		if err != nil {
			return nil, err
		}
	}

	result := make([]domain.TenantFeature, 0, len(features))
	for _, feature := range features {
		var policy catalogdomain.Policy
		if subscription != nil {
			policy, err = r.catalog.GetPolicy(ctx, subscription.PlanID, feature.Key)
		} else {
			policy, err = r.catalog.GetDefaultPolicy(ctx, feature.Key)
		}
		if err != nil {
			return nil, err
		}

		item := domain.TenantFeature{
			Key:         feature.Key,
			Name:        feature.Name,
			Description: feature.Description,
			Category:    feature.Category,
			HasAccess:   policy.Included,
			IsUnlimited: policy.Included && policy.Unlimited,
		}
		if policy.Metered() {
			item.Limit = int64Ptr(*policy.Limit)
			item.CurrentUsage = usage[feature.Key]
		}
		result = append(result, item)
	}
	return result, nil
}

func (r *Resolver) UsageStats(ctx context.Context, tenantID snowflake.ID, period string) (domain.UsageStats, error) {
	if tenantID == 0 {
		return domain.UsageStats{}, domain.ErrInvalidTenant
	}
	period = strings.TrimSpace(period)
	if period == "" {
		period = r.usage.CurrentPeriod()
	}
	if !usagedomain.ValidPeriod(period) {
		return domain.UsageStats{}, usagedomain.ErrInvalidPeriod
	}

	stats := domain.UsageStats{Period: period, Features: []domain.UsageStat{}}
	subscription, err := r.subscriptions.GetCurrent(ctx, tenantID)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return stats, nil
	}
	if err != nil {
		return domain.UsageStats{}, err
	}
	stats.SubscriptionID = subscription.ID.String()

	totals, err := r.usage.UsageForPeriod(ctx, subscription.ID, period)
	if err != nil {
		return domain.UsageStats{}, err
	}
	for featureKey, total := range totals {
		stat := domain.UsageStat{FeatureKey: featureKey, Usage: total}
		policy, err := r.catalog.GetPolicy(ctx, subscription.PlanID, featureKey)
		if err != nil {
			return domain.UsageStats{}, err
		}
		stat.IsUnlimited = policy.Included && policy.Unlimited
		if policy.Metered() {
			stat.Limit = int64Ptr(*policy.Limit)
		}
		stats.Features = append(stats.Features, stat)
	}
	sort.Slice(stats.Features, func(i, j int) bool {
		return stats.Features[i].FeatureKey < stats.Features[j].FeatureKey
	})
	return stats, nil
}

func normalize(tenantID snowflake.ID, featureKey string, requiredUsage int64) (string, int64, error) {
	if tenantID == 0 {
		return "", 0, domain.ErrInvalidTenant
	}
	featureKey = strings.ToLower(strings.TrimSpace(featureKey))
	if featureKey == "" {
		return "", 0, catalogdomain.ErrInvalidFeature
	}
	if requiredUsage == 0 {
		requiredUsage = 1
	}
	if requiredUsage < 0 {
		return "", 0, domain.ErrInvalidUsage
	}
	return featureKey, requiredUsage, nil
}

func int64Ptr(v int64) *int64 { return &v }
