// Package domain contains entitlement decisions.
package domain

// AccessResult is the resolved decision of one feature for one tenant.
type AccessResult struct {
	FeatureKey     string `json:"feature_key"`
	Allowed        bool   `json:"allowed"`
	IsUnlimited    bool   `json:"is_unlimited"`
	Limit          *int64 `json:"limit,omitempty"`
	CurrentUsage   *int64 `json:"current_usage,omitempty"`
	Remaining      *int64 `json:"remaining,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Period         string `json:"period,omitempty"`
}

// Metered reports whether the decision counts usage against a limit.
func (r AccessResult) Metered() bool {
	return r.Allowed && !r.IsUnlimited && r.Limit != nil
}

type TenantFeature struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	HasAccess    bool   `json:"has_access"`
	IsUnlimited  bool   `json:"is_unlimited"`
	Limit        *int64 `json:"limit,omitempty"`
	CurrentUsage int64  `json:"current_usage"`
}

type UsageStat struct {
	FeatureKey  string `json:"feature_key"`
	Usage       int64  `json:"usage"`
	Limit       *int64 `json:"limit,omitempty"`
	IsUnlimited bool   `json:"is_unlimited"`
}

type UsageStats struct {
	SubscriptionID string      `json:"subscription_id,omitempty"`
	Period         string      `json:"period"`
	Features       []UsageStat `json:"features"`
}
