package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	CategoryCore         = "core"
	CategoryCapacity     = "capacity"
	CategoryAdvanced     = "advanced"
	CategoryMarketing    = "marketing"
	CategoryIntegrations = "integrations"
	CategoryPremium      = "premium"
)

type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

func (c BillingCycle) Valid() bool {
	return c == BillingCycleMonthly || c == BillingCycleYearly
}

type Feature struct {
	ID                 snowflake.ID `gorm:"primaryKey" json:"id"`
	Key                string       `gorm:"column:feature_key;not null;uniqueIndex;size:100" json:"key"`
	Name               string       `gorm:"not null" json:"name"`
	Description        string       `json:"description,omitempty"`
	Category           string       `gorm:"not null;index" json:"category"`
	IsCore             bool         `gorm:"not null;default:false" json:"is_core"`
	DefaultIsUnlimited bool         `gorm:"not null;default:false" json:"default_is_unlimited"`
	DefaultLimit       *int64       `json:"default_limit,omitempty"`
	CreatedAt          time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"not null" json:"updated_at"`
}

func (Feature) TableName() string { return "features" }

type Plan struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	Slug          string       `gorm:"not null;uniqueIndex;size:100" json:"slug"`
	Name          string       `gorm:"not null" json:"name"`
	Description   string       `json:"description,omitempty"`
	MonthlyPrice  *int64       `json:"monthly_price,omitempty"`
	YearlyPrice   *int64       `json:"yearly_price,omitempty"`
	Currency      string       `gorm:"not null;size:3" json:"currency"`
	TrialEligible bool         `gorm:"not null;default:false" json:"trial_eligible"`
	TrialDays     int          `gorm:"not null;default:0" json:"trial_days"`
	MaxTenants    *int         `json:"max_tenants,omitempty"`
	MaxUsers      *int         `json:"max_users,omitempty"`
	SortOrder     int          `gorm:"not null;default:0" json:"sort_order"`
	IsPopular     bool         `gorm:"not null;default:false" json:"is_popular"`
	IsActive      bool         `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"not null" json:"updated_at"`
}

func (Plan) TableName() string { return "plans" }

// Price returns the plan price for cycle, or nil when none is configured.
func (p Plan) Price(cycle BillingCycle) *int64 {
	switch cycle {
	case BillingCycleMonthly:
		return p.MonthlyPrice
	case BillingCycleYearly:
		return p.YearlyPrice
	default:
		return nil
	}
}

// PlanFeature binds one plan to one feature. IsUnlimited and LimitValue are
// meaningful only when IsIncluded is set, and LimitValue only when not unlimited.
type PlanFeature struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	PlanID      snowflake.ID `gorm:"not null;uniqueIndex:ux_plan_features_plan_feature" json:"plan_id"`
	FeatureKey  string       `gorm:"not null;size:100;uniqueIndex:ux_plan_features_plan_feature" json:"feature_key"`
	IsIncluded  bool         `gorm:"not null;default:false" json:"is_included"`
	IsUnlimited bool         `gorm:"not null;default:false" json:"is_unlimited"`
	LimitValue  *int64       `gorm:"column:limit_value" json:"limit,omitempty"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null" json:"updated_at"`
}

func (PlanFeature) TableName() string { return "plan_features" }

// Policy is the resolved entitlement policy of a feature for one plan.
type Policy struct {
	FeatureKey string `json:"feature_key"`
	Included   bool   `json:"included"`
	Unlimited  bool   `json:"unlimited"`
	Limit      *int64 `json:"limit,omitempty"`
}

// Metered reports whether usage must be counted against a finite limit.
func (p Policy) Metered() bool {
	return p.Included && !p.Unlimited && p.Limit != nil
}

// PolicyFromBinding normalizes a PlanFeature row into a Policy.
func PolicyFromBinding(pf *PlanFeature, featureKey string) Policy {
	if pf == nil || !pf.IsIncluded {
		return Policy{FeatureKey: featureKey}
	}
	policy := Policy{FeatureKey: featureKey, Included: true, Unlimited: pf.IsUnlimited}
	if !pf.IsUnlimited && pf.LimitValue != nil {
		limit := *pf.LimitValue
		policy.Limit = &limit
	}
	return policy
}

type PlanWithFeatures struct {
	Plan
	Features []PlanFeatureView `json:"features"`
}

type PlanFeatureView struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	IsUnlimited bool   `json:"is_unlimited"`
	Limit       *int64 `json:"limit,omitempty"`
}
