package domain

import (
	"fmt"
	"strings"
)

// AllFeaturesUnlimited includes every catalog feature not listed explicitly
// in a plan as unlimited.
const AllFeaturesUnlimited = "unlimited"

// Definition is a complete, versionable catalog: features plus plans with their bindings.
type Definition struct {
	Features []FeatureDefinition `mapstructure:"features" json:"features"`
	Plans    []PlanDefinition    `mapstructure:"plans" json:"plans"`
}

type FeatureDefinition struct {
	Key                string `mapstructure:"key" json:"key"`
	Name               string `mapstructure:"name" json:"name"`
	Description        string `mapstructure:"description" json:"description"`
	Category           string `mapstructure:"category" json:"category"`
	IsCore             bool   `mapstructure:"isCore" json:"is_core"`
	DefaultIsUnlimited bool   `mapstructure:"defaultIsUnlimited" json:"default_is_unlimited"`
	DefaultLimit       *int64 `mapstructure:"defaultLimit" json:"default_limit,omitempty"`
}

type PlanDefinition struct {
	Slug          string                  `mapstructure:"slug" json:"slug"`
	Name          string                  `mapstructure:"name" json:"name"`
	Description   string                  `mapstructure:"description" json:"description"`
	MonthlyPrice  *int64                  `mapstructure:"monthlyPrice" json:"monthly_price,omitempty"`
	YearlyPrice   *int64                  `mapstructure:"yearlyPrice" json:"yearly_price,omitempty"`
	Currency      string                  `mapstructure:"currency" json:"currency"`
	TrialEligible bool                    `mapstructure:"trialEligible" json:"trial_eligible"`
	TrialDays     int                     `mapstructure:"trialDays" json:"trial_days"`
	MaxTenants    *int                    `mapstructure:"maxTenants" json:"max_tenants,omitempty"`
	MaxUsers      *int                    `mapstructure:"maxUsers" json:"max_users,omitempty"`
	SortOrder     int                     `mapstructure:"sortOrder" json:"sort_order"`
	IsPopular     bool                    `mapstructure:"isPopular" json:"is_popular"`
	Inactive      bool                    `mapstructure:"inactive" json:"inactive"`
	AllFeatures   string                  `mapstructure:"allFeatures" json:"all_features,omitempty"`
	Features      []PlanFeatureDefinition `mapstructure:"features" json:"features"`
}

type PlanFeatureDefinition struct {
	Key       string `mapstructure:"key" json:"key"`
	Included  *bool  `mapstructure:"included" json:"included,omitempty"`
	Unlimited bool   `mapstructure:"unlimited" json:"unlimited"`
	Limit     *int64 `mapstructure:"limit" json:"limit,omitempty"`
}

// IsIncluded defaults to true when the binding is listed without an explicit flag.
func (d PlanFeatureDefinition) IsIncluded() bool {
	return d.Included == nil || *d.Included
}

// Bindings expands AllFeatures against the catalog and returns one binding per
// feature the plan references.
func (p PlanDefinition) Bindings(features []FeatureDefinition) []PlanFeatureDefinition {
	if !strings.EqualFold(strings.TrimSpace(p.AllFeatures), AllFeaturesUnlimited) {
		return p.Features
	}
	listed := make(map[string]struct{}, len(p.Features))
	for _, binding := range p.Features {
		listed[binding.Key] = struct{}{}
	}
	out := make([]PlanFeatureDefinition, 0, len(features))
	out = append(out, p.Features...)
	for _, feature := range features {
		if _, ok := listed[feature.Key]; ok {
			continue
		}
		out = append(out, PlanFeatureDefinition{Key: feature.Key, Unlimited: true})
	}
	return out
}

var validCategories = map[string]struct{}{
	CategoryCore:         {},
	CategoryCapacity:     {},
	CategoryAdvanced:     {},
	CategoryMarketing:    {},
	CategoryIntegrations: {},
	CategoryPremium:      {},
}

// Validate checks every catalog invariant and reports all violations at once.
func (d Definition) Validate() error {
	if len(d.Features) == 0 && len(d.Plans) == 0 {
		return ErrEmptyDefinition
	}

	var violations []string
	add := func(format string, args ...any) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	features := make(map[string]FeatureDefinition, len(d.Features))
	for i, feature := range d.Features {
		key := strings.TrimSpace(feature.Key)
		switch {
		case key == "":
			add("features[%d]: key is required", i)
			continue
		case key != feature.Key || strings.ToLower(key) != key:
			add("feature %q: key must be lowercase without surrounding spaces", feature.Key)
		}
		if _, dup := features[key]; dup {
			add("feature %q: duplicate key", key)
		}
		features[key] = feature
		if strings.TrimSpace(feature.Name) == "" {
			add("feature %q: name is required", key)
		}
		if _, ok := validCategories[feature.Category]; !ok {
			add("feature %q: unknown category %q", key, feature.Category)
		}
		if feature.DefaultLimit != nil && *feature.DefaultLimit < 0 {
			add("feature %q: default limit cannot be negative", key)
		}
	}

	slugs := make(map[string]struct{}, len(d.Plans))
	for i, plan := range d.Plans {
		slug := strings.TrimSpace(plan.Slug)
		if slug == "" {
			add("plans[%d]: slug is required", i)
			continue
		}
		if _, dup := slugs[slug]; dup {
			add("plan %q: duplicate slug", slug)
		}
		slugs[slug] = struct{}{}
		if strings.TrimSpace(plan.Name) == "" {
			add("plan %q: name is required", slug)
		}
		if plan.MonthlyPrice != nil && *plan.MonthlyPrice < 0 {
			add("plan %q: monthly price cannot be negative", slug)
		}
		if plan.YearlyPrice != nil && *plan.YearlyPrice < 0 {
			add("plan %q: yearly price cannot be negative", slug)
		}
		if plan.TrialDays < 0 {
			add("plan %q: trial days cannot be negative", slug)
		}
		if plan.TrialEligible && plan.TrialDays == 0 {
			add("plan %q: trial eligible plans need trial days", slug)
		}
		if all := strings.TrimSpace(plan.AllFeatures); all != "" && !strings.EqualFold(all, AllFeaturesUnlimited) {
			add("plan %q: unsupported allFeatures value %q", slug, plan.AllFeatures)
		}

		hasCore := false
		seen := make(map[string]struct{}, len(plan.Features))
		for _, binding := range plan.Bindings(d.Features) {
			feature, ok := features[binding.Key]
			if !ok {
				add("plan %q: references unknown feature %q", slug, binding.Key)
				continue
			}
			if _, dup := seen[binding.Key]; dup {
				add("plan %q: feature %q bound twice", slug, binding.Key)
			}
			seen[binding.Key] = struct{}{}
			if binding.Limit != nil && *binding.Limit < 0 {
				add("plan %q: feature %q limit cannot be negative", slug, binding.Key)
			}
			if feature.IsCore && binding.IsIncluded() {
				hasCore = true
			}
		}
		if !hasCore {
			add("plan %q: must include at least one core feature", slug)
		}
	}

	if len(violations) > 0 {
		return &ConfigurationError{Violations: violations}
	}
	return nil
}
