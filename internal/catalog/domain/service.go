package domain

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	GetFeature(ctx context.Context, key string) (*Feature, error)
	ListFeatures(ctx context.Context) ([]Feature, error)
	GetPlan(ctx context.Context, planID snowflake.ID) (*Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (*Plan, error)
	ListPlansWithFeatures(ctx context.Context) ([]PlanWithFeatures, error)

	// GetPolicy returns a non-included Policy when the plan has no binding for featureKey.
	GetPolicy(ctx context.Context, planID snowflake.ID, featureKey string) (Policy, error)
	// GetDefaultPolicy is used when a tenant has no live subscription; only core
	// features resolve to an included policy.
	GetDefaultPolicy(ctx context.Context, featureKey string) (Policy, error)

	UpsertFeature(ctx context.Context, def FeatureDefinition) (Change, error)
	UpsertPlan(ctx context.Context, def PlanDefinition) (*Plan, Change, error)
	ReplacePlanFeatures(ctx context.Context, planID snowflake.ID, bindings []PlanFeatureDefinition) (Change, error)
	Provision(ctx context.Context, def Definition) (ProvisionReport, error)
}

var (
	ErrFeatureNotFound     = errors.New("feature_not_found")
	ErrPlanNotFound        = errors.New("plan_not_found")
	ErrInvalidFeature      = errors.New("invalid_feature")
	ErrConfiguration       = errors.New("catalog_configuration_error")
	ErrEmptyDefinition     = errors.New("empty_catalog_definition")
	ErrInvalidBillingCycle = errors.New("invalid_billing_cycle")
)

// ConfigurationError lists every catalog invariant a definition violates.
type ConfigurationError struct {
	Violations []string
}

func (e *ConfigurationError) Error() string {
	return "catalog configuration invalid: " + strings.Join(e.Violations, "; ")
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// Change describes what an idempotent upsert did.
type Change string

const (
	ChangeNone    Change = "unchanged"
	ChangeCreated Change = "created"
	ChangeUpdated Change = "updated"
)

type ProvisionReport struct {
	FeaturesCreated int `json:"features_created"`
	FeaturesUpdated int `json:"features_updated"`
	PlansCreated    int `json:"plans_created"`
	PlansUpdated    int `json:"plans_updated"`
	BindingsChanged int `json:"bindings_changed"`
}

// Changed reports whether provisioning mutated any row.
func (r ProvisionReport) Changed() bool {
	return r.FeaturesCreated+r.FeaturesUpdated+r.PlansCreated+r.PlansUpdated+r.BindingsChanged > 0
}
