package domain

import (
	"errors"
	"strings"
	"testing"
)

func int64p(v int64) *int64 { return &v }

func TestValidateReportsEveryViolation(t *testing.T) {
	def := Definition{
		Features: []FeatureDefinition{
			{Key: "core_a", Name: "Core A", Category: CategoryCore, IsCore: true},
			{Key: "extra", Name: "Extra", Category: CategoryAdvanced},
			{Key: "extra", Name: "Extra again", Category: "bogus", DefaultLimit: int64p(-1)},
		},
		Plans: []PlanDefinition{
			{Slug: "no-core", Name: "No Core", Features: []PlanFeatureDefinition{{Key: "extra"}}},
			{Slug: "ghost", Name: "Ghost", Features: []PlanFeatureDefinition{
				{Key: "core_a"},
				{Key: "missing"},
				{Key: "extra", Limit: int64p(-5)},
			}},
		},
	}

	err := def.Validate()
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration in chain")
	}

	joined := strings.Join(cfgErr.Violations, "\n")
	for _, want := range []string{
		`feature "extra": duplicate key`,
		`unknown category "bogus"`,
		`default limit cannot be negative`,
		`plan "no-core": must include at least one core feature`,
		`plan "ghost": references unknown feature "missing"`,
		`plan "ghost": feature "extra" limit cannot be negative`,
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing violation %q in:\n%s", want, joined)
		}
	}
}

func TestValidateExcludedCoreDoesNotCount(t *testing.T) {
	excluded := false
	def := Definition{
		Features: []FeatureDefinition{{Key: "core_a", Name: "Core A", Category: CategoryCore, IsCore: true}},
		Plans: []PlanDefinition{{
			Slug:     "p",
			Name:     "P",
			Features: []PlanFeatureDefinition{{Key: "core_a", Included: &excluded}},
		}},
	}
	if err := def.Validate(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestValidateEmptyDefinition(t *testing.T) {
	if err := (Definition{}).Validate(); !errors.Is(err, ErrEmptyDefinition) {
		t.Fatalf("expected empty definition error, got %v", err)
	}
}

func TestPolicyFromBinding(t *testing.T) {
	cases := []struct {
		name    string
		binding *PlanFeature
		want    Policy
		metered bool
	}{
		{"missing", nil, Policy{FeatureKey: "f"}, false},
		{"excluded ignores limit", &PlanFeature{IsIncluded: false, IsUnlimited: true, LimitValue: int64p(3)}, Policy{FeatureKey: "f"}, false},
		{"unlimited ignores limit", &PlanFeature{IsIncluded: true, IsUnlimited: true, LimitValue: int64p(3)}, Policy{FeatureKey: "f", Included: true, Unlimited: true}, false},
		{"boolean", &PlanFeature{IsIncluded: true}, Policy{FeatureKey: "f", Included: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := PolicyFromBinding(tc.binding, "f")
			if got.FeatureKey != tc.want.FeatureKey || got.Included != tc.want.Included || got.Unlimited != tc.want.Unlimited || got.Limit != nil {
				t.Fatalf("unexpected policy %+v", got)
			}
			if got.Metered() != tc.metered {
				t.Fatalf("metered = %v", got.Metered())
			}
		})
	}

	metered := PolicyFromBinding(&PlanFeature{IsIncluded: true, LimitValue: int64p(200)}, "monthly_appointments")
	if !metered.Metered() || *metered.Limit != 200 {
		t.Fatalf("expected metered policy, got %+v", metered)
	}
}

func TestPlanPrice(t *testing.T) {
	plan := Plan{MonthlyPrice: int64p(19990)}
	if p := plan.Price(BillingCycleMonthly); p == nil || *p != 19990 {
		t.Fatalf("unexpected monthly price %v", p)
	}
	if plan.Price(BillingCycleYearly) != nil {
		t.Fatal("yearly price should be unset")
	}
	if plan.Price("weekly") != nil {
		t.Fatal("unknown cycle must have no price")
	}
}
