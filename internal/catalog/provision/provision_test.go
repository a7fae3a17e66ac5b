package provision

import (
	"strings"
	"testing"

	"github.com/smallbiznis/entitlements/internal/catalog/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	def, err := Default()
	require.NoError(t, err)
	require.NoError(t, def.Validate())

	assert.Len(t, def.Features, 41)
	require.Len(t, def.Plans, 4)

	slugs := make([]string, 0, len(def.Plans))
	for _, plan := range def.Plans {
		slugs = append(slugs, plan.Slug)
	}
	assert.Equal(t, []string{"free", "basic", "professional", "enterprise"}, slugs)
}

func TestDefaultCatalogPlanShapes(t *testing.T) {
	def, err := Default()
	require.NoError(t, err)

	plans := map[string]domain.PlanDefinition{}
	for _, plan := range def.Plans {
		plans[plan.Slug] = plan
	}

	basic := plans["basic"]
	require.NotNil(t, basic.MonthlyPrice)
	assert.EqualValues(t, 19990, *basic.MonthlyPrice)
	assert.EqualValues(t, 199900, *basic.YearlyPrice)
	assert.True(t, basic.TrialEligible)
	assert.Equal(t, 14, basic.TrialDays)

	var monthly *domain.PlanFeatureDefinition
	for i, binding := range basic.Features {
		if binding.Key == "monthly_appointments" {
			monthly = &basic.Features[i]
		}
	}
	require.NotNil(t, monthly)
	require.NotNil(t, monthly.Limit)
	assert.EqualValues(t, 200, *monthly.Limit)

	enterprise := plans["enterprise"].Bindings(def.Features)
	assert.Len(t, enterprise, len(def.Features))
	for _, binding := range enterprise {
		assert.True(t, binding.Unlimited, binding.Key)
	}

	professional := plans["professional"].Bindings(def.Features)
	assert.Len(t, professional, len(def.Features))
	for _, binding := range professional {
		if binding.Key == "white_label" || binding.Key == "custom_domains" {
			assert.False(t, binding.IsIncluded(), binding.Key)
		}
	}
	assert.True(t, plans["professional"].IsPopular)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(strings.NewReader("features: [\n"), "yaml")
	require.Error(t, err)
}

func TestLoadFromReader(t *testing.T) {
	doc := `
features:
  - key: " core_thing "
    name: Core
    category: core
    isCore: true
    defaultIsUnlimited: true
plans:
  - slug: solo
    name: Solo
    monthlyPrice: 1000
    features:
      - key: core_thing
        unlimited: true
`
	def, err := Load(strings.NewReader(doc), "yaml")
	require.NoError(t, err)
	require.Len(t, def.Features, 1)
	assert.Equal(t, "core_thing", def.Features[0].Key)
	assert.True(t, def.Features[0].IsCore)
	require.NoError(t, def.Validate())
}
