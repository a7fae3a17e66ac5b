package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/cache"
	"github.com/smallbiznis/entitlements/internal/catalog/domain"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const fallbackCurrency = "CLP"

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   domain.Repository
	Cache  cache.PolicyCache `optional:"true"`
	Config config.Config     `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	repo            domain.Repository
	cache           cache.PolicyCache
	defaultCurrency string
}

func New(p Params) domain.Service {
	currency := strings.ToUpper(strings.TrimSpace(p.Config.Billing.DefaultCurrency))
	if currency == "" {
		currency = fallbackCurrency
	}
	policyCache := p.Cache
	if policyCache == nil {
		policyCache = cache.NewPolicyCache()
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("catalog.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		repo:            p.Repo,
		cache:           policyCache,
		defaultCurrency: currency,
	}
}

func (s *Service) GetFeature(ctx context.Context, key string) (*domain.Feature, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return nil, domain.ErrInvalidFeature
	}
	if cached, ok := s.cache.GetFeature(key); ok {
		return &cached, nil
	}
	feature, err := s.repo.FindFeatureByKey(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if feature == nil {
		return nil, domain.ErrFeatureNotFound
	}
	s.cache.SetFeature(*feature)
	return feature, nil
}

func (s *Service) ListFeatures(ctx context.Context) ([]domain.Feature, error) {
	return s.repo.ListFeatures(ctx, s.db)
}

func (s *Service) GetPlan(ctx context.Context, planID snowflake.ID) (*domain.Plan, error) {
	if planID == 0 {
		return nil, domain.ErrPlanNotFound
	}
	if cached, ok := s.cache.GetPlan(planID.String()); ok {
		return &cached, nil
	}
	plan, err := s.repo.FindPlanByID(ctx, s.db, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, domain.ErrPlanNotFound
	}
	s.cache.SetPlan(*plan)
	return plan, nil
}

func (s *Service) GetPlanBySlug(ctx context.Context, slug string) (*domain.Plan, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return nil, domain.ErrPlanNotFound
	}
	plan, err := s.repo.FindPlanBySlug(ctx, s.db, slug)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, domain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) ListPlansWithFeatures(ctx context.Context) ([]domain.PlanWithFeatures, error) {
	plans, err := s.repo.ListActivePlans(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return []domain.PlanWithFeatures{}, nil
	}

	planIDs := make([]snowflake.ID, 0, len(plans))
	for _, plan := range plans {
		planIDs = append(planIDs, plan.ID)
	}
	bindings, err := s.repo.ListPlanFeatures(ctx, s.db, planIDs)
	if err != nil {
		return nil, err
	}
	features, err := s.repo.ListFeatures(ctx, s.db)
	if err != nil {
		return nil, err
	}
	featureByKey := make(map[string]domain.Feature, len(features))
	for _, feature := range features {
		featureByKey[feature.Key] = feature
	}

	byPlan := make(map[snowflake.ID][]domain.PlanFeatureView, len(plans))
	for i := range bindings {
		binding := bindings[i]
		policy := domain.PolicyFromBinding(&binding, binding.FeatureKey)
		if !policy.Included {
			continue
		}
		feature := featureByKey[binding.FeatureKey]
		byPlan[binding.PlanID] = append(byPlan[binding.PlanID], domain.PlanFeatureView{
			Key:         binding.FeatureKey,
			Name:        feature.Name,
			Category:    feature.Category,
			IsUnlimited: policy.Unlimited,
			Limit:       policy.Limit,
		})
	}

	out := make([]domain.PlanWithFeatures, 0, len(plans))
	for _, plan := range plans {
		views := byPlan[plan.ID]
		if views == nil {
			views = []domain.PlanFeatureView{}
		}
		out = append(out, domain.PlanWithFeatures{Plan: plan, Features: views})
	}
	return out, nil
}

func (s *Service) GetPolicy(ctx context.Context, planID snowflake.ID, featureKey string) (domain.Policy, error) {
	featureKey = strings.ToLower(strings.TrimSpace(featureKey))
	if featureKey == "" {
		return domain.Policy{}, domain.ErrInvalidFeature
	}
	if planID == 0 {
		return domain.Policy{}, domain.ErrPlanNotFound
	}
	if cached, ok := s.cache.GetPolicy(planID.String(), featureKey); ok {
		return cached, nil
	}
	binding, err := s.repo.FindPlanFeature(ctx, s.db, planID, featureKey)
	if err != nil {
		return domain.Policy{}, err
	}
	policy := domain.PolicyFromBinding(binding, featureKey)
	s.cache.SetPolicy(planID.String(), policy)
	return policy, nil
}

func (s *Service) GetDefaultPolicy(ctx context.Context, featureKey string) (domain.Policy, error) {
	feature, err := s.GetFeature(ctx, featureKey)
	if err != nil {
		return domain.Policy{}, err
	}
	return defaultPolicy(feature), nil
}

func defaultPolicy(feature *domain.Feature) domain.Policy {
	if !feature.IsCore {
		return domain.Policy{FeatureKey: feature.Key}
	}
	policy := domain.Policy{FeatureKey: feature.Key, Included: true, Unlimited: feature.DefaultIsUnlimited}
	if !feature.DefaultIsUnlimited && feature.DefaultLimit != nil {
		limit := *feature.DefaultLimit
		policy.Limit = &limit
	}
	return policy
}

func (s *Service) UpsertFeature(ctx context.Context, def domain.FeatureDefinition) (domain.Change, error) {
	if err := (domain.Definition{Features: []domain.FeatureDefinition{def}}).Validate(); err != nil {
		return domain.ChangeNone, err
	}
	change, err := s.upsertFeature(ctx, s.db, def)
	if err != nil {
		return domain.ChangeNone, err
	}
	if change != domain.ChangeNone {
		s.cache.Invalidate()
	}
	return change, nil
}

func (s *Service) UpsertPlan(ctx context.Context, def domain.PlanDefinition) (*domain.Plan, domain.Change, error) {
	if strings.TrimSpace(def.Slug) == "" || strings.TrimSpace(def.Name) == "" {
		return nil, domain.ChangeNone, &domain.ConfigurationError{Violations: []string{"plan slug and name are required"}}
	}
	plan, change, err := s.upsertPlan(ctx, s.db, def)
	if err != nil {
		return nil, domain.ChangeNone, err
	}
	if change != domain.ChangeNone {
		s.cache.Invalidate()
	}
	return plan, change, nil
}

func (s *Service) ReplacePlanFeatures(ctx context.Context, planID snowflake.ID, bindings []domain.PlanFeatureDefinition) (domain.Change, error) {
	plan, err := s.repo.FindPlanByID(ctx, s.db, planID)
	if err != nil {
		return domain.ChangeNone, err
	}
	if plan == nil {
		return domain.ChangeNone, domain.ErrPlanNotFound
	}

	features, err := s.repo.ListFeatures(ctx, s.db)
	if err != nil {
		return domain.ChangeNone, err
	}
	defs := make([]domain.FeatureDefinition, 0, len(features))
	for _, feature := range features {
		defs = append(defs, featureToDefinition(feature))
	}
	candidate := domain.Definition{
		Features: defs,
		Plans:    []domain.PlanDefinition{planToDefinition(*plan, bindings)},
	}
	if err := candidate.Validate(); err != nil {
		return domain.ChangeNone, err
	}

	var changed int
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		changed, err = s.replacePlanFeatures(ctx, tx, plan.ID, bindings)
		return err
	})
	if err != nil {
		return domain.ChangeNone, err
	}
	if changed == 0 {
		return domain.ChangeNone, nil
	}
	s.cache.Invalidate()
	return domain.ChangeUpdated, nil
}

// Provision validates the whole definition and applies it in one transaction.
// Applying an identical definition twice reports no changes.
func (s *Service) Provision(ctx context.Context, def domain.Definition) (domain.ProvisionReport, error) {
	var report domain.ProvisionReport
	if err := def.Validate(); err != nil {
		var cfgErr *domain.ConfigurationError
		if errors.As(err, &cfgErr) {
			s.log.Error("catalog definition rejected", zap.Strings("violations", cfgErr.Violations))
		}
		return report, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, feature := range def.Features {
			change, err := s.upsertFeature(ctx, tx, feature)
			if err != nil {
				return fmt.Errorf("feature %s: %w", feature.Key, err)
			}
			switch change {
			case domain.ChangeCreated:
				report.FeaturesCreated++
			case domain.ChangeUpdated:
				report.FeaturesUpdated++
			}
		}
		for _, planDef := range def.Plans {
			plan, change, err := s.upsertPlan(ctx, tx, planDef)
			if err != nil {
				return fmt.Errorf("plan %s: %w", planDef.Slug, err)
			}
			switch change {
			case domain.ChangeCreated:
				report.PlansCreated++
			case domain.ChangeUpdated:
				report.PlansUpdated++
			}
			changed, err := s.replacePlanFeatures(ctx, tx, plan.ID, planDef.Bindings(def.Features))
			if err != nil {
				return fmt.Errorf("plan %s features: %w", planDef.Slug, err)
			}
			report.BindingsChanged += changed
		}
		return nil
	})
	if err != nil {
		return domain.ProvisionReport{}, err
	}

	if report.Changed() {
		s.cache.Invalidate()
	}
	s.log.Info("catalog provisioned",
		zap.Int("features_created", report.FeaturesCreated),
		zap.Int("features_updated", report.FeaturesUpdated),
		zap.Int("plans_created", report.PlansCreated),
		zap.Int("plans_updated", report.PlansUpdated),
		zap.Int("bindings_changed", report.BindingsChanged),
	)
	return report, nil
}

func (s *Service) upsertFeature(ctx context.Context, db *gorm.DB, def domain.FeatureDefinition) (domain.Change, error) {
	existing, err := s.repo.FindFeatureByKey(ctx, db, def.Key)
	if err != nil {
		return domain.ChangeNone, err
	}

	now := s.clock.Now()
	feature := domain.Feature{
		Key:                def.Key,
		Name:               strings.TrimSpace(def.Name),
		Description:        strings.TrimSpace(def.Description),
		Category:           def.Category,
		IsCore:             def.IsCore,
		DefaultIsUnlimited: def.DefaultIsUnlimited,
		DefaultLimit:       def.DefaultLimit,
		UpdatedAt:          now,
	}
	if feature.DefaultIsUnlimited {
		feature.DefaultLimit = nil
	}

	change := domain.ChangeCreated
	if existing != nil {
		if sameFeature(*existing, feature) {
			return domain.ChangeNone, nil
		}
		change = domain.ChangeUpdated
	}

	// A fresh id only lands on insert; on key conflict the row keeps its id.
	feature.ID = s.genID.Generate()
	feature.CreatedAt = now
	if err := s.repo.UpsertFeature(ctx, db, &feature); err != nil {
		return domain.ChangeNone, err
	}
	return change, nil
}

func (s *Service) upsertPlan(ctx context.Context, db *gorm.DB, def domain.PlanDefinition) (*domain.Plan, domain.Change, error) {
	slug := strings.TrimSpace(def.Slug)
	existing, err := s.repo.FindPlanBySlug(ctx, db, slug)
	if err != nil {
		return nil, domain.ChangeNone, err
	}

	currency := strings.ToUpper(strings.TrimSpace(def.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}
	now := s.clock.Now()
	plan := domain.Plan{
		Slug:          slug,
		Name:          strings.TrimSpace(def.Name),
		Description:   strings.TrimSpace(def.Description),
		MonthlyPrice:  def.MonthlyPrice,
		YearlyPrice:   def.YearlyPrice,
		Currency:      currency,
		TrialEligible: def.TrialEligible,
		TrialDays:     def.TrialDays,
		MaxTenants:    def.MaxTenants,
		MaxUsers:      def.MaxUsers,
		SortOrder:     def.SortOrder,
		IsPopular:     def.IsPopular,
		IsActive:      !def.Inactive,
		UpdatedAt:     now,
	}

	change := domain.ChangeCreated
	if existing != nil && samePlan(*existing, plan) {
		return existing, domain.ChangeNone, nil
	}

	plan.ID = s.genID.Generate()
	plan.CreatedAt = now
	if err := s.repo.UpsertPlan(ctx, db, &plan); err != nil {
		return nil, domain.ChangeNone, err
	}
	if existing != nil {
		plan.ID = existing.ID
		plan.CreatedAt = existing.CreatedAt
		change = domain.ChangeUpdated
	}
	return &plan, change, nil
}

// replacePlanFeatures makes the plan's bindings equal to bindings and returns
// how many rows were inserted, updated or removed.
func (s *Service) replacePlanFeatures(ctx context.Context, db *gorm.DB, planID snowflake.ID, bindings []domain.PlanFeatureDefinition) (int, error) {
	current, err := s.repo.ListPlanFeatures(ctx, db, []snowflake.ID{planID})
	if err != nil {
		return 0, err
	}
	existing := make(map[string]domain.PlanFeature, len(current))
	for _, binding := range current {
		existing[binding.FeatureKey] = binding
	}

	now := s.clock.Now()
	keep := make([]string, 0, len(bindings))
	changed := 0
	for _, def := range bindings {
		keep = append(keep, def.Key)
		binding := normalizeBinding(planID, def, now)
		if prev, ok := existing[def.Key]; ok && sameBinding(prev, binding) {
			continue
		}
		binding.ID = s.genID.Generate()
		if err := s.repo.UpsertPlanFeature(ctx, db, &binding); err != nil {
			return 0, err
		}
		changed++
	}

	removed, err := s.repo.DeletePlanFeaturesExcept(ctx, db, planID, keep)
	if err != nil {
		return 0, err
	}
	return changed + int(removed), nil
}

func normalizeBinding(planID snowflake.ID, def domain.PlanFeatureDefinition, now time.Time) domain.PlanFeature {
	binding := domain.PlanFeature{
		PlanID:     planID,
		FeatureKey: def.Key,
		IsIncluded: def.IsIncluded(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if !binding.IsIncluded {
		return binding
	}
	binding.IsUnlimited = def.Unlimited
	if !def.Unlimited && def.Limit != nil {
		limit := *def.Limit
		binding.LimitValue = &limit
	}
	return binding
}

func sameFeature(a, b domain.Feature) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		a.Category == b.Category &&
		a.IsCore == b.IsCore &&
		a.DefaultIsUnlimited == b.DefaultIsUnlimited &&
		sameInt64(a.DefaultLimit, b.DefaultLimit)
}

func samePlan(a, b domain.Plan) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		sameInt64(a.MonthlyPrice, b.MonthlyPrice) &&
		sameInt64(a.YearlyPrice, b.YearlyPrice) &&
		a.Currency == b.Currency &&
		a.TrialEligible == b.TrialEligible &&
		a.TrialDays == b.TrialDays &&
		sameInt(a.MaxTenants, b.MaxTenants) &&
		sameInt(a.MaxUsers, b.MaxUsers) &&
		a.SortOrder == b.SortOrder &&
		a.IsPopular == b.IsPopular &&
		a.IsActive == b.IsActive
}

func sameBinding(a, b domain.PlanFeature) bool {
	return a.IsIncluded == b.IsIncluded &&
		a.IsUnlimited == b.IsUnlimited &&
		sameInt64(a.LimitValue, b.LimitValue)
}

func sameInt64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func featureToDefinition(feature domain.Feature) domain.FeatureDefinition {
	return domain.FeatureDefinition{
		Key:                feature.Key,
		Name:               feature.Name,
		Description:        feature.Description,
		Category:           feature.Category,
		IsCore:             feature.IsCore,
		DefaultIsUnlimited: feature.DefaultIsUnlimited,
		DefaultLimit:       feature.DefaultLimit,
	}
}

func planToDefinition(plan domain.Plan, bindings []domain.PlanFeatureDefinition) domain.PlanDefinition {
	return domain.PlanDefinition{
		Slug:          plan.Slug,
		Name:          plan.Name,
		MonthlyPrice:  plan.MonthlyPrice,
		YearlyPrice:   plan.YearlyPrice,
		Currency:      plan.Currency,
		TrialEligible: plan.TrialEligible,
		TrialDays:     plan.TrialDays,
		SortOrder:     plan.SortOrder,
		Features:      bindings,
	}
}
