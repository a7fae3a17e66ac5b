package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/catalog/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const featureColumns = `id, feature_key, name, description, category, is_core, default_is_unlimited, default_limit, created_at, updated_at`

const planColumns = `id, slug, name, description, monthly_price, yearly_price, currency, trial_eligible, trial_days,
	max_tenants, max_users, sort_order, is_popular, is_active, created_at, updated_at`

func (r *repo) FindFeatureByKey(ctx context.Context, db *gorm.DB, key string) (*domain.Feature, error) {
	var feature domain.Feature
	err := db.WithContext(ctx).Raw(
		`SELECT `+featureColumns+` FROM features WHERE feature_key = ?`,
		key,
	).Scan(&feature).Error
	if err != nil {
		return nil, err
	}
	if feature.ID == 0 {
		return nil, nil
	}
	return &feature, nil
}

func (r *repo) ListFeatures(ctx context.Context, db *gorm.DB) ([]domain.Feature, error) {
	var features []domain.Feature
	err := db.WithContext(ctx).Raw(
		`SELECT ` + featureColumns + ` FROM features ORDER BY category ASC, feature_key ASC`,
	).Scan(&features).Error
	if err != nil {
		return nil, err
	}
	return features, nil
}

func (r *repo) UpsertFeature(ctx context.Context, db *gorm.DB, feature *domain.Feature) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "feature_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "description", "category", "is_core",
			"default_is_unlimited", "default_limit", "updated_at",
		}),
	}).Create(feature).Error
}

func (r *repo) FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Plan, error) {
	var plan domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT `+planColumns+` FROM plans WHERE id = ?`,
		id,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) FindPlanBySlug(ctx context.Context, db *gorm.DB, slug string) (*domain.Plan, error) {
	var plan domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT `+planColumns+` FROM plans WHERE slug = ?`,
		slug,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) ListActivePlans(ctx context.Context, db *gorm.DB) ([]domain.Plan, error) {
	var plans []domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT ` + planColumns + ` FROM plans WHERE is_active = true ORDER BY sort_order ASC, id ASC`,
	).Scan(&plans).Error
	if err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *repo) UpsertPlan(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "description", "monthly_price", "yearly_price", "currency",
			"trial_eligible", "trial_days", "max_tenants", "max_users",
			"sort_order", "is_popular", "is_active", "updated_at",
		}),
	}).Create(plan).Error
}

func (r *repo) FindPlanFeature(ctx context.Context, db *gorm.DB, planID snowflake.ID, featureKey string) (*domain.PlanFeature, error) {
	var binding domain.PlanFeature
	err := db.WithContext(ctx).Raw(
		`SELECT id, plan_id, feature_key, is_included, is_unlimited, limit_value, created_at, updated_at
		 FROM plan_features
		 WHERE plan_id = ? AND feature_key = ?`,
		planID,
		featureKey,
	).Scan(&binding).Error
	if err != nil {
		return nil, err
	}
	if binding.ID == 0 {
		return nil, nil
	}
	return &binding, nil
}

func (r *repo) ListPlanFeatures(ctx context.Context, db *gorm.DB, planIDs []snowflake.ID) ([]domain.PlanFeature, error) {
	if len(planIDs) == 0 {
		return nil, nil
	}
	var bindings []domain.PlanFeature
	err := db.WithContext(ctx).
		Model(&domain.PlanFeature{}).
		Where("plan_id IN ?", planIDs).
		Order("plan_id ASC, feature_key ASC").
		Find(&bindings).Error
	if err != nil {
		return nil, err
	}
	return bindings, nil
}

func (r *repo) UpsertPlanFeature(ctx context.Context, db *gorm.DB, binding *domain.PlanFeature) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "plan_id"}, {Name: "feature_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_included", "is_unlimited", "limit_value", "updated_at"}),
	}).Create(binding).Error
}

func (r *repo) DeletePlanFeaturesExcept(ctx context.Context, db *gorm.DB, planID snowflake.ID, keep []string) (int64, error) {
	stmt := db.WithContext(ctx).Where("plan_id = ?", planID)
	if len(keep) > 0 {
		stmt = stmt.Where("feature_key NOT IN ?", keep)
	}
	result := stmt.Delete(&domain.PlanFeature{})
	return result.RowsAffected, result.Error
}
