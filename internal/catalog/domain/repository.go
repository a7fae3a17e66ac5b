package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindFeatureByKey(ctx context.Context, db *gorm.DB, key string) (*Feature, error)
	ListFeatures(ctx context.Context, db *gorm.DB) ([]Feature, error)
	UpsertFeature(ctx context.Context, db *gorm.DB, feature *Feature) error

	FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	FindPlanBySlug(ctx context.Context, db *gorm.DB, slug string) (*Plan, error)
	ListActivePlans(ctx context.Context, db *gorm.DB) ([]Plan, error)
	UpsertPlan(ctx context.Context, db *gorm.DB, plan *Plan) error

	FindPlanFeature(ctx context.Context, db *gorm.DB, planID snowflake.ID, featureKey string) (*PlanFeature, error)
	ListPlanFeatures(ctx context.Context, db *gorm.DB, planIDs []snowflake.ID) ([]PlanFeature, error)
	UpsertPlanFeature(ctx context.Context, db *gorm.DB, binding *PlanFeature) error
	DeletePlanFeaturesExcept(ctx context.Context, db *gorm.DB, planID snowflake.ID, keep []string) (int64, error)
}
