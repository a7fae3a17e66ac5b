package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	metrics *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("usage.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

func (s *Service) CurrentPeriod() string {
	return domain.Period(s.clock.Now())
}

func (s *Service) GetUsage(ctx context.Context, subscriptionID snowflake.ID, featureKey, period string) (int64, error) {
	featureKey, period, err := s.normalize(subscriptionID, featureKey, period)
	if err != nil {
		return 0, err
	}
	return s.repo.Get(ctx, s.db, subscriptionID, featureKey, period)
}

func (s *Service) Increment(ctx context.Context, subscriptionID snowflake.ID, featureKey, period string, amount int64) (int64, error) {
	featureKey, period, err := s.normalize(subscriptionID, featureKey, period)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}

	total, err := s.repo.Increment(ctx, s.db, s.newRecord(subscriptionID, featureKey, period, amount))
	if err != nil {
		s.log.Error("failed to increment usage",
			zap.String("subscription_id", subscriptionID.String()),
			zap.String("feature_key", featureKey),
			zap.String("period", period),
			zap.Error(err),
		)
		return 0, err
	}
	s.metrics.RecordUsage(ctx, featureKey, amount)
	return total, nil
}

func (s *Service) IncrementWithin(ctx context.Context, subscriptionID snowflake.ID, featureKey, period string, amount, limit int64) (int64, bool, error) {
	featureKey, period, err := s.normalize(subscriptionID, featureKey, period)
	if err != nil {
		return 0, false, err
	}
	if amount <= 0 {
		return 0, false, domain.ErrInvalidAmount
	}
	if limit < 0 {
		return 0, false, domain.ErrInvalidLimit
	}

	total, ok, err := s.repo.IncrementWithin(ctx, s.db, s.newRecord(subscriptionID, featureKey, period, amount), limit)
	if err != nil {
		s.log.Error("failed to increment usage within limit",
			zap.String("subscription_id", subscriptionID.String()),
			zap.String("feature_key", featureKey),
			zap.Int64("limit", limit),
			zap.Error(err),
		)
		return 0, false, err
	}
	if !ok {
		s.log.Debug("usage limit reached",
			zap.String("subscription_id", subscriptionID.String()),
			zap.String("feature_key", featureKey),
			zap.String("period", period),
			zap.Int64("limit", limit),
		)
		return 0, false, nil
	}
	s.metrics.RecordUsage(ctx, featureKey, amount)
	return total, true, nil
}

func (s *Service) UsageForPeriod(ctx context.Context, subscriptionID snowflake.ID, period string) (map[string]int64, error) {
	if subscriptionID == 0 {
		return nil, domain.ErrInvalidSubscription
	}
	period = strings.TrimSpace(period)
	if period == "" {
		period = s.CurrentPeriod()
	}
	if !domain.ValidPeriod(period) {
		return nil, domain.ErrInvalidPeriod
	}

	records, err := s.repo.ListForPeriod(ctx, s.db, subscriptionID, period)
	if err != nil {
		return nil, err
	}
	totals := make(map[string]int64, len(records))
	for _, record := range records {
		totals[record.FeatureKey] = record.Usage
	}
	return totals, nil
}

func (s *Service) normalize(subscriptionID snowflake.ID, featureKey, period string) (string, string, error) {
	if subscriptionID == 0 {
		return "", "", domain.ErrInvalidSubscription
	}
	featureKey = strings.ToLower(strings.TrimSpace(featureKey))
	if featureKey == "" {
		return "", "", domain.ErrInvalidFeature
	}
	period = strings.TrimSpace(period)
	if period == "" {
		period = s.CurrentPeriod()
	}
	if !domain.ValidPeriod(period) {
		return "", "", domain.ErrInvalidPeriod
	}
	return featureKey, period, nil
}

func (s *Service) newRecord(subscriptionID snowflake.ID, featureKey, period string, amount int64) *domain.UsageRecord {
	now := s.clock.Now().UTC()
	return &domain.UsageRecord{
		ID:             s.genID.Generate(),
		SubscriptionID: subscriptionID,
		FeatureKey:     featureKey,
		Period:         period,
		Usage:          amount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
