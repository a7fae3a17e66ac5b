package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// CurrentPeriod derives the period identifier from the wall clock.
	CurrentPeriod() string
	GetUsage(ctx context.Context, subscriptionID snowflake.ID, featureKey, period string) (int64, error)
	Increment(ctx context.Context, subscriptionID snowflake.ID, featureKey, period string, amount int64) (int64, error)
	// IncrementWithin is the atomic check-and-increment used for quota
	// enforcement. It returns ok=false, leaving the counter untouched, when
	// the increment would exceed limit.
	IncrementWithin(ctx context.Context, subscriptionID snowflake.ID, featureKey, period string, amount, limit int64) (total int64, ok bool, err error)
	UsageForPeriod(ctx context.Context, subscriptionID snowflake.ID, period string) (map[string]int64, error)
}

var (
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidFeature      = errors.New("invalid_feature")
	ErrInvalidPeriod       = errors.New("invalid_period")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidLimit        = errors.New("invalid_limit")
)
