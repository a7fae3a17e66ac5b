package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Resolver interface {
	// CheckAccess is a pure read; it never records usage.
	CheckAccess(ctx context.Context, tenantID snowflake.ID, featureKey string, requiredUsage int64) (AccessResult, error)
	// RequireAccess fails with *AccessDeniedError when access is denied. For
	// metered features it reserves requiredUsage atomically, so callers must
	// invoke it exactly once per unit of real consumption.
	RequireAccess(ctx context.Context, tenantID snowflake.ID, featureKey string, requiredUsage int64, message string) (AccessResult, error)
	ListTenantFeatures(ctx context.Context, tenantID snowflake.ID) ([]TenantFeature, error)
	UsageStats(ctx context.Context, tenantID snowflake.ID, period string) (UsageStats, error)
}

var (
	ErrAccessDenied  = errors.New("access_denied")
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidUsage  = errors.New("invalid_required_usage")
)

// AccessDeniedError carries the upgrade prompt shown to the tenant.
type AccessDeniedError struct {
	Feature string
	Message string
	Result  AccessResult
}

func (e *AccessDeniedError) Error() string {
	return e.Message
}

func (e *AccessDeniedError) Unwrap() error {
	return ErrAccessDenied
}
