package authorization

import (
	"context"
	"errors"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

// Service decides whether an actor may perform an action inside a tenant.
// Actors are "system" or "user:<id>"; user roles come from tenant membership.
type Service interface {
	Authorize(ctx context.Context, actor string, tenantID string, object string, action string) error
}
