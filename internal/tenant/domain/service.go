package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type CreateTenantRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	OwnerEmail  string `json:"owner_email"`
	OwnerName   string `json:"owner_name"`
	OwnerUserID string `json:"owner_user_id"`
}

type AddMemberRequest struct {
	TenantID snowflake.ID
	UserID   string
	Role     string
}

type Service interface {
	Create(ctx context.Context, req CreateTenantRequest) (*Tenant, error)
	// Get returns ErrTenantNotFound for missing or inactive tenants.
	Get(ctx context.Context, tenantID snowflake.ID) (*Tenant, error)
	AddMember(ctx context.Context, req AddMemberRequest) error
	RoleOf(ctx context.Context, tenantID snowflake.ID, userID string) (string, error)
}

var (
	ErrTenantNotFound = errors.New("tenant_not_found")
	ErrSlugTaken      = errors.New("tenant_slug_taken")
	ErrInvalidName    = errors.New("invalid_name")
	ErrInvalidEmail   = errors.New("invalid_email")
	ErrInvalidUser    = errors.New("invalid_user")
	ErrInvalidRole    = errors.New("invalid_role")
)
