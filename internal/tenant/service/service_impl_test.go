package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/entitlements/internal/authorization"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/tenant/domain"
	"github.com/smallbiznis/entitlements/internal/tenant/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupService(t *testing.T) (domain.Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	if err := db.AutoMigrate(&domain.Tenant{}, &domain.Member{}); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	node, _ := snowflake.NewNode(1)
	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
	return svc, db
}

func TestCreateTenantWithOwner(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	tenant, err := svc.Create(ctx, domain.CreateTenantRequest{
		Name:        "Salón Ana",
		OwnerEmail:  "Ana@Example.com",
		OwnerName:   "Ana",
		OwnerUserID: "usr_1",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if tenant.Slug != "salon-ana" {
		t.Fatalf("unexpected slug %q", tenant.Slug)
	}
	if tenant.OwnerEmail != "ana@example.com" {
		t.Fatalf("email not normalized: %q", tenant.OwnerEmail)
	}

	role, err := svc.RoleOf(ctx, tenant.ID, "usr_1")
	if err != nil || role != authorization.RoleOwner {
		t.Fatalf("expected owner role, got %q (%v)", role, err)
	}

	if _, err := svc.RoleOf(ctx, tenant.ID, "usr_2"); !errors.Is(err, authorization.ErrNoMembership) {
		t.Fatalf("expected no membership, got %v", err)
	}
}

func TestCreateTenantDuplicateSlug(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, domain.CreateTenantRequest{Name: "Clinica Sur", OwnerEmail: "a@b.cl"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err := svc.Create(ctx, domain.CreateTenantRequest{Name: "Clínica Sur", OwnerEmail: "c@d.cl"})
	if !errors.Is(err, domain.ErrSlugTaken) {
		t.Fatalf("expected slug taken, got %v", err)
	}
}

func TestGetInactiveTenantIsNotFound(t *testing.T) {
	svc, db := setupService(t)
	ctx := context.Background()

	tenant, err := svc.Create(ctx, domain.CreateTenantRequest{Name: "Spa Norte", OwnerEmail: "x@y.cl"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := svc.Get(ctx, tenant.ID); err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if err := db.Exec("UPDATE tenants SET is_active = ? WHERE id = ?", false, tenant.ID).Error; err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	if _, err := svc.Get(ctx, tenant.ID); !errors.Is(err, domain.ErrTenantNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Get(ctx, 42); !errors.Is(err, domain.ErrTenantNotFound) {
		t.Fatalf("expected not found for unknown id, got %v", err)
	}
}

func TestAddMemberValidatesRole(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	tenant, err := svc.Create(ctx, domain.CreateTenantRequest{Name: "Barbería", OwnerEmail: "b@c.cl"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := svc.AddMember(ctx, domain.AddMemberRequest{TenantID: tenant.ID, UserID: "u9", Role: "root"}); !errors.Is(err, domain.ErrInvalidRole) {
		t.Fatalf("expected invalid role, got %v", err)
	}
	if err := svc.AddMember(ctx, domain.AddMemberRequest{TenantID: tenant.ID, UserID: "u9", Role: "Admin"}); err != nil {
		t.Fatalf("add member failed: %v", err)
	}
	role, err := svc.RoleOf(ctx, tenant.ID, "u9")
	if err != nil || role != authorization.RoleAdmin {
		t.Fatalf("expected admin, got %q (%v)", role, err)
	}
}
