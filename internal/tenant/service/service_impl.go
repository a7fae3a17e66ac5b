package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/entitlements/internal/authorization"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/tenant/domain"
	"github.com/smallbiznis/entitlements/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("tenant.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateTenantRequest) (*domain.Tenant, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	email := strings.ToLower(strings.TrimSpace(req.OwnerEmail))
	if email == "" || !strings.Contains(email, "@") {
		return nil, domain.ErrInvalidEmail
	}

	tenantSlug := slug.Make(strings.TrimSpace(req.Slug))
	if tenantSlug == "" {
		tenantSlug = slug.Make(name)
	}

	now := s.clock.Now()
	tenant := &domain.Tenant{
		ID:         s.genID.Generate(),
		Name:       name,
		Slug:       tenantSlug,
		OwnerEmail: email,
		OwnerName:  strings.TrimSpace(req.OwnerName),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindBySlug(ctx, tx, tenantSlug)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrSlugTaken
		}
		if err := s.repo.Insert(ctx, tx, tenant); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrSlugTaken
			}
			return err
		}

		ownerID := strings.TrimSpace(req.OwnerUserID)
		if ownerID == "" {
			return nil
		}
		return s.repo.UpsertMember(ctx, tx, &domain.Member{
			TenantID:  tenant.ID,
			UserID:    ownerID,
			Role:      authorization.RoleOwner,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("tenant created",
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("slug", tenant.Slug),
	)
	return tenant, nil
}

func (s *Service) Get(ctx context.Context, tenantID snowflake.ID) (*domain.Tenant, error) {
	if tenantID == 0 {
		return nil, domain.ErrTenantNotFound
	}
	tenant, err := s.repo.FindByID(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil || !tenant.IsActive {
		return nil, domain.ErrTenantNotFound
	}
	return tenant, nil
}

func (s *Service) AddMember(ctx context.Context, req domain.AddMemberRequest) error {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.ErrInvalidUser
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	switch role {
	case authorization.RoleOwner, authorization.RoleAdmin, authorization.RoleMember:
	default:
		return domain.ErrInvalidRole
	}

	if _, err := s.Get(ctx, req.TenantID); err != nil {
		return err
	}

	return s.repo.UpsertMember(ctx, s.db, &domain.Member{
		TenantID:  req.TenantID,
		UserID:    userID,
		Role:      role,
		CreatedAt: s.clock.Now(),
	})
}

func (s *Service) RoleOf(ctx context.Context, tenantID snowflake.ID, userID string) (string, error) {
	member, err := s.repo.FindMember(ctx, s.db, tenantID, strings.TrimSpace(userID))
	if err != nil {
		return "", err
	}
	if member == nil {
		return "", authorization.ErrNoMembership
	}
	return member.Role, nil
}
