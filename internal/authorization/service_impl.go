package authorization

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectSubscription = "subscription"
	ObjectUsage        = "usage"
	ObjectCatalog      = "catalog"
	ObjectPayment      = "payment"
	ObjectSettings     = "settings"
)

const (
	ActionSubscriptionView   = "subscription.view"
	ActionSubscriptionManage = "subscription.manage"
	ActionSubscriptionCancel = "subscription.cancel"
	ActionSubscriptionExpire = "subscription.expire"

	ActionUsageView   = "usage.view"
	ActionUsageRecord = "usage.record"

	ActionCatalogView      = "catalog.view"
	ActionCatalogProvision = "catalog.provision"

	ActionPaymentView = "payment.view"

	ActionSettingsRead   = "settings.read"
	ActionSettingsUpdate = "settings.update"
)

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleSystem = "system"
)

// ErrNoMembership is returned by a RoleResolver when the user does not
// belong to the tenant.
var ErrNoMembership = errors.New("no_membership")

// RoleResolver looks up the role a user holds inside a tenant.
type RoleResolver interface {
	RoleOf(ctx context.Context, tenantID snowflake.ID, userID string) (string, error)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	Roles    RoleResolver
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	roles    RoleResolver
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		roles:    p.Roles,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, tenantID string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrInvalidTenant
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, err := s.resolveActor(ctx, actor, tenantID)
	if err != nil {
		s.logDenied(actor, tenantID, object, action, err)
		return err
	}

	domain := fmt.Sprintf("tenant:%s", tenantID)
	if err := s.ensureGrouping(subject, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.logDenied(actor, tenantID, object, action, ErrForbidden)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) resolveActor(ctx context.Context, actor string, tenantID string) (string, string, error) {
	if actor == RoleSystem {
		return actor, roleKey(RoleSystem), nil
	}
	if !strings.HasPrefix(actor, "user:") {
		return "", "", ErrInvalidActor
	}
	userID := strings.TrimSpace(strings.TrimPrefix(actor, "user:"))
	if userID == "" {
		return "", "", ErrInvalidActor
	}
	parsedTenantID, err := snowflake.ParseString(tenantID)
	if err != nil || parsedTenantID == 0 {
		return actor, "", ErrInvalidTenant
	}
	if s.roles == nil {
		return actor, "", ErrForbidden
	}
	role, err := s.roles.RoleOf(ctx, parsedTenantID, userID)
	if err != nil {
		if errors.Is(err, ErrNoMembership) {
			return actor, "", ErrForbidden
		}
		return actor, "", err
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" || role == RoleSystem {
		return actor, "", ErrForbidden
	}
	return actor, roleKey(role), nil
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) logDenied(actor, tenantID, object, action string, reason error) {
	s.log.Debug("authorization denied",
		zap.String("actor", actor),
		zap.String("tenant_id", tenantID),
		zap.String("object", object),
		zap.String("action", action),
		zap.Error(reason),
	)
}

func roleKey(role string) string {
	return "role:" + role
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Member permissions (read-only)
		{"role:member", ObjectSubscription, ActionSubscriptionView},
		{"role:member", ObjectUsage, ActionUsageView},
		{"role:member", ObjectUsage, ActionUsageRecord},
		{"role:member", ObjectCatalog, ActionCatalogView},

		// Admin permissions
		{"role:admin", ObjectSubscription, ActionSubscriptionView},
		{"role:admin", ObjectSubscription, ActionSubscriptionManage},
		{"role:admin", ObjectUsage, ActionUsageView},
		{"role:admin", ObjectUsage, ActionUsageRecord},
		{"role:admin", ObjectCatalog, ActionCatalogView},
		{"role:admin", ObjectPayment, ActionPaymentView},
		{"role:admin", ObjectSettings, ActionSettingsRead},

		// Owner permissions
		{"role:owner", ObjectSubscription, ActionSubscriptionView},
		{"role:owner", ObjectSubscription, ActionSubscriptionManage},
		{"role:owner", ObjectSubscription, ActionSubscriptionCancel},
		{"role:owner", ObjectUsage, ActionUsageView},
		{"role:owner", ObjectUsage, ActionUsageRecord},
		{"role:owner", ObjectCatalog, ActionCatalogView},
		{"role:owner", ObjectPayment, ActionPaymentView},
		{"role:owner", ObjectSettings, ActionSettingsRead},
		{"role:owner", ObjectSettings, ActionSettingsUpdate},

		// System permissions (scheduler, reconciler, operators)
		{"role:system", ObjectSubscription, ActionSubscriptionView},
		{"role:system", ObjectSubscription, ActionSubscriptionManage},
		{"role:system", ObjectSubscription, ActionSubscriptionCancel},
		{"role:system", ObjectSubscription, ActionSubscriptionExpire},
		{"role:system", ObjectUsage, ActionUsageView},
		{"role:system", ObjectUsage, ActionUsageRecord},
		{"role:system", ObjectCatalog, ActionCatalogView},
		{"role:system", ObjectCatalog, ActionCatalogProvision},
		{"role:system", ObjectPayment, ActionPaymentView},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
