package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/authorization"
	obscontext "github.com/smallbiznis/entitlements/internal/observability/context"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
)

func (e *Enforcer) RequireTenant() Predicate {
	return func(c *gin.Context) error {
		id, err := parseTenant(c)
		if err != nil {
			return err
		}
		c.Set(tenantKey, id)
		return nil
	}
}

func (e *Enforcer) RequirePermissions(permissions ...Permission) Predicate {
	return func(c *gin.Context) error {
		tenantID, ok := TenantID(c)
		if !ok {
			return ErrTenantRequired
		}
		actor, err := subject(c)
		if err != nil {
			return err
		}
		for _, permission := range permissions {
			if err := e.authz.Authorize(c.Request.Context(), actor, tenantID.String(), permission.Object, permission.Action); err != nil {
				return err
			}
		}
		return nil
	}
}

func (e *Enforcer) RequireSubscription(rule SubscriptionRule) Predicate {
	return func(c *gin.Context) error {
		tenantID, ok := TenantID(c)
		if !ok {
			return ErrTenantRequired
		}
		cfg := e.policy.Get()

		subscription, err := e.subscriptions.GetCurrent(c.Request.Context(), tenantID)
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			return &SubscriptionDeniedError{Message: firstNonEmpty(rule.Message, cfg.NoSubscriptionMessage)}
		}
		if err != nil {
			return err
		}

		deny := func(message string) error {
			return &SubscriptionDeniedError{Status: subscription.Status, Message: message}
		}

		switch subscription.Status {
		case subscriptiondomain.StatusActive:
			return nil
		case subscriptiondomain.StatusTrial:
			if !rule.AllowTrial {
				return deny(firstNonEmpty(rule.Message, cfg.PaidOnlyMessage))
			}
			if subscription.TrialExpired(e.clock.Now()) {
				return deny(cfg.TrialExpiredMessage)
			}
			return nil
		case subscriptiondomain.StatusPending:
			if rule.RequireActive {
				return deny(cfg.PendingPaymentMessage)
			}
			return nil
		case subscriptiondomain.StatusSuspended:
			if rule.RequireActive {
				return deny(cfg.SuspendedMessage)
			}
			return nil
		default:
			return deny(firstNonEmpty(rule.Message, cfg.NoSubscriptionMessage))
		}
	}
}

func (e *Enforcer) RequireFeature(p Policy) Predicate {
	return func(c *gin.Context) error {
		tenantID, ok := TenantID(c)
		if !ok {
			return ErrTenantRequired
		}
		featureKey := strings.TrimSpace(p.Feature)
		if p.FeatureParam != "" {
			featureKey = strings.TrimSpace(c.Param(p.FeatureParam))
		}
		usage, err := requiredUsage(c, p)
		if err != nil {
			return err
		}

		result, err := e.resolver.RequireAccess(c.Request.Context(), tenantID, featureKey, usage, p.Message)
		if err != nil {
			return err
		}
		c.Set(resultKey, result)
		return nil
	}
}

func subject(c *gin.Context) (string, error) {
	actorType, actorID := obscontext.ActorFromContext(c.Request.Context())
	switch actorType {
	case authorization.RoleSystem:
		return authorization.RoleSystem, nil
	case "user":
		if actorID == "" {
			return "", ErrActorRequired
		}
		return fmt.Sprintf("user:%s", actorID), nil
	default:
		return "", ErrActorRequired
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
