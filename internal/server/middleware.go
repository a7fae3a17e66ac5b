package server

import (
	"crypto/subtle"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/authorization"
	"github.com/smallbiznis/entitlements/internal/observability/logger"
	obscontext "github.com/smallbiznis/entitlements/internal/observability/context"
	"go.uber.org/zap"
)

const (
	HeaderTenantID   = "X-Tenant-ID"
	HeaderUserID     = "X-User-ID"
	HeaderAdminToken = "X-Admin-Token"

	actorTypeUser = "user"
	adminActorID  = "admin"
)

// IdentityContext copies the identity headers set by the authentication
// gateway into the request context.
func IdentityContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if tenantID := strings.TrimSpace(c.GetHeader(HeaderTenantID)); tenantID != "" {
			ctx = obscontext.WithTenantID(ctx, tenantID)
		}
		if userID := strings.TrimSpace(c.GetHeader(HeaderUserID)); userID != "" {
			ctx = obscontext.WithActor(ctx, actorTypeUser, userID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// AdminRequired guards operator routes with the static admin token. The
// routes are closed when no token is configured.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(s.cfg.AdminToken)
		if expected == "" {
			AbortWithError(c, ErrForbidden)
			return
		}

		token := strings.TrimSpace(c.GetHeader(HeaderAdminToken))
		if token == "" {
			token = bearerToken(c.GetHeader("Authorization"))
		}
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			logger.FromContext(c.Request.Context()).Warn("admin token rejected", zap.String("path", c.FullPath()))
			AbortWithError(c, ErrForbidden)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), authorization.RoleSystem, adminActorID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// EntitlementRateLimit throttles entitlement checks per tenant. Requests
// without a tenant pass through so the policy chain can reject them.
func (s *Server) EntitlementRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		tenantID := obscontext.TenantIDFromContext(ctx)
		if tenantID == "" {
			c.Next()
			return
		}

		result, err := s.limiter.AllowTenant(ctx, tenantID)
		if err != nil {
			logger.FromContext(ctx).Warn("entitlement rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if result.Allowed {
			c.Next()
			return
		}

		endpoint := normalizeRateLimitEndpoint(c)
		logger.FromContext(ctx).Warn("entitlement rate limit exceeded", zap.String("endpoint", endpoint))
		s.obsMetrics.RecordRateLimitDenied(ctx, endpoint)

		retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		AbortWithError(c, ErrRateLimited)
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
