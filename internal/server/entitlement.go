package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/entitlement/policy"
	"github.com/smallbiznis/entitlements/internal/observability/logger"
)

func (s *Server) ListFeatures(c *gin.Context) {
	tenantID, ok := policy.TenantID(c)
	if !ok {
		AbortWithError(c, policy.ErrTenantRequired)
		return
	}

	features, err := s.resolver.ListTenantFeatures(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": features})
}

func (s *Server) GetUsage(c *gin.Context) {
	tenantID, ok := policy.TenantID(c)
	if !ok {
		AbortWithError(c, policy.ErrTenantRequired)
		return
	}

	stats, err := s.resolver.UsageStats(c.Request.Context(), tenantID, strings.TrimSpace(c.Query("period")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}

// CheckEntitlement answers whether the tenant may use a feature without
// recording any usage. A denial is a normal 200 response.
func (s *Server) CheckEntitlement(c *gin.Context) {
	tenantID, ok := policy.TenantID(c)
	if !ok {
		AbortWithError(c, policy.ErrTenantRequired)
		return
	}
	featureKey := strings.TrimSpace(c.Param("feature"))
	c.Set(logger.ContextFeatureKey, featureKey)

	usage, err := parseOptionalPositiveInt64(c.Query("usage"), 1)
	if err != nil {
		AbortWithError(c, newValidationError("usage", "invalid_usage", "usage must be a positive integer"))
		return
	}

	result, err := s.resolver.CheckAccess(c.Request.Context(), tenantID, featureKey, usage)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// ConsumeEntitlement runs behind the policy chain, which already reserved
// the usage; it only reports the decision.
func (s *Server) ConsumeEntitlement(c *gin.Context) {
	c.Set(logger.ContextFeatureKey, strings.TrimSpace(c.Param("feature")))

	result, ok := policy.Result(c)
	if !ok {
		AbortWithError(c, ErrInternal)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
