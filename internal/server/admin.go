package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/observability/logger"
	tenantdomain "github.com/smallbiznis/entitlements/internal/tenant/domain"
	"go.uber.org/zap"
)

func (s *Server) SweepExpiredSubscriptions(c *gin.Context) {
	result, err := s.subscriptionSvc.SweepExpiredSubscriptions(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Info("admin.sweep.expired_subscriptions", zap.Int64("expired", result.Expired))
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) SweepExpiredTrials(c *gin.Context) {
	result, err := s.subscriptionSvc.SweepExpiredTrials(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Info("admin.sweep.expired_trials", zap.Int64("expired", result.Expired))
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) CreateTenant(c *gin.Context) {
	var req tenantdomain.CreateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.tenantSvc.Create(c.Request.Context(), tenantdomain.CreateTenantRequest{
		Name:        strings.TrimSpace(req.Name),
		Slug:        strings.TrimSpace(req.Slug),
		OwnerEmail:  strings.TrimSpace(req.OwnerEmail),
		OwnerName:   strings.TrimSpace(req.OwnerName),
		OwnerUserID: strings.TrimSpace(req.OwnerUserID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
