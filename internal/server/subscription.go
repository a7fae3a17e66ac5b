package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/entitlements/internal/billing/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/policy"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"github.com/smallbiznis/entitlements/pkg/db/pagination"
)

type createTrialRequest struct {
	PlanID snowflake.ID `json:"plan_id,string"`
}

type cancelSubscriptionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CreateSubscription(c *gin.Context) {
	tenantID, ok := policy.TenantID(c)
	if !ok {
		AbortWithError(c, policy.ErrTenantRequired)
		return
	}

	var req subscriptiondomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.Create(c.Request.Context(), subscriptiondomain.CreateRequest{
		TenantID:     tenantID,
		PlanID:       req.PlanID,
		BillingCycle: req.BillingCycle,
		PayerEmail:   strings.TrimSpace(req.PayerEmail),
		StartTrial:   req.StartTrial,
		BackURL:      strings.TrimSpace(req.BackURL),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreateTrialSubscription(c *gin.Context) {
	tenantID, ok := policy.TenantID(c)
	if !ok {
		AbortWithError(c, policy.ErrTenantRequired)
		return
	}

	var req createTrialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.CreateTrial(c.Request.Context(), tenantID, req.PlanID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetCurrentSubscription(c *gin.Context) {
	tenantID, ok := policy.TenantID(c)
	if !ok {
		AbortWithError(c, policy.ErrTenantRequired)
		return
	}

	resp, err := s.subscriptionSvc.GetCurrent(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetSubscription(c *gin.Context) {
	tenantID, ok := policy.TenantID(c)
	if !ok {
		AbortWithError(c, policy.ErrTenantRequired)
		return
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.subscriptionSvc.Get(c.Request.Context(), tenantID, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListSubscriptionPayments(c *gin.Context) {
	tenantID, ok := policy.TenantID(c)
	if !ok {
		AbortWithError(c, policy.ErrTenantRequired)
		return
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.reconciler.ListPayments(c.Request.Context(), billingdomain.ListPaymentsRequest{
		TenantID:       tenantID,
		SubscriptionID: id,
		Pagination:     query,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Payments,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) ConvertTrialSubscription(c *gin.Context) {
	tenantID, ok := policy.TenantID(c)
	if !ok {
		AbortWithError(c, policy.ErrTenantRequired)
		return
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req subscriptiondomain.ConvertTrialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.ConvertTrialToPaid(c.Request.Context(), subscriptiondomain.ConvertTrialRequest{
		TenantID:       tenantID,
		SubscriptionID: id,
		BillingCycle:   req.BillingCycle,
		PayerEmail:     strings.TrimSpace(req.PayerEmail),
		BackURL:        strings.TrimSpace(req.BackURL),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// CancelSubscription accepts an optional JSON body with a reason.
func (s *Server) CancelSubscription(c *gin.Context) {
	tenantID, ok := policy.TenantID(c)
	if !ok {
		AbortWithError(c, policy.ErrTenantRequired)
		return
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req cancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.Cancel(c.Request.Context(), tenantID, id, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
