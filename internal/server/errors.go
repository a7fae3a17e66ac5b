package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/authorization"
	billingdomain "github.com/smallbiznis/entitlements/internal/billing/domain"
	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/policy"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/entitlements/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	"github.com/smallbiznis/entitlements/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type       string            `json:"type"`
	Message    string            `json:"message"`
	Code       string            `json:"code,omitempty"`
	Feature    string            `json:"feature,omitempty"`
	Status     string            `json:"subscription_status,omitempty"`
	Violations []string          `json:"violations,omitempty"`
	Errors     []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// classifyErrorForLog reports the error type and code written to request logs.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	return payload.Type, payload.Code
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Code:    "validation_error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Code:    code,
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	var denied *entitlementdomain.AccessDeniedError
	if errors.As(err, &denied) {
		return http.StatusForbidden, errorPayload{
			Type:    "access_denied",
			Message: denied.Message,
			Code:    entitlementdomain.ErrAccessDenied.Error(),
			Feature: denied.Feature,
		}
	}

	var subscriptionDenied *policy.SubscriptionDeniedError
	if errors.As(err, &subscriptionDenied) {
		return http.StatusForbidden, errorPayload{
			Type:    "subscription_required",
			Message: subscriptionDenied.Message,
			Code:    policy.ErrSubscriptionDenied.Error(),
			Status:  string(subscriptionDenied.Status),
		}
	}

	var cfgErr *catalogdomain.ConfigurationError
	if errors.As(err, &cfgErr) {
		return http.StatusInternalServerError, errorPayload{
			Type:       "configuration_error",
			Message:    "catalog configuration invalid",
			Code:       catalogdomain.ErrConfiguration.Error(),
			Violations: cfgErr.Violations,
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, policy.ErrTenantRequired),
		errors.Is(err, policy.ErrActorRequired),
		errors.Is(err, billingdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
			Code:    rootCode(err),
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, authorization.ErrNoMembership):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
			Code:    rootCode(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
			Code:    rootCode(err),
		}
	case errors.Is(err, subscriptiondomain.ErrInvalidState),
		errors.Is(err, subscriptiondomain.ErrTrialNotEligible):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_state",
			Message: "subscription state does not allow this operation",
			Code:    rootCode(err),
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, subscriptiondomain.ErrLiveSubscriptionExists),
		errors.Is(err, subscriptiondomain.ErrConcurrentUpdate),
		errors.Is(err, tenantdomain.ErrSlugTaken):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
			Code:    rootCode(err),
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
			Code:    ErrRateLimited.Error(),
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, subscriptiondomain.ErrUpstreamUnavailable),
		errors.Is(err, billingdomain.ErrProviderRequest):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "upstream_unavailable",
			Message: "payment provider unavailable",
			Code:    rootCode(err),
		}
	case errors.Is(err, catalogdomain.ErrConfiguration),
		errors.Is(err, catalogdomain.ErrEmptyDefinition),
		errors.Is(err, subscriptiondomain.ErrPriceNotConfigured),
		errors.Is(err, billingdomain.ErrInvalidConfig):
		return http.StatusInternalServerError, errorPayload{
			Type:    "configuration_error",
			Message: "service misconfigured",
			Code:    rootCode(err),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationErrors = []error{
	ErrInvalidRequest,
	pagination.ErrInvalidPageToken,
	policy.ErrInvalidUsage,
	entitlementdomain.ErrInvalidTenant,
	entitlementdomain.ErrInvalidUsage,
	catalogdomain.ErrInvalidFeature,
	catalogdomain.ErrInvalidBillingCycle,
	usagedomain.ErrInvalidSubscription,
	usagedomain.ErrInvalidFeature,
	usagedomain.ErrInvalidPeriod,
	usagedomain.ErrInvalidAmount,
	usagedomain.ErrInvalidLimit,
	subscriptiondomain.ErrInvalidTenant,
	subscriptiondomain.ErrInvalidPlan,
	subscriptiondomain.ErrInvalidSubscription,
	subscriptiondomain.ErrInvalidPayerEmail,
	subscriptiondomain.ErrInvalidTargetStatus,
	tenantdomain.ErrInvalidName,
	tenantdomain.ErrInvalidEmail,
	tenantdomain.ErrInvalidUser,
	tenantdomain.ErrInvalidRole,
	billingdomain.ErrInvalidPayload,
	billingdomain.ErrInvalidTenant,
}

func isValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, catalogdomain.ErrFeatureNotFound),
		errors.Is(err, catalogdomain.ErrPlanNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, tenantdomain.ErrTenantNotFound),
		errors.Is(err, billingdomain.ErrProviderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// rootCode returns the innermost error text, which for domain sentinels is
// their snake_case code.
func rootCode(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func validationErrorCode(err error) string {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
