package domain

import (
	"strings"

	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
)

var authorizationStatuses = map[string]subscriptiondomain.Status{
	"authorized": subscriptiondomain.StatusActive,
	"active":     subscriptiondomain.StatusActive,
	"trialing":   subscriptiondomain.StatusActive,
	"paused":     subscriptiondomain.StatusSuspended,
	"past_due":   subscriptiondomain.StatusSuspended,
	"unpaid":     subscriptiondomain.StatusSuspended,
	"cancelled":  subscriptiondomain.StatusCancelled,
	"canceled":   subscriptiondomain.StatusCancelled,
}

var paymentStatuses = map[string]PaymentStatus{
	"approved":     PaymentStatusApproved,
	"paid":         PaymentStatusApproved,
	"pending":      PaymentStatusPending,
	"in_process":   PaymentStatusPending,
	"authorized":   PaymentStatusPending,
	"rejected":     PaymentStatusRejected,
	"failed":       PaymentStatusRejected,
	"cancelled":    PaymentStatusCancelled,
	"refunded":     PaymentStatusRefunded,
	"charged_back": PaymentStatusRefunded,
}

// MapAuthorizationStatus translates a provider authorization status. ok is
// false for statuses that must not change local state.
func MapAuthorizationStatus(raw string) (subscriptiondomain.Status, bool) {
	status, ok := authorizationStatuses[strings.ToLower(strings.TrimSpace(raw))]
	return status, ok
}

// MapPaymentStatus translates a provider payment status; unknown values
// are treated as pending.
func MapPaymentStatus(raw string) PaymentStatus {
	if status, ok := paymentStatuses[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return status
	}
	return PaymentStatusPending
}

// Rank orders payment statuses by how settled they are. A report never
// replaces a payment status of higher rank, so late "pending" deliveries
// cannot undo an approval and nothing undoes a refund.
func (s PaymentStatus) Rank() int {
	switch s {
	case PaymentStatusPending:
		return 0
	case PaymentStatusRefunded:
		return 2
	default:
		return 1
	}
}
