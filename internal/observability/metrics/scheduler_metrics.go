package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/entitlements/internal/authorization"
	billingdomain "github.com/smallbiznis/entitlements/internal/billing/domain"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"gorm.io/gorm"
)

// Error types written to scheduler logs.
const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeAuthorization    = "authorization"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUpstream         = "upstream"
	SchedulerErrorTypeUnknown          = "unknown"
)

// Reasons used as the job error counter label.
const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonConcurrentUpdate     = "concurrent_update"
	SchedulerJobReasonProviderUnavailable  = "provider_unavailable"
	SchedulerJobReasonForbidden            = "forbidden"
	SchedulerJobReasonUnknown              = "unknown"
)

type errorClass struct {
	errType   string
	reason    string
	retryable bool
}

// errorRules are checked in order; the first match wins.
var errorRules = []struct {
	match func(error) bool
	class errorClass
}{
	{isCancellation, errorClass{SchedulerErrorTypeDeadlineExceeded, SchedulerJobReasonDeadlineExceeded, true}},
	{isAuthorizationError, errorClass{SchedulerErrorTypeAuthorization, SchedulerJobReasonForbidden, false}},
	{pgCode("55P03"), errorClass{SchedulerErrorTypeDB, SchedulerJobReasonDBLockTimeout, true}},
	{pgCode("40001"), errorClass{SchedulerErrorTypeDB, SchedulerJobReasonSerializationFailure, true}},
	{isUniqueViolation, errorClass{SchedulerErrorTypeDB, SchedulerJobReasonUniqueViolation, true}},
	{is(subscriptiondomain.ErrConcurrentUpdate), errorClass{SchedulerErrorTypeBusinessRule, SchedulerJobReasonConcurrentUpdate, true}},
	{isProviderFailure, errorClass{SchedulerErrorTypeUpstream, SchedulerJobReasonProviderUnavailable, true}},
	{isDBError, errorClass{SchedulerErrorTypeDB, SchedulerJobReasonUnknown, true}},
}

func classify(err error) errorClass {
	if err == nil {
		return errorClass{SchedulerErrorTypeUnknown, SchedulerJobReasonUnknown, false}
	}
	for _, rule := range errorRules {
		if rule.match(err) {
			return rule.class
		}
	}
	return errorClass{SchedulerErrorTypeBusinessRule, SchedulerJobReasonUnknown, false}
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string { return classify(err).errType }

// ClassifySchedulerJobReason maps job errors to the counter reason label.
func ClassifySchedulerJobReason(err error) string { return classify(err).reason }

// IsSchedulerErrorRetryable reports whether the next tick is expected to succeed.
func IsSchedulerErrorRetryable(err error) bool { return classify(err).retryable }

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

func pgCode(code string) func(error) bool {
	return func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == code
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func isAuthorizationError(err error) bool {
	return errors.Is(err, authorization.ErrForbidden) ||
		errors.Is(err, authorization.ErrInvalidActor) ||
		errors.Is(err, authorization.ErrInvalidTenant)
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || pgCode("23505")(err)
}

func isProviderFailure(err error) bool {
	return errors.Is(err, billingdomain.ErrProviderRequest) ||
		errors.Is(err, subscriptiondomain.ErrUpstreamUnavailable)
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	for _, target := range []error{gorm.ErrInvalidDB, gorm.ErrInvalidTransaction, gorm.ErrInvalidData, gorm.ErrMissingWhereClause} {
		if errors.Is(err, target) {
			return true
		}
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

// SchedulerMetrics captures lifecycle sweep health signals.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	jobSkipped     *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	runLoopLag     prometheus.Histogram
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the process-wide scheduler metrics.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig registers the scheduler metrics on first use; later
// calls return the same instance regardless of cfg.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

var latencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{
		"service": valueOr(cfg.ServiceName, "entitlements"),
		"env":     valueOr(cfg.Environment, "unknown"),
	}
	counter := func(name, help string, vars ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "entitlements_scheduler_" + name,
			Help:        help,
			ConstLabels: labels,
		}, vars)
	}

	m := &SchedulerMetrics{
		jobRuns:     counter("job_runs_total", "Scheduler job runs by name.", "job"),
		jobTimeouts: counter("job_timeouts_total", "Scheduler jobs that hit their timeout.", "job"),
		jobErrors:   counter("job_errors_total", "Scheduler job errors by low-cardinality reason.", "job", "reason"),
		jobSkipped:  counter("job_skipped_total", "Job runs skipped because another replica held the lock.", "job"),
		batchProcessed: counter("batch_processed_total",
			"Subscriptions expired, reminders sent and payments reconciled by scheduler jobs.", "job", "resource"),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "entitlements_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     latencyBuckets,
			ConstLabels: labels,
		}, []string{"job"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "entitlements_scheduler_runloop_lag_seconds",
			Help:        "Delay between a scheduled tick and the start of its run.",
			Buckets:     latencyBuckets,
			ConstLabels: labels,
		}),
	}
	registerer.MustRegister(m.jobRuns, m.jobDuration, m.jobTimeouts, m.jobErrors, m.jobSkipped, m.batchProcessed, m.runLoopLag)
	return m
}

func valueOr(value, def string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return def
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m != nil {
		m.jobRuns.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m != nil {
		m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m != nil {
		m.jobTimeouts.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m != nil && err != nil {
		m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
	}
}

func (m *SchedulerMetrics) IncJobSkipped(job string) {
	if m != nil {
		m.jobSkipped.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m != nil && count > 0 {
		m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
	}
}

func (m *SchedulerMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m != nil {
		m.runLoopLag.Observe(max(lag, 0).Seconds())
	}
}
