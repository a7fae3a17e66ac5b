package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/entitlements/internal/observability/context"
	obslogger "github.com/smallbiznis/entitlements/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	actorTypeSystem = "system"
	actorScheduler  = "scheduler"
)

// jobRun accumulates the outcome of one job execution. Jobs reach it
// through the context so batch loops can count items and failures.
type jobRun struct {
	job       string
	id        string
	startedAt time.Time
	log       *zap.Logger
	processed int
	failures  int
}

type runKey struct{}

func (s *Scheduler) beginRun(ctx context.Context, job string) (context.Context, *jobRun) {
	ctx = obscontext.WithActor(ctx, actorTypeSystem, actorScheduler)
	run := &jobRun{
		job:       job,
		id:        s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	run.log = obslogger.WithContext(ctx, s.log).With(
		zap.String("job", job),
		zap.String("run_id", run.id),
	)
	return context.WithValue(ctx, runKey{}, run), run
}

func runFrom(ctx context.Context) *jobRun {
	run, _ := ctx.Value(runKey{}).(*jobRun)
	return run
}

func (r *jobRun) logger() *zap.Logger {
	if r == nil {
		return zap.L()
	}
	return r.log
}

func (r *jobRun) addProcessed(n int) {
	if r != nil && n > 0 {
		r.processed += n
	}
}

func (r *jobRun) markFailed() {
	if r != nil {
		r.failures++
	}
}

// fail records an item-level failure; the job itself keeps going.
func (r *jobRun) fail(msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	r.markFailed()
	r.logger().Error(msg, append([]zap.Field{
		zap.Error(err),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
	}, fields...)...)
}

func (r *jobRun) finish(now time.Time) {
	fields := []zap.Field{
		zap.Int64("duration_ms", now.Sub(r.startedAt).Milliseconds()),
		zap.Int("processed_count", r.processed),
		zap.Int("error_count", r.failures),
	}
	if r.failures > 0 {
		r.log.Warn("scheduler.job.finish", fields...)
		return
	}
	r.log.Info("scheduler.job.finish", fields...)
}
