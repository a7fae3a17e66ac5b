package scheduler

import (
	"time"

	"github.com/smallbiznis/entitlements/internal/config"
)

// Config controls job intervals and limits.
type Config struct {
	ExpiryInterval    time.Duration
	ReminderInterval  time.Duration
	ReconcileInterval time.Duration
	JobTimeout        time.Duration
	LockTTL           time.Duration
	EnabledJobs       []string
	UseLock           bool
}

func DefaultConfig() Config {
	return Config{
		ExpiryInterval:    time.Hour,
		ReminderInterval:  24 * time.Hour,
		ReconcileInterval: time.Hour,
		JobTimeout:        2 * time.Minute,
		LockTTL:           5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = defaults.ExpiryInterval
	}
	if c.ReminderInterval <= 0 {
		c.ReminderInterval = defaults.ReminderInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaults.ReconcileInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	// The lock must outlive the job holding it.
	if c.LockTTL < c.JobTimeout {
		c.LockTTL = c.JobTimeout
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		ExpiryInterval:    cfg.Scheduler.ExpiryInterval,
		ReminderInterval:  cfg.Scheduler.ReminderInterval,
		ReconcileInterval: cfg.Scheduler.ReconcileInterval,
		EnabledJobs:       cfg.Scheduler.EnabledJobs,
		UseLock:           cfg.Scheduler.UseLock,
	}
}
