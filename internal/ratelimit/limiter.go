package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/zap"
)

const keyEntitlementTenant = "entitlements:check:tenant:%s"

// EntitlementLimiterConfig bounds how often one tenant may query entitlements.
type EntitlementLimiterConfig = Bucket

func DefaultEntitlementLimiterConfig() EntitlementLimiterConfig {
	return EntitlementLimiterConfig{Rate: 50, Burst: 100}
}

// EntitlementLimiter throttles per-tenant entitlement lookups. A nil limiter or
// a Redis failure lets the request through.
type EntitlementLimiter struct {
	bucket *TokenBucket
	cfg    EntitlementLimiterConfig
	log    *zap.Logger
}

func NewEntitlementLimiter(client redis.UniversalClient, cfg EntitlementLimiterConfig, log *zap.Logger) *EntitlementLimiter {
	if client == nil {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EntitlementLimiter{
		bucket: NewTokenBucket(client),
		cfg:    cfg,
		log:    log.Named("ratelimit"),
	}
}

func (l *EntitlementLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *EntitlementLimiter) AllowTenant(ctx context.Context, tenantID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyEntitlementTenant, strings.TrimSpace(tenantID))
	res, err := l.bucket.Take(ctx, key, l.cfg)
	if err != nil {
		l.log.Warn("rate limiter unavailable, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true}, nil
	}
	return res, nil
}

// NewRedisClient returns nil when Redis is disabled.
func NewRedisClient(cfg config.Config) redis.UniversalClient {
	if !cfg.Redis.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Redis.Addr),
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
}
