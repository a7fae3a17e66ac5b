package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/entitlements/internal/authorization"
	billingdomain "github.com/smallbiznis/entitlements/internal/billing/domain"
	catalogdomain "github.com/smallbiznis/entitlements/internal/catalog/domain"
	"github.com/smallbiznis/entitlements/internal/config"
	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/policy"
	"github.com/smallbiznis/entitlements/internal/observability"
	obsmiddleware "github.com/smallbiznis/entitlements/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	obstracing "github.com/smallbiznis/entitlements/internal/observability/tracing"
	"github.com/smallbiznis/entitlements/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/entitlements/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, shutdowner fx.Shutdowner, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server failed", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	catalogSvc      catalogdomain.Service
	resolver        entitlementdomain.Resolver
	enforcer        *policy.Enforcer
	subscriptionSvc subscriptiondomain.Service
	reconciler      billingdomain.Reconciler
	tenantSvc       tenantdomain.Service
	limiter         *ratelimit.EntitlementLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	CatalogSvc      catalogdomain.Service
	Resolver        entitlementdomain.Resolver
	Enforcer        *policy.Enforcer
	SubscriptionSvc subscriptiondomain.Service
	Reconciler      billingdomain.Reconciler
	TenantSvc       tenantdomain.Service
	Limiter         *ratelimit.EntitlementLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics           `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		catalogSvc:      p.CatalogSvc,
		resolver:        p.Resolver,
		enforcer:        p.Enforcer,
		subscriptionSvc: p.SubscriptionSvc,
		reconciler:      p.Reconciler,
		tenantSvc:       p.TenantSvc,
		limiter:         p.Limiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func permission(object, action string) policy.Policy {
	return policy.Policy{Permissions: []policy.Permission{{Object: object, Action: action}}}
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(IdentityContext())

	api.GET("/plans", s.ListPlans)

	tenantOnly := s.enforcer.Handler(policy.Policy{})
	api.GET("/features", tenantOnly, s.ListFeatures)
	api.GET("/usage", s.enforcer.Handler(permission(authorization.ObjectUsage, authorization.ActionUsageView)), s.GetUsage)

	api.GET("/entitlements/:feature", s.EntitlementRateLimit(), tenantOnly, s.CheckEntitlement)
	api.POST("/entitlements/:feature/consume",
		s.EntitlementRateLimit(),
		s.enforcer.Handler(policy.Policy{
			FeatureParam: "feature",
			UsageQuery:   "usage",
			Permissions: []policy.Permission{
				{Object: authorization.ObjectUsage, Action: authorization.ActionUsageRecord},
			},
		}),
		s.ConsumeEntitlement,
	)

	manage := s.enforcer.Handler(permission(authorization.ObjectSubscription, authorization.ActionSubscriptionManage))
	view := s.enforcer.Handler(permission(authorization.ObjectSubscription, authorization.ActionSubscriptionView))

	api.POST("/subscriptions", manage, s.CreateSubscription)
	api.POST("/subscriptions/trial", manage, s.CreateTrialSubscription)
	api.GET("/subscriptions/current", view, s.GetCurrentSubscription)
	api.GET("/subscriptions/:id", view, s.GetSubscription)
	api.GET("/subscriptions/:id/payments",
		s.enforcer.Handler(permission(authorization.ObjectPayment, authorization.ActionPaymentView)),
		s.ListSubscriptionPayments,
	)
	api.POST("/subscriptions/:id/convert-trial", manage, s.ConvertTrialSubscription)
	api.DELETE("/subscriptions/:id",
		s.enforcer.Handler(permission(authorization.ObjectSubscription, authorization.ActionSubscriptionCancel)),
		s.CancelSubscription,
	)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.AdminRequired())

	admin.POST("/sweeps/expired-subscriptions", s.SweepExpiredSubscriptions)
	admin.POST("/sweeps/expired-trials", s.SweepExpiredTrials)
	admin.POST("/tenants", s.CreateTenant)
}
