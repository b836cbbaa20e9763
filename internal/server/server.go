package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	checkoutdomain "github.com/smallbiznis/saasbilling/internal/checkout/domain"
	"github.com/smallbiznis/saasbilling/internal/config"
	"github.com/smallbiznis/saasbilling/internal/observability"
	obsmiddleware "github.com/smallbiznis/saasbilling/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/saasbilling/internal/observability/metrics"
	obstracing "github.com/smallbiznis/saasbilling/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/saasbilling/internal/payment/domain"
	plandomain "github.com/smallbiznis/saasbilling/internal/plan/domain"
	"github.com/smallbiznis/saasbilling/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/saasbilling/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	ratelimit.Module,
	fx.Provide(registerGin),
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

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
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
					log.Fatal("http server stopped", zap.Error(err))
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
	log             *zap.Logger
	auth            *Authenticator
	planSvc         plandomain.Service
	subscriptionSvc subscriptiondomain.Service
	checkoutSvc     checkoutdomain.Service
	webhookSvc      paymentdomain.WebhookService
	sessionLimiter  *ratelimit.SessionLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	PlanSvc         plandomain.Service
	SubscriptionSvc subscriptiondomain.Service
	CheckoutSvc     checkoutdomain.Service
	WebhookSvc      paymentdomain.WebhookService
	SessionLimiter  *ratelimit.SessionLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	log := p.Log.Named("http")
	if p.Cfg.AuthJWTSecret == "" {
		log.Warn("AUTH_JWT_SECRET is empty, tenant and admin routes will reject every request")
	}

	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             log,
		auth:            NewAuthenticator(p.Cfg.AuthJWTSecret),
		planSvc:         p.PlanSvc,
		subscriptionSvc: p.SubscriptionSvc,
		checkoutSvc:     p.CheckoutSvc,
		webhookSvc:      p.WebhookSvc,
		sessionLimiter:  p.SessionLimiter,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/stripe", s.HandleStripeWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.GET("/plans", s.ListPlans)

	org := api.Group("/organizations/:slug", s.auth.RequireOrgRole(RoleOwner, RoleAdmin))
	{
		org.GET("/subscription", s.GetSubscription)
		org.POST("/subscription/cancel", s.CancelSubscription)
		org.POST("/subscription/resume", s.ResumeSubscription)

		org.POST("/billing/checkout", s.LimitBillingSessions(), s.CreateCheckoutSession)
		org.POST("/billing/portal", s.LimitBillingSessions(), s.CreatePortalSession)
	}
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.auth.RequireRole(RoleStaff))

	admin.GET("/billing/events", s.ListBillingEvents)
	admin.GET("/billing/events/:event_id", s.GetBillingEvent)
	admin.POST("/billing/events/:event_id/replay", s.ReplayBillingEvent)
}
