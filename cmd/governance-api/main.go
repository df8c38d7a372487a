package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/melsheikh92/crm-governance/internal/handler"
	"github.com/melsheikh92/crm-governance/internal/middleware"
	"github.com/melsheikh92/crm-governance/internal/repository"
	"github.com/melsheikh92/crm-governance/internal/service"
	"github.com/melsheikh92/crm-governance/pkg/cache"
	"github.com/melsheikh92/crm-governance/pkg/config"
	"github.com/melsheikh92/crm-governance/pkg/crypto"
	"github.com/melsheikh92/crm-governance/pkg/database"
	"github.com/melsheikh92/crm-governance/pkg/jobs"
	"github.com/melsheikh92/crm-governance/pkg/logger"
	corsmiddleware "github.com/melsheikh92/crm-governance/pkg/middleware/cors"
	reqidmiddleware "github.com/melsheikh92/crm-governance/pkg/middleware/requestid"
	"github.com/melsheikh92/crm-governance/pkg/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close()

	// The API degrades to uncached reads when redis is unreachable.
	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, caching disabled", "error", err)
		redisClient = nil
	}

	cipher, err := crypto.New(cfg.Encryption, logr)
	if err != nil {
		logr.Sugar().Fatalw("failed to init field cipher", "error", err)
	}

	validate := validator.New()

	auditRepo := repository.NewAuditRepository(db)
	consentRepo := repository.NewConsentRepository(db)
	policyRepo := repository.NewRetentionPolicyRepository(db)
	requestRepo := repository.NewDeletionRequestRepository(db)
	userRepo := repository.NewUserRepository(db)
	ticketRepo := repository.NewTicketRepository(db)
	txRunner := repository.NewTxRunner(db)

	userPurger := repository.NewUserPurger(userRepo)
	ticketPurger := repository.NewTicketPurger(ticketRepo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := notify.NewAsyncNotifier(notify.NewLogNotifier(logr), jobs.QueueConfig{
		Workers:    2,
		BufferSize: 64,
		MaxRetries: 3,
		RetryDelay: 5 * time.Second,
		Logger:     logr,
	}, logr)
	notifier.Start(ctx)
	defer notifier.Stop()

	metricsSvc := service.NewMetricsService()
	auditSvc := service.NewAuditService(auditRepo, cfg.Audit, logr)
	consentSvc := service.NewConsentService(consentRepo, auditSvc, cfg.Consent, validate, logr)
	retentionSvc := service.NewRetentionService(policyRepo, txRunner, auditSvc, cfg.Retention,
		[]service.Purger{userPurger, ticketPurger}, validate, logr)
	privacySvc := service.NewPrivacyService(requestRepo, userRepo, ticketRepo, consentRepo,
		[]service.SubjectEraser{
			service.NewConsentEraser(consentRepo),
			service.NewTicketEraser(ticketRepo),
			service.NewUserEraser(userPurger),
		},
		txRunner, auditSvc, cipher, notifier, cfg, validate, logr)

	var cacheSvc *service.CacheService
	if redisClient != nil {
		cacheSvc = service.NewCacheService(repository.NewCacheRepository(redisClient), 10*time.Minute, logr, true)
	}

	auditHandler := handler.NewAuditHandler(auditSvc)
	consentHandler := handler.NewConsentHandler(consentSvc, metricsSvc)
	retentionHandler := handler.NewRetentionHandler(retentionSvc, cacheSvc, metricsSvc)
	privacyHandler := handler.NewPrivacyHandler(privacySvc, metricsSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Origin())
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(cfg.JWT.Secret))
	{
		consents := api.Group("/consents")
		{
			consents.POST("", consentHandler.Grant)
			consents.POST("/bulk", consentHandler.GrantBulk)
			consents.POST("/withdraw", consentHandler.Withdraw)
		}

		subjects := api.Group("/subjects/:id", middleware.RBAC("ADMIN", "DPO", "SELF"))
		{
			subjects.GET("/consents", consentHandler.History)
			subjects.GET("/consents/check", consentHandler.Check)
			subjects.GET("/consents/missing", consentHandler.Missing)
			subjects.POST("/consents/withdraw-all", consentHandler.WithdrawAll)
			subjects.GET("/export", privacyHandler.Export)
		}

		privacy := api.Group("/privacy/deletion-requests")
		{
			privacy.POST("", privacyHandler.RequestDeletion)
			privacy.GET("", middleware.RBAC("ADMIN", "DPO"), privacyHandler.List)
			privacy.GET("/:id", middleware.RBAC("ADMIN", "DPO"), privacyHandler.Get)
			privacy.POST("/:id/process", middleware.RBAC("ADMIN", "DPO"), privacyHandler.Process)
		}

		retention := api.Group("/retention", middleware.RBAC("ADMIN", "DPO"))
		{
			retention.POST("/policies", retentionHandler.CreatePolicy)
			retention.GET("/policies", retentionHandler.ListPolicies)
			retention.PUT("/policies/:id", retentionHandler.UpdatePolicy)
			retention.DELETE("/policies/:id", retentionHandler.DeletePolicy)
			retention.POST("/run", retentionHandler.Run)
			retention.POST("/purge", retentionHandler.Purge)
			retention.GET("/expired", retentionHandler.Expired)
			retention.GET("/stats", retentionHandler.Statistics)
		}

		audit := api.Group("/audit", middleware.RBAC("ADMIN", "DPO"))
		{
			audit.GET("/events", auditHandler.List)
			audit.GET("/entities/:type/:id", auditHandler.EntityTrail)
		}

		api.GET("/governance/metrics", middleware.RBAC("ADMIN", "DPO"), metricsHandler.Snapshot)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
