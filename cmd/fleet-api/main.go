package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/ottofleet/fleet-api/api/swagger"
	"github.com/ottofleet/fleet-api/internal/handler"
	"github.com/ottofleet/fleet-api/internal/middleware"
	"github.com/ottofleet/fleet-api/internal/models"
	"github.com/ottofleet/fleet-api/internal/repository"
	"github.com/ottofleet/fleet-api/internal/service"
	"github.com/ottofleet/fleet-api/pkg/cache"
	"github.com/ottofleet/fleet-api/pkg/config"
	"github.com/ottofleet/fleet-api/pkg/database"
	"github.com/ottofleet/fleet-api/pkg/export"
	"github.com/ottofleet/fleet-api/pkg/logger"
	corsmiddleware "github.com/ottofleet/fleet-api/pkg/middleware/cors"
	reqidmiddleware "github.com/ottofleet/fleet-api/pkg/middleware/requestid"
	"github.com/ottofleet/fleet-api/pkg/storage"
)

// @title Fleet API
// @version 1.0.0
// @description IoT fleet management with staged firmware rollouts
// @BasePath /api/v1
// @schemes http

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
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	firmwareStorage, err := storage.NewLocalStorage(cfg.Firmware.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init firmware storage", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repositories.
	rolloutRepo := repository.NewRolloutRepository(db)
	deviceRepo := repository.NewDeviceRepository(db)
	firmwareRepo := repository.NewFirmwareRepository(db)
	userRepo := repository.NewUserRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	webhookRepo := repository.NewWebhookRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	validate := validator.New()

	// Services.
	metricsSvc := service.NewMetricsService()
	webhookSvc := service.NewWebhookService(webhookRepo, cfg.Webhooks, logr)
	webhookSvc.Start(ctx)
	defer webhookSvc.Stop()

	targeting := service.NewTargetingSelector(deviceRepo, logr)
	rolloutSvc := service.NewRolloutService(rolloutRepo, deviceRepo, firmwareRepo, targeting, auditRepo, webhookSvc, cfg.Rollouts, validate, logr)
	deviceSvc := service.NewDeviceService(deviceRepo, rolloutSvc, auditRepo, cfg.Devices.OfflineAfter, validate, logr)
	signer := storage.NewSignedURLSigner(cfg.Firmware.SignedURLSecret, cfg.Firmware.SignedURLTTL)
	firmwareSvc := service.NewFirmwareService(firmwareRepo, firmwareStorage, signer, auditRepo, cfg.Firmware.MaxFileSizeBytes, validate, logr)
	dashboardSvc := service.NewDashboardService(deviceRepo, rolloutRepo, firmwareRepo, cacheRepo, cfg.Dashboard.CacheTTL, logr)
	exportSvc := service.NewExportService(deviceRepo, rolloutRepo, export.NewCSVExporter(), export.NewPDFExporter(), logr)
	authSvc := service.NewAuthService(userRepo, auditRepo, cfg.JWT, logr)

	evaluator := service.NewRolloutEvaluator(rolloutRepo, rolloutSvc, deviceSvc, cfg.Rollouts.EvaluateInterval, logr).
		WithMetrics(metricsSvc, deviceRepo)
	evaluator.Start(ctx)
	defer evaluator.Stop()

	// Handlers.
	rolloutHandler := handler.NewRolloutHandler(rolloutSvc, metricsSvc)
	deviceHandler := handler.NewDeviceHandler(deviceSvc, metricsSvc)
	firmwareHandler := handler.NewFirmwareHandler(firmwareSvc)
	dashboardHandler := handler.NewDashboardHandler(dashboardSvc, metricsSvc)
	exportHandler := handler.NewExportHandler(exportSvc)
	webhookHandler := handler.NewWebhookHandler(webhookSvc)
	authHandler := handler.NewAuthHandler(authSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Signed firmware downloads for devices, no auth.
	r.GET("/firmware/download/:token", firmwareHandler.Download)

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	// Device-facing endpoints authenticate the device, not an operator.
	api.POST("/devices/:id/checkin", deviceHandler.Checkin)

	protected := api.Group("")
	protected.Use(middleware.JWT(authSvc))

	operator := middleware.RequireRoles(models.RoleAdmin, models.RoleOperator)
	admin := middleware.RequireRoles(models.RoleAdmin)

	devices := protected.Group("/devices")
	{
		devices.GET("", deviceHandler.List)
		devices.GET("/:id", deviceHandler.Get)
		devices.POST("", operator, deviceHandler.Register)
		devices.DELETE("/:id", operator, deviceHandler.Delete)
	}

	firmware := protected.Group("/firmware")
	{
		firmware.GET("", firmwareHandler.List)
		firmware.POST("", operator, firmwareHandler.Upload)
		firmware.GET("/:id/download", firmwareHandler.SignedDownload)
	}

	rollouts := protected.Group("/rollouts")
	{
		rollouts.GET("", rolloutHandler.List)
		rollouts.GET("/:id", rolloutHandler.Get)
		rollouts.POST("", operator, rolloutHandler.Create)
		rollouts.POST("/:id/advance", operator, rolloutHandler.Advance)
		rollouts.POST("/:id/pause", operator, rolloutHandler.Pause)
		rollouts.POST("/:id/resume", operator, rolloutHandler.Resume)
		rollouts.POST("/:id/cancel", operator, rolloutHandler.Cancel)
		rollouts.POST("/:id/outcomes", rolloutHandler.ReportOutcome)
	}

	protected.GET("/dashboard/summary", dashboardHandler.Summary)
	protected.GET("/export/devices", exportHandler.DeviceInventory)
	protected.GET("/export/rollouts/:id", exportHandler.RolloutReport)

	webhooks := protected.Group("/webhooks", admin)
	{
		webhooks.GET("", webhookHandler.List)
		webhooks.POST("", webhookHandler.Create)
		webhooks.DELETE("/:id", webhookHandler.Delete)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
