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
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/office-hours-api/api/swagger"
	"github.com/noah-isme/office-hours-api/internal/handler"
	"github.com/noah-isme/office-hours-api/internal/middleware"
	"github.com/noah-isme/office-hours-api/internal/models"
	"github.com/noah-isme/office-hours-api/internal/repository"
	"github.com/noah-isme/office-hours-api/internal/service"
	"github.com/noah-isme/office-hours-api/pkg/cache"
	"github.com/noah-isme/office-hours-api/pkg/config"
	"github.com/noah-isme/office-hours-api/pkg/database"
	"github.com/noah-isme/office-hours-api/pkg/events"
	"github.com/noah-isme/office-hours-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/office-hours-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/office-hours-api/pkg/middleware/requestid"
)

// @title Office Hours API
// @version 1.0.0
// @description Office hours scheduling and queue management for an online course platform
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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, caching and realtime disabled", "error", err)
		redisClient = nil
	}

	validate := validator.New()

	metricsSvc := service.NewMetricsService()

	dispatcher := events.NewDispatcher(events.DispatcherConfig{
		Workers:    cfg.Events.Workers,
		BufferSize: cfg.Events.BufferSize,
		MaxRetries: cfg.Events.MaxRetries,
		RetryDelay: cfg.Events.RetryDelay,
		Logger:     logr,
	})

	userRepo := repository.NewUserRepository(db)
	scheduleRepo := repository.NewScheduleRepository(db)
	queueRepo := repository.NewQueueRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient)

	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Queue.SnapshotCacheTTL, logr, cfg.Queue.CacheEnabled && redisClient != nil)
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             cfg.JWT.Issuer,
	})
	scheduleSvc := service.NewScheduleService(scheduleRepo, validate, logr)
	eventBus := service.NewQueueEventBus(dispatcher, metricsSvc, logr)
	queueSvc := service.NewQueueService(queueRepo, scheduleSvc, eventBus, cacheSvc, metricsSvc, validate, logr, cfg.Queue.MaxQuestionLen)
	notificationSvc := service.NewNotificationService(notificationRepo, logr)
	realtimeSvc := service.NewRealtimeService(redisClient, cfg.Realtime.ChannelPrefix, cfg.Realtime.Enabled && redisClient != nil, logr)
	exportSvc := service.NewExportService(queueRepo, logr)

	dispatcher.Subscribe("notifications", notificationSvc.HandleQueueEvent)
	dispatcher.Subscribe("realtime", realtimeSvc.HandleQueueEvent)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(rootCtx)
	defer dispatcher.Stop()

	authHandler := handler.NewAuthHandler(authSvc)
	scheduleHandler := handler.NewScheduleHandler(scheduleSvc)
	queueHandler := handler.NewQueueHandler(queueSvc, exportSvc)
	notificationHandler := handler.NewNotificationHandler(notificationSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
	auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)

	schedules := api.Group("/schedules", middleware.JWT(authSvc))
	schedules.POST("", middleware.RequireRoles(models.RoleInstructor, models.RoleAdmin), scheduleHandler.Create)
	schedules.PUT("/:id", middleware.RequireRoles(models.RoleInstructor, models.RoleAdmin), scheduleHandler.Update)
	schedules.DELETE("/:id", middleware.RequireRoles(models.RoleInstructor, models.RoleAdmin), scheduleHandler.Delete)

	instructors := api.Group("/instructors/:instructorId", middleware.JWT(authSvc))
	instructors.GET("/schedules", scheduleHandler.ListByInstructor)
	instructors.GET("/queue", queueHandler.Get)
	instructors.GET("/queue/me", middleware.RequireRoles(models.RoleStudent), queueHandler.MyStatus)
	instructors.GET("/queue/export", middleware.RequireRoles(models.RoleInstructor, models.RoleAdmin), queueHandler.ExportHistory)

	queue := api.Group("/queue", middleware.JWT(authSvc))
	queue.POST("/join", middleware.RequireRoles(models.RoleStudent), queueHandler.Join)
	queue.POST("/entries/:id/admit", middleware.RequireRoles(models.RoleInstructor), queueHandler.Admit)
	queue.POST("/entries/:id/complete", middleware.RequireRoles(models.RoleInstructor), queueHandler.Complete)
	queue.POST("/entries/:id/cancel", queueHandler.Cancel)

	notifications := api.Group("/notifications", middleware.JWT(authSvc))
	notifications.GET("", notificationHandler.List)
	notifications.POST("/:id/read", notificationHandler.MarkRead)

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

	<-rootCtx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}
