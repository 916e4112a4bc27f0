package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vatwatch/vatwatch-api/internal/client"
	"github.com/vatwatch/vatwatch-api/internal/handler"
	"github.com/vatwatch/vatwatch-api/internal/middleware"
	"github.com/vatwatch/vatwatch-api/internal/repository"
	"github.com/vatwatch/vatwatch-api/internal/service"
	"github.com/vatwatch/vatwatch-api/pkg/cache"
	"github.com/vatwatch/vatwatch-api/pkg/config"
	"github.com/vatwatch/vatwatch-api/pkg/database"
	"github.com/vatwatch/vatwatch-api/pkg/logger"
	corsmiddleware "github.com/vatwatch/vatwatch-api/pkg/middleware/cors"
	reqidmiddleware "github.com/vatwatch/vatwatch-api/pkg/middleware/requestid"
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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, summary caching disabled", "error", err)
		redisClient = nil
	}

	metrics := service.NewMetricsService()

	entryRepo := repository.NewEntryRepository(db)
	checkRepo := repository.NewCheckRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck

	cacheSvc := service.NewCacheService(cacheRepo, cfg.Monitor.SummaryTTL, logr, redisClient != nil)
	summarySvc := service.NewSummaryService(entryRepo, cacheSvc, cfg.Monitor.SummaryTTL, logr)
	resolver := service.NewSearchResolver(entryRepo, checkRepo, metrics, logr)
	recheckClient := client.NewRecheckClient(cfg.Recheck.BaseURL, cfg.Recheck.Token, cfg.Recheck.Timeout, logr)

	monitorSvc := service.NewMonitorService(
		entryRepo,
		checkRepo,
		resolver,
		recheckClient,
		summarySvc,
		service.MonitorServiceOptions{
			DefaultPageSize: cfg.Monitor.DefaultPageSize,
			MaxPageSize:     cfg.Monitor.MaxPageSize,
			PrefetchRadius:  cfg.Monitor.PrefetchRadius,
			Debounce:        cfg.Monitor.DebounceInterval,
			SessionTTL:      cfg.Monitor.SessionTTL,
			ExportRowLimit:  cfg.Monitor.ExportRowLimit,
		},
		metrics,
		logr,
	)

	monitorHandler := handler.NewMonitorHandler(monitorSvc)
	summaryHandler := handler.NewSummaryHandler(summarySvc)
	metricsHandler := handler.NewMetricsHandler(metrics)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.Auth(cfg.Auth))
	{
		api.GET("/monitor/summary", summaryHandler.Summary)

		sessions := api.Group("/monitor/sessions")
		sessions.POST("", monitorHandler.OpenSession)
		sessions.DELETE("/:id", monitorHandler.CloseSession)
		sessions.PUT("/:id/query", monitorHandler.ApplyQuery)
		sessions.GET("/:id/entries", monitorHandler.ListEntries)
		sessions.GET("/:id/export", monitorHandler.Export)
		sessions.GET("/:id/entries/:uuid", monitorHandler.GetEntry)
		sessions.PATCH("/:id/entries/:uuid/periodicity", monitorHandler.UpdatePeriodicity)
		sessions.DELETE("/:id/entries/:uuid", monitorHandler.DeleteEntry)
		sessions.POST("/:id/entries/:uuid/recheck", monitorHandler.RecheckEntry)
		sessions.GET("/:id/entries/:uuid/certificate", monitorHandler.Certificate)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logr.Sugar().Infow("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logr.Sugar().Errorw("forced shutdown", "error", err)
	}
}
