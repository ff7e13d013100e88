package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/wingsfly/academy-sync/internal/engine"
	"github.com/wingsfly/academy-sync/internal/handler"
	authmiddleware "github.com/wingsfly/academy-sync/internal/middleware"
	"github.com/wingsfly/academy-sync/internal/repository"
	"github.com/wingsfly/academy-sync/internal/service"
	"github.com/wingsfly/academy-sync/internal/store"
	"github.com/wingsfly/academy-sync/pkg/cache"
	"github.com/wingsfly/academy-sync/pkg/config"
	"github.com/wingsfly/academy-sync/pkg/database"
	"github.com/wingsfly/academy-sync/pkg/logger"
	corsmiddleware "github.com/wingsfly/academy-sync/pkg/middleware/cors"
	reqidmiddleware "github.com/wingsfly/academy-sync/pkg/middleware/requestid"
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
		logr.Sugar().Fatalw("database unavailable", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		// Redis only powers realtime and short caches. Without it the
		// engine works on polling alone.
		logr.Sugar().Warnw("redis unavailable, realtime disabled", "error", err)
		redisClient = nil
	}
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close()

	persister, err := store.NewFilePersister(cfg.Sync.DataDir)
	if err != nil {
		logr.Sugar().Fatalw("cannot open data directory", "error", err)
	}
	st, err := store.New(persister, logr)
	if err != nil {
		logr.Sugar().Fatalw("cannot load local dataset", "error", err)
	}

	envelopeRepo := repository.NewEnvelopeRepository(db, cfg.Sync.TableName)
	partialRepo := repository.NewPartialRepository(db, cfg.Sync.TableName)
	backupRepo := repository.NewBackupRepository(db, cfg.Backup.TableName)

	probeCtx, probeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	strategy := engine.ChooseStrategy(probeCtx, envelopeRepo, partialRepo, st, cfg.Sync.RecordID)
	probeCancel()
	logr.Sugar().Infow("replication strategy selected", "strategy", strategy.Name())

	metrics := service.NewMetricsService()
	backupSvc := service.NewBackupService(backupRepo, st, cacheRepo, cfg.Backup, cfg.Sync.RecordID, logr)

	eng := engine.New(cfg.Sync, st, strategy, engine.Options{
		Backups:    backupSvc,
		Publisher:  cacheRepo,
		Subscriber: cacheRepo,
		Metrics:    metrics,
	}, logr)

	validate := validator.New()
	authSvc := service.NewAuthService(validate, logr, service.AuthConfig{
		Username:     cfg.Admin.Username,
		PasswordHash: cfg.Admin.PasswordHash,
		Secret:       cfg.JWT.Secret,
		Expiry:       cfg.JWT.Expiration,
		Issuer:       "academy-sync",
	})
	syncSvc := service.NewSyncService(eng, st, validate, logr)

	authHandler := handler.NewAuthHandler(authSvc)
	syncHandler := handler.NewSyncHandler(syncSvc)
	backupHandler := handler.NewBackupHandler(backupSvc)
	metricsHandler := handler.NewMetricsHandler(metrics)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(authmiddleware.Metrics(metrics))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

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
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.APIPrefix)
	api.POST("/auth/token", authHandler.Login)

	protected := api.Group("")
	protected.Use(authmiddleware.JWT(authSvc))
	{
		protected.GET("/sync/status", syncHandler.Status)
		protected.POST("/sync/push", syncHandler.Push)
		protected.POST("/sync/pull", syncHandler.Pull)
		protected.POST("/sync/online", syncHandler.Online)
		protected.GET("/sync/dirty", syncHandler.Dirty)
		protected.POST("/sync/dirty", syncHandler.MarkDirty)
		protected.GET("/collections/:name", syncHandler.GetCollection)
		protected.PUT("/collections/:name", syncHandler.UpdateCollection)
		protected.GET("/backups", backupHandler.List)
		protected.POST("/backups/:id/restore", backupHandler.Restore)
		protected.GET("/metrics/summary", metricsHandler.Summary)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	eng.Start(rootCtx)
	backupSvc.Start(rootCtx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "device_id", st.DeviceID())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logr.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("http shutdown failed", "error", err)
	}

	// Flush outstanding local changes before the process dies.
	eng.Stop(shutdownCtx)
	backupSvc.Stop()
	rootCancel()

	logr.Info("bye")
}
