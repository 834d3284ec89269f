package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/noah-isme/bansos-api/api/swagger"
	"github.com/noah-isme/bansos-api/internal/handler"
	"github.com/noah-isme/bansos-api/internal/middleware"
	"github.com/noah-isme/bansos-api/internal/repository"
	"github.com/noah-isme/bansos-api/internal/service"
	"github.com/noah-isme/bansos-api/pkg/broker"
	"github.com/noah-isme/bansos-api/pkg/config"
	"github.com/noah-isme/bansos-api/pkg/database"
	"github.com/noah-isme/bansos-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/bansos-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/bansos-api/pkg/middleware/requestid"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long:  `Start the HTTP API together with the background notification publisher.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(autoMigrate)
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "Apply pending migrations before serving (overrides DB_AUTO_MIGRATE)")
	return cmd
}

func runServe(autoMigrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}
	defer db.Close()

	if autoMigrate || cfg.Database.AutoMigrate {
		if err := database.MigrateUp(ctx, db.DB, logr); err != nil {
			return err
		}
	}

	var metricsSvc *service.MetricsService
	if cfg.Metrics.Enabled {
		metricsSvc = service.NewMetricsService()
	}

	validate := validator.New()
	programRepo := repository.NewProgramRepository(db)
	recipientRepo := repository.NewRecipientRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	store := repository.NewAllocationStore(db, repository.AllocationStoreConfig{
		MaxAttempts:  cfg.Allocation.MaxAttempts,
		RetryBackoff: cfg.Allocation.RetryBackoff,
		LockTimeout:  cfg.Allocation.LockTimeout,
		OnRetry: func(scope string, attempt int, err error) {
			metricsSvc.RecordTxRetry(scope)
			logr.Debug("allocation transaction retry", zap.String("scope", scope), zap.Int("attempt", attempt), zap.Error(err))
		},
	})

	var notifier *service.NotificationService
	var redisClient *redis.Client
	if cfg.Notifications.Enabled {
		redisClient, err = broker.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		defer redisClient.Close()
		publisher := repository.NewNotificationPublisher(redisClient, cfg.Notifications.Channel)
		notifier = service.NewNotificationService(publisher, metricsSvc, logr, service.NotificationConfig{
			Workers:    cfg.Notifications.Workers,
			MaxRetries: cfg.Notifications.Retries,
		})
	}

	programSvc := service.NewProgramService(programRepo, store, validate, logr, service.ProgramServiceConfig{
		PageSize: cfg.Allocation.PageSize,
	})
	allocationCfg := service.AllocationServiceConfig{PageSize: cfg.Allocation.PageSize}
	var allocationSvc *service.AllocationService
	if notifier != nil {
		allocationSvc = service.NewAllocationService(store, recipientRepo, programRepo, notifier, metricsSvc, validate, logr, allocationCfg)
	} else {
		allocationSvc = service.NewAllocationService(store, recipientRepo, programRepo, nil, metricsSvc, validate, logr, allocationCfg)
	}
	tokenSvc := service.NewTokenService(service.TokenConfig{Secret: cfg.JWT.Secret, Expiry: cfg.JWT.Expiration})

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	if metricsSvc != nil {
		r.Use(middleware.Metrics(metricsSvc))
	}

	metricsHandler := handler.NewMetricsHandler(metricsSvc, db)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	if metricsSvc != nil {
		r.GET("/metrics", metricsHandler.Prometheus)
	}
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	handler.RegisterRoutes(r.Group(cfg.APIPrefix), handler.Routes{
		Programs:   handler.NewProgramHandler(programSvc),
		Recipients: handler.NewRecipientHandler(allocationSvc),
		Tokens:     tokenSvc,
		Audit:      auditRepo,
		Logger:     logr,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if notifier != nil {
		notifier.Start(groupCtx)
	}
	group.Go(func() error {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logr.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if notifier != nil {
			notifier.Stop()
		}
		return err
	})

	if err := group.Wait(); err != nil {
		logr.Error("server stopped with error", zap.Error(err))
		return err
	}
	logr.Info("server stopped")
	return nil
}
