package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/connectcare/emergency-api/internal/config"
	"github.com/connectcare/emergency-api/internal/handler"
	auditHandler "github.com/connectcare/emergency-api/internal/handler/audit"
	emergencyHandler "github.com/connectcare/emergency-api/internal/handler/emergency"
	"github.com/connectcare/emergency-api/internal/middleware"
	"github.com/connectcare/emergency-api/internal/repository/postgres"
	"github.com/connectcare/emergency-api/internal/router"
	auditService "github.com/connectcare/emergency-api/internal/service/audit"
	"github.com/connectcare/emergency-api/internal/service/dispatch"
	emergencyService "github.com/connectcare/emergency-api/internal/service/emergency"
	"github.com/connectcare/emergency-api/pkg/logger"
	"github.com/connectcare/emergency-api/pkg/messaging/redis"
	"github.com/connectcare/emergency-api/pkg/metrics"
	"github.com/connectcare/emergency-api/pkg/security"
	"github.com/connectcare/emergency-api/pkg/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(nil)
	m := metrics.NewMetrics("connectcare", "emergency")

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	encryptor := security.NewNoopEncryptor()
	if cfg.Security.PHIKey != "" {
		encryptor, err = security.NewAESEncryptor(cfg.Security.PHIKey)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid PHI encryption key")
		}
	}

	baseRepo := postgres.NewBaseRepository(db)
	emergencyRepo := postgres.NewEmergencyRepository(baseRepo, encryptor)
	pendingRepo := postgres.NewPendingActionRepository(baseRepo)
	auditRepo := postgres.NewAuditRepository(baseRepo)

	broker, err := redis.NewRedisBroker(redis.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer broker.Close()

	dispatcher := dispatch.NewDispatcher(
		dispatch.Config{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			BaseBackoff: cfg.Dispatch.BaseBackoff,
			MaxBackoff:  cfg.Dispatch.MaxBackoff,
		},
		emergencyRepo,
		pendingRepo,
		auditRepo,
		appLogger,
		m,
		dispatch.NewVoiceCallAdapter(cfg.Dispatch),
		dispatch.NewSMSAdapter(cfg.Dispatch),
		dispatch.NewWhatsAppAdapter(cfg.Dispatch),
		dispatch.NewEmailAdapter(cfg.Email),
		dispatch.NewLocationShareAdapter(cfg.Dispatch),
	)

	emergencySvc := emergencyService.NewService(
		emergencyRepo,
		auditRepo,
		dispatcher,
		broker,
		emergencyService.NewClock(),
		emergencyService.Config{
			ConfirmationTimeout: cfg.Engine.ConfirmationTimeout,
			IdempotencyWindow:   cfg.Engine.IdempotencyWindow,
		},
		appLogger,
		m,
	)
	auditSvc := auditService.NewService(auditRepo)

	// Re-arm confirmation deadlines persisted by a previous run before
	// accepting traffic.
	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := emergencySvc.Recover(recoverCtx); err != nil {
		recoverCancel()
		log.Fatal().Err(err).Msg("failed to recover active emergencies")
	}
	recoverCancel()

	emergencyHandler.RegisterValidations()

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	h := handler.NewHandler(db)
	emH := emergencyHandler.NewHandler(emergencySvc)
	auH := auditHandler.NewHandler(auditSvc)

	r := router.NewRouter(authMiddleware, emH, auH, h, router.Config{
		RateLimitRPS:  100,
		RateBurst:     200,
		CORSConfig:    middleware.DefaultCORSConfig(),
		MetricsPrefix: "emergency_api",
	})
	r.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processor := worker.NewDispatchProcessor(
		pendingRepo,
		dispatcher,
		broker,
		worker.DispatchProcessorConfig{
			BatchSize:    cfg.Worker.BatchSize,
			PollInterval: cfg.Worker.PollInterval,
		},
		appLogger,
		m,
	)
	go processor.Start(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r.Engine(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Server.Port).Msg("emergency API listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	// Timers are persisted as absolute deadlines; Recover re-arms them
	// on the next start.
	emergencySvc.Shutdown()

	log.Info().Msg("server exited properly")
}
