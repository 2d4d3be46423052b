package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/connectcare/emergency-api/internal/config"
	"github.com/connectcare/emergency-api/internal/repository/postgres"
	"github.com/connectcare/emergency-api/internal/service/dispatch"
	internalworker "github.com/connectcare/emergency-api/internal/worker"
	"github.com/connectcare/emergency-api/pkg/logger"
	"github.com/connectcare/emergency-api/pkg/messaging/redis"
	"github.com/connectcare/emergency-api/pkg/metrics"
	"github.com/connectcare/emergency-api/pkg/security"
	"github.com/connectcare/emergency-api/pkg/worker"
)

// The worker process drains queued dispatch actions and expires old
// audit entries. It runs beside the API so a crashed API pod does not
// leave caretaker notifications stuck in pending_actions.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(nil)
	m := metrics.NewMetrics("connectcare", "emergency_worker")

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

	cleanup := internalworker.NewAuditCleanupWorker(
		auditRepo,
		cfg.Worker.AuditRetentionDays,
		cfg.Worker.CleanupInterval,
		appLogger,
	)

	setupHealthCheck()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutting down worker...")
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		processor.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		cleanup.Start(ctx)
	}()
	wg.Wait()

	log.Info().Msg("worker exited properly")
}

func setupHealthCheck() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		if err := http.ListenAndServe(":8081", mux); err != nil {
			log.Error().Err(err).Msg("health check server failed")
		}
	}()
}
