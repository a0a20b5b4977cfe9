// Package main provides the background auto-sync worker: it polls for
// connections due for sync and runs them through a bounded worker pool.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/provider-sync/internal/config"
	"github.com/provider-sync/internal/logging"
	"github.com/provider-sync/internal/provider"
	"github.com/provider-sync/internal/storage"
	"github.com/provider-sync/internal/sync"
	"github.com/provider-sync/internal/vault"
	"github.com/provider-sync/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisStore(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	connectionRepo := storage.NewConnectionRepository(postgres)
	credentialRepo := storage.NewCredentialRepository(postgres)
	stagingRepo := storage.NewStagingRepository(postgres)
	accountRepo := storage.NewAccountRepository(postgres)
	transactionRepo := storage.NewTransactionRepository(postgres)
	cursorRepo := storage.NewCursorRepository(postgres)
	jobRepo := storage.NewSyncJobRepository(postgres)

	encryptor, err := vault.NewEncryptor(cfg.Vault.EncryptionKey)
	if err != nil {
		logger.WithError(err).Fatal("Invalid vault encryption key")
	}

	registry := provider.BuildRegistry(&cfg.Providers)
	tokenVault := vault.New(credentialRepo, registry, encryptor, cfg.Vault.RefreshMargin)

	reconciler := sync.NewReconciler(accountRepo, transactionRepo)
	locks := storage.NewJobLock(redis.Client(), cfg.Sync.LockTTL)
	orchestrator := sync.NewOrchestrator(sync.OrchestratorDeps{
		Connections: connectionRepo,
		Staging:     stagingRepo,
		Cursors:     cursorRepo,
		Jobs:        jobRepo,
		Vault:       tokenVault,
		Registry:    registry,
		Reconciler:  reconciler,
		Locks:       locks,
	}, cfg.Sync)

	// one job may spend the full fetch and reconcile budget
	jobTimeout := cfg.Sync.FetchTimeout + cfg.Sync.ReconcileTimeout + time.Minute

	pool := worker.NewPool(cfg.Scheduler.WorkerCount, cfg.Scheduler.QueueSize, jobTimeout)
	pool.Start()

	scheduler := worker.NewScheduler(connectionRepo, orchestrator, pool, cfg.Scheduler)
	scheduler.Start()

	logger.Info("Auto-sync worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	scheduler.Stop()
	pool.Shutdown(30 * time.Second)
	logger.Info("Worker exited")
}
