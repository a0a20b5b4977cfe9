// Package main provides the API server entry point for the provider sync
// service.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/provider-sync/internal/api"
	"github.com/provider-sync/internal/config"
	"github.com/provider-sync/internal/logging"
	"github.com/provider-sync/internal/provider"
	"github.com/provider-sync/internal/storage"
	"github.com/provider-sync/internal/sync"
	"github.com/provider-sync/internal/vault"
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

	logger.Info("Connecting to databases...")

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

	logger.Info("Database connections established")

	// repositories
	connectionRepo := storage.NewConnectionRepository(postgres)
	credentialRepo := storage.NewCredentialRepository(postgres)
	stagingRepo := storage.NewStagingRepository(postgres)
	accountRepo := storage.NewAccountRepository(postgres)
	transactionRepo := storage.NewTransactionRepository(postgres)
	cursorRepo := storage.NewCursorRepository(postgres)
	jobRepo := storage.NewSyncJobRepository(postgres)

	// credential vault
	encryptor, err := vault.NewEncryptor(cfg.Vault.EncryptionKey)
	if err != nil {
		logger.WithError(err).Fatal("Invalid vault encryption key")
	}

	registry := provider.BuildRegistry(&cfg.Providers)
	logger.WithField("providers", registry.Names()).Info("Provider adapters initialized")

	tokenVault := vault.New(credentialRepo, registry, encryptor, cfg.Vault.RefreshMargin)

	// sync pipeline
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

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    6 * time.Minute, // sync triggers run inline
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RateLimitRPS:    10,
		RateLimitBurst:  20,
	}

	server := api.NewServer(serverConfig, connectionRepo, jobRepo, stagingRepo, orchestrator, registry)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
