// Package main provides a one-shot CLI that runs a sync for a single
// connection and prints the resulting summary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/provider-sync/internal/config"
	"github.com/provider-sync/internal/logging"
	"github.com/provider-sync/internal/provider"
	"github.com/provider-sync/internal/storage"
	"github.com/provider-sync/internal/sync"
	"github.com/provider-sync/internal/types"
	"github.com/provider-sync/internal/vault"
)

func main() {
	var (
		tenantFlag       = flag.String("tenant", "", "Tenant ID (required)")
		connectionFlag   = flag.String("connection", "", "Connection ID (required)")
		accountsFlag     = flag.Bool("accounts", true, "Sync accounts")
		transactionsFlag = flag.Bool("transactions", true, "Sync transactions")
		fromFlag         = flag.String("from", "", "Fetch window start (RFC 3339), overrides the cursor")
		toFlag           = flag.String("to", "", "Fetch window end (RFC 3339)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()

	tenantID, err := uuid.Parse(*tenantFlag)
	if err != nil {
		logger.Fatal("A valid -tenant is required")
	}
	connectionID, err := uuid.Parse(*connectionFlag)
	if err != nil {
		logger.Fatal("A valid -connection is required")
	}

	opts := sync.Options{
		Trigger:          types.TriggerManual,
		SyncAccounts:     *accountsFlag,
		SyncTransactions: *transactionsFlag,
	}
	if *fromFlag != "" {
		start, err := time.Parse(time.RFC3339, *fromFlag)
		if err != nil {
			logger.WithError(err).Fatal("Invalid -from value")
		}
		opts.DateRangeStart = start
	}
	if *toFlag != "" {
		end, err := time.Parse(time.RFC3339, *toFlag)
		if err != nil {
			logger.WithError(err).Fatal("Invalid -to value")
		}
		opts.DateRangeEnd = end
	}

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

	orchestrator := sync.NewOrchestrator(sync.OrchestratorDeps{
		Connections: connectionRepo,
		Staging:     stagingRepo,
		Cursors:     cursorRepo,
		Jobs:        jobRepo,
		Vault:       tokenVault,
		Registry:    registry,
		Reconciler:  sync.NewReconciler(accountRepo, transactionRepo),
		Locks:       storage.NewJobLock(redis.Client(), cfg.Sync.LockTTL),
	}, cfg.Sync)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Sync.FetchTimeout+cfg.Sync.ReconcileTimeout+time.Minute)
	defer cancel()

	summary, err := orchestrator.RunSync(ctx, tenantID, connectionID, opts)
	if err != nil {
		logger.WithError(err).Fatal("Sync failed")
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(summary); err != nil {
		logger.WithError(err).Fatal("Failed to print summary")
	}
}
