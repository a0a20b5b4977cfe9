package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/provider-sync/internal/config"
	syncerrors "github.com/provider-sync/internal/errors"
	"github.com/provider-sync/internal/logging"
	"github.com/provider-sync/internal/models"
	"github.com/provider-sync/internal/provider"
	"github.com/provider-sync/internal/retry"
	"github.com/provider-sync/internal/storage"
	"github.com/provider-sync/internal/types"
)

// ConnectionStore is the connection surface the orchestrator needs
type ConnectionStore interface {
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Connection, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status types.ConnectionStatus) error
	RecordSyncSuccess(ctx context.Context, id uuid.UUID, healthScore int) error
	RecordSyncFailure(ctx context.Context, id uuid.UUID, healthScore, failureThreshold int) (int, error)
}

// StagingStore merges fetched batches into the staging tables and classifies them
type StagingStore interface {
	StageAccounts(ctx context.Context, connectionID uuid.UUID, accounts []types.RawAccount) (*models.AccountDiff, error)
	StageTransactions(ctx context.Context, connectionID uuid.UUID, transactions []types.RawTransaction, window types.FetchWindow) (*models.TransactionDiff, error)
}

// CursorStore persists sync progress watermarks
type CursorStore interface {
	Get(ctx context.Context, connectionID uuid.UUID) (*models.SyncCursor, error)
	Advance(ctx context.Context, cursor *models.SyncCursor) error
}

// JobStore records sync job lifecycles
type JobStore interface {
	Start(ctx context.Context, job *models.SyncJob) error
	Finish(ctx context.Context, job *models.SyncJob) error
}

// TokenVault hands out valid access tokens and seeds new credentials
type TokenVault interface {
	GetValidToken(ctx context.Context, conn *models.Connection) (string, error)
	ForceRefresh(ctx context.Context, conn *models.Connection, rejectedToken string) (string, error)
	Seed(ctx context.Context, connectionID uuid.UUID, tokens *types.TokenSet) error
}

// Options controls what a sync run covers. The zero value syncs nothing;
// DefaultOptions is the usual full incremental sync.
type Options struct {
	Trigger          types.SyncTrigger
	SyncAccounts     bool
	SyncTransactions bool
	DateRangeStart   time.Time // overrides the cursor-derived window start
	DateRangeEnd     time.Time // zero means open-ended
}

// DefaultOptions returns a full manual sync
func DefaultOptions() Options {
	return Options{
		Trigger:          types.TriggerManual,
		SyncAccounts:     true,
		SyncTransactions: true,
	}
}

// SyncSummary is the caller-facing outcome of one sync run
type SyncSummary struct {
	JobID               uuid.UUID `json:"jobId"`
	AccountsSynced      int       `json:"accountsSynced"`
	AccountsCreated     int       `json:"accountsCreated"`
	TransactionsSynced  int       `json:"transactionsSynced"`
	TransactionsAdded   int       `json:"transactionsAdded"`
	TransactionsUpdated int       `json:"transactionsUpdated"`
	TransactionsRemoved int       `json:"transactionsRemoved"`
	DurationMs          int64     `json:"durationMs"`
	Errors              []string  `json:"errors,omitempty"`
	Warnings            []string  `json:"warnings,omitempty"`
}

// OrchestratorDeps bundles the orchestrator's collaborators
type OrchestratorDeps struct {
	Connections ConnectionStore
	Staging     StagingStore
	Cursors     CursorStore
	Jobs        JobStore
	Vault       TokenVault
	Registry    *provider.Registry
	Reconciler  *Reconciler
	Locks       *storage.JobLock
}

// Orchestrator sequences the sync pipeline for one connection at a time:
// lock, token, fetch, stage, reconcile, advance cursor, finalize. It is the
// only write path into the canonical model.
type Orchestrator struct {
	connections ConnectionStore
	staging     StagingStore
	cursors     CursorStore
	jobs        JobStore
	vault       TokenVault
	registry    *provider.Registry
	reconciler  *Reconciler
	locks       *storage.JobLock
	cfg         config.SyncConfig
	retryConfig *retry.Config
}

// NewOrchestrator creates a sync orchestrator
func NewOrchestrator(deps OrchestratorDeps, cfg config.SyncConfig) *Orchestrator {
	retryConfig := retry.DefaultConfig()
	if cfg.MaxRetryAttempts > 0 {
		retryConfig.MaxAttempts = cfg.MaxRetryAttempts
	}

	return &Orchestrator{
		connections: deps.Connections,
		staging:     deps.Staging,
		cursors:     deps.Cursors,
		jobs:        deps.Jobs,
		vault:       deps.Vault,
		registry:    deps.Registry,
		reconciler:  deps.Reconciler,
		locks:       deps.Locks,
		cfg:         cfg,
		retryConfig: retryConfig,
	}
}

// RunSync executes one tracked sync attempt for a connection. Concurrent
// calls for the same connection return ErrAlreadyInProgress; the first caller
// proceeds alone. The cursor only advances when the whole pipeline succeeds.
func (o *Orchestrator) RunSync(ctx context.Context, tenantID, connectionID uuid.UUID, opts Options) (*SyncSummary, error) {
	conn, err := o.connections.GetByID(ctx, tenantID, connectionID)
	if err != nil {
		return nil, err
	}

	if conn.Status != types.ConnectionActive {
		return nil, fmt.Errorf("connection %s has status %q and cannot sync", conn.ID, conn.Status)
	}

	handle, err := o.locks.Acquire(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Release must happen on every exit path, even when ctx is done.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := handle.Release(releaseCtx); rerr != nil {
			logging.FromContext(ctx).WithError(rerr).
				WithField(logging.FieldConnectionID, conn.ID.String()).
				Error("failed to release sync lock")
		}
	}()

	job := &models.SyncJob{
		ID:           uuid.New(),
		ConnectionID: conn.ID,
		TenantID:     conn.TenantID,
		Trigger:      opts.Trigger,
	}
	if err := o.jobs.Start(ctx, job); err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		logging.FieldTenantID:     conn.TenantID.String(),
		logging.FieldConnectionID: conn.ID.String(),
		logging.FieldProvider:     string(conn.Provider),
		logging.FieldJobID:        job.ID.String(),
	})
	ctx = logging.WithLogger(ctx, logger)
	logger.WithField("trigger", string(opts.Trigger)).Info("sync started")

	start := time.Now()
	summary, runErr := o.runPipeline(ctx, conn, job, opts)
	if summary == nil {
		summary = &SyncSummary{}
	}
	summary.JobID = job.ID
	summary.DurationMs = time.Since(start).Milliseconds()

	if runErr != nil {
		o.finalizeFailure(ctx, conn, job, summary, runErr)
		return summary, runErr
	}

	o.finalizeSuccess(ctx, conn, job, summary)
	return summary, nil
}

// CompleteAuthorization exchanges an OAuth authorization code, seeds the
// credential vault, activates the connection, and kicks off the initial sync
// in the background. This is the only bridge between the external
// authorization flow and the sync core.
func (o *Orchestrator) CompleteAuthorization(ctx context.Context, tenantID, connectionID uuid.UUID, code string) error {
	conn, err := o.connections.GetByID(ctx, tenantID, connectionID)
	if err != nil {
		return err
	}
	if conn.Status == types.ConnectionRevoked {
		return fmt.Errorf("connection %s is revoked", conn.ID)
	}

	adapter, err := o.registry.Get(conn.Provider)
	if err != nil {
		return err
	}

	tokens, err := adapter.ExchangeAuthorizationCode(ctx, code)
	if err != nil {
		return err
	}

	if err := o.vault.Seed(ctx, conn.ID, tokens); err != nil {
		return err
	}

	if err := o.connections.UpdateStatus(ctx, conn.ID, types.ConnectionActive); err != nil {
		return err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		logging.FieldConnectionID: conn.ID.String(),
		logging.FieldProvider:     string(conn.Provider),
	}).Info("authorization completed, scheduling initial sync")

	go func() {
		bg := context.WithoutCancel(ctx)
		opts := DefaultOptions()
		opts.Trigger = types.TriggerInitial
		if _, err := o.RunSync(bg, tenantID, connectionID, opts); err != nil &&
			!errors.Is(err, syncerrors.ErrAlreadyInProgress) {
			logging.FromContext(bg).WithError(err).
				WithField(logging.FieldConnectionID, connectionID.String()).
				Error("initial sync failed")
		}
	}()

	return nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, conn *models.Connection, job *models.SyncJob, opts Options) (*SyncSummary, error) {
	summary := &SyncSummary{}
	syncStartedAt := time.Now().UTC()

	cursor, err := o.cursors.Get(ctx, conn.ID)
	if err != nil {
		return summary, err
	}

	window := types.FetchWindow{Start: opts.DateRangeStart, End: opts.DateRangeEnd}
	if window.Start.IsZero() {
		// A zero cursor keeps the window open: first sync fetches full history.
		window.Start = cursor.LastSyncedAt
	}

	token, err := o.vault.GetValidToken(ctx, conn)
	if err != nil {
		return summary, err
	}

	adapter, err := o.registry.Get(conn.Provider)
	if err != nil {
		return summary, err
	}

	accounts, transactions, err := o.fetch(ctx, conn, adapter, &token, window, opts)
	if err != nil {
		return summary, err
	}
	job.Fetched = len(accounts) + len(transactions)

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.ReconcileTimeout)
	defer cancel()

	cursorUpdate := &models.SyncCursor{
		ConnectionID: conn.ID,
		LastSyncedAt: syncStartedAt,
	}

	if opts.SyncAccounts {
		diff, err := o.staging.StageAccounts(stageCtx, conn.ID, accounts)
		if err != nil {
			return summary, stageError(stageCtx, "staging accounts", err)
		}

		result, err := o.reconciler.ReconcileAccounts(stageCtx, conn, diff)
		if err != nil {
			return summary, stageError(stageCtx, "reconciling accounts", err)
		}

		summary.AccountsSynced = len(accounts)
		summary.AccountsCreated = result.Imported
		summary.Warnings = append(summary.Warnings, result.Warnings...)
		cursorUpdate.AccountsSynced = int64(len(accounts))
		job.Processed += len(diff.Added) + len(diff.Modified) + len(diff.Removed) + diff.UnchangedCount
		job.Imported += result.Imported
		job.Skipped += result.Skipped + diff.UnchangedCount
	}

	if opts.SyncTransactions {
		diff, err := o.staging.StageTransactions(stageCtx, conn.ID, transactions, window)
		if err != nil {
			return summary, stageError(stageCtx, "staging transactions", err)
		}

		result, err := o.reconciler.ReconcileTransactions(stageCtx, conn, diff)
		if err != nil {
			return summary, stageError(stageCtx, "reconciling transactions", err)
		}

		summary.TransactionsSynced = diff.Total()
		summary.TransactionsAdded = result.Imported
		summary.TransactionsUpdated = result.Updated
		summary.TransactionsRemoved = result.Removed
		summary.Warnings = append(summary.Warnings, result.Warnings...)
		cursorUpdate.TransactionsAdded = int64(result.Imported)
		cursorUpdate.TransactionsModified = int64(result.Updated)
		cursorUpdate.TransactionsRemoved = int64(result.Removed)
		job.Processed += len(diff.Added) + len(diff.Modified) + len(diff.Removed) + diff.UnchangedCount
		job.Imported += result.Imported
		job.Skipped += result.Skipped + diff.UnchangedCount
	}

	// Only a fully successful pipeline advances the watermark. Warnings do
	// not block: the batch succeeded even if some records need review.
	if err := o.cursors.Advance(ctx, cursorUpdate); err != nil {
		return summary, err
	}

	return summary, nil
}

// fetch retrieves accounts and all transaction pages inside the fetch budget
func (o *Orchestrator) fetch(ctx context.Context, conn *models.Connection, adapter provider.Adapter, token *string, window types.FetchWindow, opts Options) ([]types.RawAccount, []types.RawTransaction, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	var accounts []types.RawAccount
	if opts.SyncAccounts {
		err := o.callProvider(fetchCtx, conn, token, func(accessToken string) error {
			fetched, ferr := adapter.FetchAccounts(fetchCtx, accessToken)
			if ferr != nil {
				return ferr
			}
			accounts = fetched
			return nil
		})
		if err != nil {
			return nil, nil, fetchError(fetchCtx, err)
		}
	}

	var transactions []types.RawTransaction
	if opts.SyncTransactions {
		pageToken := ""
		for {
			var page *provider.TransactionPage
			err := o.callProvider(fetchCtx, conn, token, func(accessToken string) error {
				fetched, ferr := adapter.FetchTransactions(fetchCtx, accessToken, window, pageToken)
				if ferr != nil {
					return ferr
				}
				page = fetched
				return nil
			})
			if err != nil {
				return nil, nil, fetchError(fetchCtx, err)
			}

			transactions = append(transactions, page.Transactions...)
			if page.NextPageToken == "" {
				break
			}
			pageToken = page.NextPageToken
		}
	}

	return accounts, transactions, nil
}

// callProvider invokes a provider call with the retry policy: rate limits
// back off exponentially (honoring Retry-After) up to the attempt budget; a
// rejected token triggers exactly one forced refresh and re-call per sync.
func (o *Orchestrator) callProvider(ctx context.Context, conn *models.Connection, token *string, call func(accessToken string) error) error {
	refreshed := false

	result := retry.WithExponentialBackoff(ctx, o.retryConfig,
		syncerrors.IsRateLimited,
		syncerrors.RetryAfterOf,
		func(ctx context.Context, attempt int) error {
			err := call(*token)
			if err == nil || !syncerrors.IsAuth(err) || refreshed {
				return err
			}

			refreshed = true
			fresh, rerr := o.vault.ForceRefresh(ctx, conn, *token)
			if rerr != nil {
				return rerr
			}
			*token = fresh
			return call(*token)
		})

	if result.Success {
		return nil
	}
	return result.LastError
}

func (o *Orchestrator) finalizeSuccess(ctx context.Context, conn *models.Connection, job *models.SyncJob, summary *SyncSummary) {
	logger := logging.FromContext(ctx)

	job.Status = types.JobCompleted
	if len(summary.Warnings) > 0 {
		job.Status = types.JobPartial
	}
	job.Warnings = summary.Warnings

	if err := o.jobs.Finish(ctx, job); err != nil {
		logger.WithError(err).Error("failed to finalize sync job")
	}

	now := time.Now().UTC()
	score := ComputeHealthScore(0, &now, now)
	if err := o.connections.RecordSyncSuccess(ctx, conn.ID, score); err != nil {
		logger.WithError(err).Error("failed to record sync success")
	}

	logger.WithFields(map[string]interface{}{
		"status":       string(job.Status),
		"accounts":     summary.AccountsSynced,
		"transactions": summary.TransactionsSynced,
		"warnings":     len(summary.Warnings),
		"durationMs":   summary.DurationMs,
	}).Info("sync finished")
}

func (o *Orchestrator) finalizeFailure(ctx context.Context, conn *models.Connection, job *models.SyncJob, summary *SyncSummary, runErr error) {
	logger := logging.FromContext(ctx)

	message := runErr.Error()
	summary.Errors = append(summary.Errors, message)
	job.Status = types.JobFailed
	job.ErrorMessage = &message
	job.Failed = job.Fetched - job.Imported - job.Skipped
	if job.Failed < 0 {
		job.Failed = 0
	}

	if err := o.jobs.Finish(ctx, job); err != nil {
		logger.WithError(err).Error("failed to finalize sync job")
	}

	now := time.Now().UTC()
	score := ComputeHealthScore(conn.ConsecutiveFailures+1, conn.LastSuccessAt, now)
	failures, err := o.connections.RecordSyncFailure(ctx, conn.ID, score, o.cfg.FailureThreshold)
	if err != nil {
		logger.WithError(err).Error("failed to record sync failure")
	}

	// An unrefreshable credential needs an external reconnect; the failure
	// streak is irrelevant at that point.
	if syncerrors.IsCredentialExpired(runErr) {
		if err := o.connections.UpdateStatus(ctx, conn.ID, types.ConnectionError); err != nil {
			logger.WithError(err).Error("failed to transition connection to error status")
		}
	}

	logger.WithError(runErr).WithFields(map[string]interface{}{
		"consecutiveFailures": failures,
		"errorKind":           string(syncerrors.KindOf(runErr)),
	}).Error("sync failed")
}

func fetchError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return syncerrors.NewTimeoutError("fetch", err)
	}
	return err
}

func stageError(ctx context.Context, stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return syncerrors.NewTimeoutError(stage, err)
	}
	return err
}
