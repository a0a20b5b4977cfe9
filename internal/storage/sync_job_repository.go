package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/provider-sync/internal/models"
	"github.com/provider-sync/internal/types"
)

// SyncJobRepository records tracked sync attempts. A job row is immutable
// once its status is terminal; Finish refuses to touch a finished row.
type SyncJobRepository struct {
	db *PostgresDB
}

// NewSyncJobRepository creates a new sync job repository
func NewSyncJobRepository(db *PostgresDB) *SyncJobRepository {
	return &SyncJobRepository{db: db}
}

// Start records a new running job
func (r *SyncJobRepository) Start(ctx context.Context, job *models.SyncJob) error {
	query := `
		INSERT INTO sync_jobs (
			id, connection_id, tenant_id, trigger, status, started_at
		)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING started_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		job.ID,
		job.ConnectionID,
		job.TenantID,
		job.Trigger,
		types.JobRunning,
	).Scan(&job.StartedAt)

	if err != nil {
		return fmt.Errorf("failed to start sync job: %w", err)
	}

	job.Status = types.JobRunning
	return nil
}

// Finish transitions a running job to a terminal status with its counters.
// Finishing an already terminal job is an error.
func (r *SyncJobRepository) Finish(ctx context.Context, job *models.SyncJob) error {
	if !job.Status.IsTerminal() {
		return fmt.Errorf("cannot finish job %s with non-terminal status %q", job.ID, job.Status)
	}

	query := `
		UPDATE sync_jobs
		SET status = $2, fetched = $3, processed = $4, imported = $5,
			skipped = $6, failed = $7, error_message = $8, warnings = $9,
			completed_at = NOW()
		WHERE id = $1 AND status = $10
		RETURNING completed_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		job.ID,
		job.Status,
		job.Fetched,
		job.Processed,
		job.Imported,
		job.Skipped,
		job.Failed,
		job.ErrorMessage,
		job.Warnings,
		types.JobRunning,
	).Scan(&job.CompletedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("sync job %s is not running", job.ID)
		}
		return fmt.Errorf("failed to finish sync job: %w", err)
	}

	return nil
}

// GetByID retrieves a job scoped to a tenant
func (r *SyncJobRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.SyncJob, error) {
	query := `
		SELECT id, connection_id, tenant_id, trigger, status,
			   fetched, processed, imported, skipped, failed,
			   error_message, warnings, started_at, completed_at
		FROM sync_jobs
		WHERE id = $1 AND tenant_id = $2
	`

	return r.scanOne(r.db.Pool().QueryRow(ctx, query, id, tenantID))
}

// GetLatest retrieves the most recently started job for a connection
func (r *SyncJobRepository) GetLatest(ctx context.Context, tenantID, connectionID uuid.UUID) (*models.SyncJob, error) {
	query := `
		SELECT id, connection_id, tenant_id, trigger, status,
			   fetched, processed, imported, skipped, failed,
			   error_message, warnings, started_at, completed_at
		FROM sync_jobs
		WHERE connection_id = $1 AND tenant_id = $2
		ORDER BY started_at DESC
		LIMIT 1
	`

	return r.scanOne(r.db.Pool().QueryRow(ctx, query, connectionID, tenantID))
}

// ListByConnection retrieves a connection's job history, newest first
func (r *SyncJobRepository) ListByConnection(ctx context.Context, tenantID, connectionID uuid.UUID, limit int) ([]*models.SyncJob, error) {
	query := `
		SELECT id, connection_id, tenant_id, trigger, status,
			   fetched, processed, imported, skipped, failed,
			   error_message, warnings, started_at, completed_at
		FROM sync_jobs
		WHERE connection_id = $1 AND tenant_id = $2
		ORDER BY started_at DESC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, connectionID, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		var job models.SyncJob
		err := rows.Scan(
			&job.ID,
			&job.ConnectionID,
			&job.TenantID,
			&job.Trigger,
			&job.Status,
			&job.Fetched,
			&job.Processed,
			&job.Imported,
			&job.Skipped,
			&job.Failed,
			&job.ErrorMessage,
			&job.Warnings,
			&job.StartedAt,
			&job.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync jobs: %w", err)
	}

	return jobs, nil
}

func (r *SyncJobRepository) scanOne(row pgx.Row) (*models.SyncJob, error) {
	var job models.SyncJob

	err := row.Scan(
		&job.ID,
		&job.ConnectionID,
		&job.TenantID,
		&job.Trigger,
		&job.Status,
		&job.Fetched,
		&job.Processed,
		&job.Imported,
		&job.Skipped,
		&job.Failed,
		&job.ErrorMessage,
		&job.Warnings,
		&job.StartedAt,
		&job.CompletedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sync job: %w", err)
	}

	return &job, nil
}
