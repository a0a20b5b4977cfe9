package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/provider-sync/internal/models"
	"github.com/provider-sync/internal/types"
)

// ErrNotFound is returned when a record does not exist or belongs to a
// different tenant. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("record not found")

// ConnectionRepository handles provider connection persistence
type ConnectionRepository struct {
	db *PostgresDB
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db *PostgresDB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// Create creates a new connection record
func (r *ConnectionRepository) Create(ctx context.Context, conn *models.Connection) error {
	query := `
		INSERT INTO connections (
			id, tenant_id, provider, status,
			consecutive_failures, health_score, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`

	_, err := r.db.Pool().Exec(ctx, query,
		conn.ID,
		conn.TenantID,
		conn.Provider,
		conn.Status,
		conn.ConsecutiveFailures,
		conn.HealthScore,
	)

	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return nil
}

// GetByID retrieves a connection scoped to a tenant
func (r *ConnectionRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Connection, error) {
	query := `
		SELECT id, tenant_id, provider, status, last_success_at,
			   consecutive_failures, health_score, created_at, updated_at
		FROM connections
		WHERE id = $1 AND tenant_id = $2
	`

	return r.scanOne(r.db.Pool().QueryRow(ctx, query, id, tenantID))
}

// GetByIDUnscoped retrieves a connection without tenant scoping.
// Only background workers use this; API paths must use GetByID.
func (r *ConnectionRepository) GetByIDUnscoped(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	query := `
		SELECT id, tenant_id, provider, status, last_success_at,
			   consecutive_failures, health_score, created_at, updated_at
		FROM connections
		WHERE id = $1
	`

	return r.scanOne(r.db.Pool().QueryRow(ctx, query, id))
}

// ListByTenant retrieves all connections for a tenant
func (r *ConnectionRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.Connection, error) {
	query := `
		SELECT id, tenant_id, provider, status, last_success_at,
			   consecutive_failures, health_score, created_at, updated_at
		FROM connections
		WHERE tenant_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// ListDueForSync retrieves active connections whose last successful sync is
// older than the cutoff, oldest first. Connections that never synced sort
// before all others.
func (r *ConnectionRepository) ListDueForSync(ctx context.Context, cutoff time.Time, limit int) ([]*models.Connection, error) {
	query := `
		SELECT id, tenant_id, provider, status, last_success_at,
			   consecutive_failures, health_score, created_at, updated_at
		FROM connections
		WHERE status = $1
		  AND (last_success_at IS NULL OR last_success_at < $2)
		ORDER BY last_success_at ASC NULLS FIRST
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, types.ConnectionActive, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due connections: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// UpdateStatus transitions a connection's status
func (r *ConnectionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status types.ConnectionStatus) error {
	query := `
		UPDATE connections
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}

	return nil
}

// RecordSyncSuccess resets the failure streak and stamps the success time
func (r *ConnectionRepository) RecordSyncSuccess(ctx context.Context, id uuid.UUID, healthScore int) error {
	query := `
		UPDATE connections
		SET status = $2, consecutive_failures = 0, health_score = $3,
			last_success_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status != $4
	`

	// A revoked connection stays revoked even if an in-flight sync finishes.
	_, err := r.db.Pool().Exec(ctx, query, id, types.ConnectionActive, healthScore, types.ConnectionRevoked)
	if err != nil {
		return fmt.Errorf("failed to record sync success: %w", err)
	}

	return nil
}

// RecordSyncFailure increments the failure streak and flips the connection to
// error status once the streak reaches the threshold. Returns the new streak.
func (r *ConnectionRepository) RecordSyncFailure(ctx context.Context, id uuid.UUID, healthScore, failureThreshold int) (int, error) {
	query := `
		UPDATE connections
		SET consecutive_failures = consecutive_failures + 1,
			health_score = $2,
			status = CASE
				WHEN status = $3 THEN status
				WHEN consecutive_failures + 1 >= $4 THEN $5::text
				ELSE status
			END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_failures
	`

	var failures int
	err := r.db.Pool().QueryRow(ctx, query, id, healthScore,
		types.ConnectionRevoked, failureThreshold, types.ConnectionError).Scan(&failures)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("connection %s: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to record sync failure: %w", err)
	}

	return failures, nil
}

func (r *ConnectionRepository) scanOne(row pgx.Row) (*models.Connection, error) {
	var conn models.Connection

	err := row.Scan(
		&conn.ID,
		&conn.TenantID,
		&conn.Provider,
		&conn.Status,
		&conn.LastSuccessAt,
		&conn.ConsecutiveFailures,
		&conn.HealthScore,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	return &conn, nil
}

func (r *ConnectionRepository) scanMany(rows pgx.Rows) ([]*models.Connection, error) {
	var connections []*models.Connection
	for rows.Next() {
		var conn models.Connection
		err := rows.Scan(
			&conn.ID,
			&conn.TenantID,
			&conn.Provider,
			&conn.Status,
			&conn.LastSuccessAt,
			&conn.ConsecutiveFailures,
			&conn.HealthScore,
			&conn.CreatedAt,
			&conn.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		connections = append(connections, &conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}

	return connections, nil
}
