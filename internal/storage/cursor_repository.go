package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/provider-sync/internal/models"
)

// CursorRepository persists per-connection sync progress markers
type CursorRepository struct {
	db *PostgresDB
}

// NewCursorRepository creates a new cursor repository
func NewCursorRepository(db *PostgresDB) *CursorRepository {
	return &CursorRepository{db: db}
}

// Get retrieves the cursor for a connection. A connection that never synced
// gets a zero cursor, which callers treat as "fetch full history".
func (r *CursorRepository) Get(ctx context.Context, connectionID uuid.UUID) (*models.SyncCursor, error) {
	query := `
		SELECT connection_id, last_synced_at, page_token,
			   accounts_synced, transactions_added, transactions_modified,
			   transactions_removed, updated_at
		FROM sync_cursors
		WHERE connection_id = $1
	`

	var cursor models.SyncCursor
	err := r.db.Pool().QueryRow(ctx, query, connectionID).Scan(
		&cursor.ConnectionID,
		&cursor.LastSyncedAt,
		&cursor.PageToken,
		&cursor.AccountsSynced,
		&cursor.TransactionsAdded,
		&cursor.TransactionsModified,
		&cursor.TransactionsRemoved,
		&cursor.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.SyncCursor{ConnectionID: connectionID}, nil
		}
		return nil, fmt.Errorf("failed to get sync cursor: %w", err)
	}

	return &cursor, nil
}

// Advance moves the cursor forward and accumulates lifetime counters.
// GREATEST keeps last_synced_at monotonic even if a slow attempt lands after
// a faster one already advanced past it.
func (r *CursorRepository) Advance(ctx context.Context, cursor *models.SyncCursor) error {
	query := `
		INSERT INTO sync_cursors (
			connection_id, last_synced_at, page_token,
			accounts_synced, transactions_added, transactions_modified,
			transactions_removed, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (connection_id)
		DO UPDATE SET
			last_synced_at = GREATEST(sync_cursors.last_synced_at, EXCLUDED.last_synced_at),
			page_token = EXCLUDED.page_token,
			accounts_synced = sync_cursors.accounts_synced + EXCLUDED.accounts_synced,
			transactions_added = sync_cursors.transactions_added + EXCLUDED.transactions_added,
			transactions_modified = sync_cursors.transactions_modified + EXCLUDED.transactions_modified,
			transactions_removed = sync_cursors.transactions_removed + EXCLUDED.transactions_removed,
			updated_at = NOW()
	`

	_, err := r.db.Pool().Exec(ctx, query,
		cursor.ConnectionID,
		cursor.LastSyncedAt,
		cursor.PageToken,
		cursor.AccountsSynced,
		cursor.TransactionsAdded,
		cursor.TransactionsModified,
		cursor.TransactionsRemoved,
	)

	if err != nil {
		return fmt.Errorf("failed to advance sync cursor: %w", err)
	}

	return nil
}
