package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/provider-sync/internal/models"
)

// AccountRepository handles canonical account persistence
type AccountRepository struct {
	db *PostgresDB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *PostgresDB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Insert creates a canonical account. Returns false without error when an
// account with the same (connection_id, native_id) already exists, so a
// re-delivered staged record is an acknowledged no-op.
func (r *AccountRepository) Insert(ctx context.Context, account *models.Account) (bool, error) {
	query := `
		INSERT INTO accounts (
			id, tenant_id, connection_id, staged_account_id, native_id,
			name, currency, balance, active, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (connection_id, native_id) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query,
		account.ID,
		account.TenantID,
		account.ConnectionID,
		account.StagedID,
		account.NativeID,
		account.Name,
		account.Currency,
		account.Balance,
		account.Active,
	)

	if err != nil {
		return false, fmt.Errorf("failed to insert account: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// GetByNativeID retrieves the canonical account for a provider-native ID.
// Returns nil without error when none exists.
func (r *AccountRepository) GetByNativeID(ctx context.Context, connectionID uuid.UUID, nativeID string) (*models.Account, error) {
	query := `
		SELECT id, tenant_id, connection_id, staged_account_id, native_id,
			   name, currency, balance, active, created_at, updated_at
		FROM accounts
		WHERE connection_id = $1 AND native_id = $2
	`

	var account models.Account
	err := r.db.Pool().QueryRow(ctx, query, connectionID, nativeID).Scan(
		&account.ID,
		&account.TenantID,
		&account.ConnectionID,
		&account.StagedID,
		&account.NativeID,
		&account.Name,
		&account.Currency,
		&account.Balance,
		&account.Active,
		&account.CreatedAt,
		&account.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &account, nil
}

// GetByID retrieves an account scoped to a tenant
func (r *AccountRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Account, error) {
	query := `
		SELECT id, tenant_id, connection_id, staged_account_id, native_id,
			   name, currency, balance, active, created_at, updated_at
		FROM accounts
		WHERE id = $1 AND tenant_id = $2
	`

	var account models.Account
	err := r.db.Pool().QueryRow(ctx, query, id, tenantID).Scan(
		&account.ID,
		&account.TenantID,
		&account.ConnectionID,
		&account.StagedID,
		&account.NativeID,
		&account.Name,
		&account.Currency,
		&account.Balance,
		&account.Active,
		&account.CreatedAt,
		&account.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &account, nil
}

// ListByConnection retrieves a connection's accounts scoped to a tenant
func (r *AccountRepository) ListByConnection(ctx context.Context, tenantID, connectionID uuid.UUID) ([]*models.Account, error) {
	query := `
		SELECT id, tenant_id, connection_id, staged_account_id, native_id,
			   name, currency, balance, active, created_at, updated_at
		FROM accounts
		WHERE connection_id = $1 AND tenant_id = $2
		ORDER BY created_at
	`

	rows, err := r.db.Pool().Query(ctx, query, connectionID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		var account models.Account
		err := rows.Scan(
			&account.ID,
			&account.TenantID,
			&account.ConnectionID,
			&account.StagedID,
			&account.NativeID,
			&account.Name,
			&account.Currency,
			&account.Balance,
			&account.Active,
			&account.CreatedAt,
			&account.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, &account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}

	return accounts, nil
}

// UpdateFromStaged applies a modified staged record to the canonical account
func (r *AccountRepository) UpdateFromStaged(ctx context.Context, staged *models.StagedAccount) error {
	query := `
		UPDATE accounts
		SET name = $3, currency = $4, balance = $5, active = TRUE,
			staged_account_id = $6, updated_at = NOW()
		WHERE connection_id = $1 AND native_id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query,
		staged.ConnectionID,
		staged.NativeID,
		staged.DisplayName,
		staged.Currency,
		staged.Balance,
		staged.ID,
	)

	if err != nil {
		return fmt.Errorf("failed to update account from staging: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", staged.NativeID, ErrNotFound)
	}

	return nil
}

// MarkInactive deactivates an account the provider no longer reports.
// The row and its transactions stay for the audit trail.
func (r *AccountRepository) MarkInactive(ctx context.Context, connectionID uuid.UUID, nativeID string) error {
	query := `
		UPDATE accounts
		SET active = FALSE, updated_at = NOW()
		WHERE connection_id = $1 AND native_id = $2
	`

	_, err := r.db.Pool().Exec(ctx, query, connectionID, nativeID)
	if err != nil {
		return fmt.Errorf("failed to mark account inactive: %w", err)
	}

	return nil
}
