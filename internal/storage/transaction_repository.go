package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/provider-sync/internal/models"
)

// TransactionRepository handles canonical transaction persistence. Amount and
// booked date are never updated here after insert; the reconciler enforces
// that invariant before calling in.
type TransactionRepository struct {
	db *PostgresDB
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *PostgresDB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Insert creates a canonical transaction. Returns false without error when a
// transaction with the same (connection_id, native_id) already exists.
func (r *TransactionRepository) Insert(ctx context.Context, transaction *models.Transaction) (bool, error) {
	query := `
		INSERT INTO transactions (
			id, tenant_id, connection_id, account_id, staged_transaction_id,
			native_id, amount, currency, booked_date, value_date, description,
			counterparty_name, status, category, removed_by_provider,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
		ON CONFLICT (connection_id, native_id) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query,
		transaction.ID,
		transaction.TenantID,
		transaction.ConnectionID,
		transaction.AccountID,
		transaction.StagedID,
		transaction.NativeID,
		transaction.Amount,
		transaction.Currency,
		transaction.BookedDate,
		transaction.ValueDate,
		transaction.Description,
		transaction.CounterpartyName,
		transaction.Status,
		transaction.Category,
		transaction.RemovedByProvider,
	)

	if err != nil {
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// GetByNativeID retrieves the canonical transaction for a provider-native ID.
// Returns nil without error when none exists.
func (r *TransactionRepository) GetByNativeID(ctx context.Context, connectionID uuid.UUID, nativeID string) (*models.Transaction, error) {
	query := `
		SELECT id, tenant_id, connection_id, account_id, staged_transaction_id,
			   native_id, amount, currency, booked_date, value_date, description,
			   counterparty_name, status, category, removed_by_provider,
			   created_at, updated_at
		FROM transactions
		WHERE connection_id = $1 AND native_id = $2
	`

	var transaction models.Transaction
	err := r.db.Pool().QueryRow(ctx, query, connectionID, nativeID).Scan(
		&transaction.ID,
		&transaction.TenantID,
		&transaction.ConnectionID,
		&transaction.AccountID,
		&transaction.StagedID,
		&transaction.NativeID,
		&transaction.Amount,
		&transaction.Currency,
		&transaction.BookedDate,
		&transaction.ValueDate,
		&transaction.Description,
		&transaction.CounterpartyName,
		&transaction.Status,
		&transaction.Category,
		&transaction.RemovedByProvider,
		&transaction.CreatedAt,
		&transaction.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	return &transaction, nil
}

// ListByAccount retrieves an account's transactions scoped to a tenant,
// newest booked first
func (r *TransactionRepository) ListByAccount(ctx context.Context, tenantID, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	query := `
		SELECT id, tenant_id, connection_id, account_id, staged_transaction_id,
			   native_id, amount, currency, booked_date, value_date, description,
			   counterparty_name, status, category, removed_by_provider,
			   created_at, updated_at
		FROM transactions
		WHERE account_id = $1 AND tenant_id = $2
		ORDER BY booked_date DESC, native_id
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, accountID, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var transactions []*models.Transaction
	for rows.Next() {
		var transaction models.Transaction
		err := rows.Scan(
			&transaction.ID,
			&transaction.TenantID,
			&transaction.ConnectionID,
			&transaction.AccountID,
			&transaction.StagedID,
			&transaction.NativeID,
			&transaction.Amount,
			&transaction.Currency,
			&transaction.BookedDate,
			&transaction.ValueDate,
			&transaction.Description,
			&transaction.CounterpartyName,
			&transaction.Status,
			&transaction.Category,
			&transaction.RemovedByProvider,
			&transaction.CreatedAt,
			&transaction.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, &transaction)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}

	return transactions, nil
}

// UpdateMutableFields applies a modified staged record's non-financial fields.
// Amount and booked date are deliberately absent from the SET list.
func (r *TransactionRepository) UpdateMutableFields(ctx context.Context, staged *models.StagedTransaction) error {
	query := `
		UPDATE transactions
		SET value_date = $3, description = $4, counterparty_name = $5,
			status = $6, category = NULLIF($7, ''), staged_transaction_id = $8,
			removed_by_provider = FALSE, updated_at = NOW()
		WHERE connection_id = $1 AND native_id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query,
		staged.ConnectionID,
		staged.NativeID,
		staged.ValueDate,
		staged.Description,
		staged.CounterpartyName,
		staged.Status,
		staged.Category,
		staged.ID,
	)

	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", staged.NativeID, ErrNotFound)
	}

	return nil
}

// FlagRemoved marks a transaction the provider no longer reports.
// The row is kept; removal is a visible flag, not a delete.
func (r *TransactionRepository) FlagRemoved(ctx context.Context, connectionID uuid.UUID, nativeID string) error {
	query := `
		UPDATE transactions
		SET removed_by_provider = TRUE, updated_at = NOW()
		WHERE connection_id = $1 AND native_id = $2
	`

	_, err := r.db.Pool().Exec(ctx, query, connectionID, nativeID)
	if err != nil {
		return fmt.Errorf("failed to flag transaction removed: %w", err)
	}

	return nil
}
