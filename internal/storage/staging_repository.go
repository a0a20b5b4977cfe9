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

// StagingRepository handles the append-only staging tables. Staged rows are
// the raw audit trail of what each provider reported; they are appended or
// updated in place, never deleted.
type StagingRepository struct {
	db *PostgresDB
}

// NewStagingRepository creates a new staging repository
func NewStagingRepository(db *PostgresDB) *StagingRepository {
	return &StagingRepository{db: db}
}

// StageAccounts merges a fetched account batch into staging and classifies
// each record against prior state. Accounts present in staging but absent
// from the batch are marked removed: FetchAccounts always returns the full
// visible set, so absence is authoritative.
func (r *StagingRepository) StageAccounts(ctx context.Context, connectionID uuid.UUID, accounts []types.RawAccount) (*models.AccountDiff, error) {
	seenAt := time.Now().UTC()
	diff := &models.AccountDiff{}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin staging transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := range accounts {
		account := &accounts[i]

		existing, err := r.getStagedAccount(ctx, tx, connectionID, account.NativeID)
		if err != nil {
			return nil, err
		}

		if existing == nil {
			staged, err := r.insertStagedAccount(ctx, tx, connectionID, account, seenAt)
			if err != nil {
				return nil, err
			}
			diff.Added = append(diff.Added, staged)
			continue
		}

		if accountUnchanged(existing, account) {
			query := `UPDATE staged_accounts SET last_seen_at = $2 WHERE id = $1`
			if _, err := tx.Exec(ctx, query, existing.ID, seenAt); err != nil {
				return nil, fmt.Errorf("failed to touch staged account: %w", err)
			}
			existing.LastSeenAt = seenAt

			imported, err := r.canonicalAccountExists(ctx, tx, connectionID, account.NativeID)
			if err != nil {
				return nil, err
			}
			if !imported {
				// staged by an earlier attempt whose import never landed;
				// re-deliver so the reconciler can import it
				diff.Added = append(diff.Added, existing)
				continue
			}

			diff.UnchangedCount++
			continue
		}

		staged, err := r.updateStagedAccount(ctx, tx, existing.ID, account, seenAt)
		if err != nil {
			return nil, err
		}
		diff.Modified = append(diff.Modified, staged)
	}

	removed, err := r.markRemovedAccounts(ctx, tx, connectionID, seenAt)
	if err != nil {
		return nil, err
	}
	diff.Removed = removed

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit staging transaction: %w", err)
	}

	return diff, nil
}

// StageTransactions merges a fetched transaction batch into staging. Removal
// is only inferred for staged rows whose booked date falls inside the fetch
// window; rows outside it were simply not fetched this time.
func (r *StagingRepository) StageTransactions(ctx context.Context, connectionID uuid.UUID, transactions []types.RawTransaction, window types.FetchWindow) (*models.TransactionDiff, error) {
	seenAt := time.Now().UTC()
	diff := &models.TransactionDiff{}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin staging transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := range transactions {
		record := &transactions[i]

		existing, err := r.getStagedTransaction(ctx, tx, connectionID, record.NativeID)
		if err != nil {
			return nil, err
		}

		if existing == nil {
			staged, err := r.insertStagedTransaction(ctx, tx, connectionID, record, seenAt)
			if err != nil {
				return nil, err
			}
			diff.Added = append(diff.Added, staged)
			continue
		}

		if transactionUnchanged(existing, record) {
			query := `UPDATE staged_transactions SET last_seen_at = $2 WHERE id = $1`
			if _, err := tx.Exec(ctx, query, existing.ID, seenAt); err != nil {
				return nil, fmt.Errorf("failed to touch staged transaction: %w", err)
			}
			existing.LastSeenAt = seenAt

			imported, err := r.canonicalTransactionExists(ctx, tx, connectionID, record.NativeID)
			if err != nil {
				return nil, err
			}
			if !imported {
				// staged by an earlier attempt whose import never landed;
				// re-deliver so the reconciler can import it
				diff.Added = append(diff.Added, existing)
				continue
			}

			diff.UnchangedCount++
			continue
		}

		staged, err := r.updateStagedTransaction(ctx, tx, existing.ID, record, seenAt)
		if err != nil {
			return nil, err
		}
		diff.Modified = append(diff.Modified, staged)
	}

	removed, err := r.markRemovedTransactions(ctx, tx, connectionID, window, seenAt)
	if err != nil {
		return nil, err
	}
	diff.Removed = removed

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit staging transaction: %w", err)
	}

	return diff, nil
}

func (r *StagingRepository) getStagedAccount(ctx context.Context, tx pgx.Tx, connectionID uuid.UUID, nativeID string) (*models.StagedAccount, error) {
	query := `
		SELECT id, connection_id, native_id, display_name, currency, balance,
			   status, payload, first_seen_at, last_seen_at, marked_removed_at
		FROM staged_accounts
		WHERE connection_id = $1 AND native_id = $2
	`

	var staged models.StagedAccount
	err := tx.QueryRow(ctx, query, connectionID, nativeID).Scan(
		&staged.ID,
		&staged.ConnectionID,
		&staged.NativeID,
		&staged.DisplayName,
		&staged.Currency,
		&staged.Balance,
		&staged.Status,
		&staged.Payload,
		&staged.FirstSeenAt,
		&staged.LastSeenAt,
		&staged.MarkedRemovedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get staged account: %w", err)
	}

	return &staged, nil
}

func (r *StagingRepository) insertStagedAccount(ctx context.Context, tx pgx.Tx, connectionID uuid.UUID, account *types.RawAccount, seenAt time.Time) (*models.StagedAccount, error) {
	query := `
		INSERT INTO staged_accounts (
			connection_id, native_id, display_name, currency, balance,
			status, payload, first_seen_at, last_seen_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING id
	`

	staged := &models.StagedAccount{
		ConnectionID: connectionID,
		NativeID:     account.NativeID,
		DisplayName:  account.DisplayName,
		Currency:     account.Currency,
		Balance:      account.Balance,
		Status:       account.Status,
		Payload:      account.Payload,
		FirstSeenAt:  seenAt,
		LastSeenAt:   seenAt,
	}

	err := tx.QueryRow(ctx, query,
		connectionID,
		account.NativeID,
		account.DisplayName,
		account.Currency,
		account.Balance,
		account.Status,
		account.Payload,
		seenAt,
	).Scan(&staged.ID)

	if err != nil {
		return nil, fmt.Errorf("failed to insert staged account: %w", err)
	}

	return staged, nil
}

func (r *StagingRepository) updateStagedAccount(ctx context.Context, tx pgx.Tx, id int64, account *types.RawAccount, seenAt time.Time) (*models.StagedAccount, error) {
	query := `
		UPDATE staged_accounts
		SET display_name = $2, currency = $3, balance = $4, status = $5,
			payload = $6, last_seen_at = $7, marked_removed_at = NULL
		WHERE id = $1
		RETURNING connection_id, first_seen_at
	`

	staged := &models.StagedAccount{
		ID:          id,
		NativeID:    account.NativeID,
		DisplayName: account.DisplayName,
		Currency:    account.Currency,
		Balance:     account.Balance,
		Status:      account.Status,
		Payload:     account.Payload,
		LastSeenAt:  seenAt,
	}

	err := tx.QueryRow(ctx, query,
		id,
		account.DisplayName,
		account.Currency,
		account.Balance,
		account.Status,
		account.Payload,
		seenAt,
	).Scan(&staged.ConnectionID, &staged.FirstSeenAt)

	if err != nil {
		return nil, fmt.Errorf("failed to update staged account: %w", err)
	}

	return staged, nil
}

func (r *StagingRepository) markRemovedAccounts(ctx context.Context, tx pgx.Tx, connectionID uuid.UUID, seenAt time.Time) ([]*models.StagedAccount, error) {
	query := `
		UPDATE staged_accounts
		SET marked_removed_at = $2
		WHERE connection_id = $1 AND last_seen_at < $2 AND marked_removed_at IS NULL
		RETURNING id, connection_id, native_id, display_name, currency, balance,
				  status, payload, first_seen_at, last_seen_at, marked_removed_at
	`

	rows, err := tx.Query(ctx, query, connectionID, seenAt)
	if err != nil {
		return nil, fmt.Errorf("failed to mark removed accounts: %w", err)
	}
	defer rows.Close()

	var removed []*models.StagedAccount
	for rows.Next() {
		var staged models.StagedAccount
		err := rows.Scan(
			&staged.ID,
			&staged.ConnectionID,
			&staged.NativeID,
			&staged.DisplayName,
			&staged.Currency,
			&staged.Balance,
			&staged.Status,
			&staged.Payload,
			&staged.FirstSeenAt,
			&staged.LastSeenAt,
			&staged.MarkedRemovedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan removed account: %w", err)
		}
		removed = append(removed, &staged)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate removed accounts: %w", err)
	}

	return removed, nil
}

func (r *StagingRepository) getStagedTransaction(ctx context.Context, tx pgx.Tx, connectionID uuid.UUID, nativeID string) (*models.StagedTransaction, error) {
	query := `
		SELECT id, connection_id, native_id, account_native_id, amount, currency,
			   booked_date, value_date, description, description_hash,
			   counterparty_name, status, category, payload,
			   first_seen_at, last_seen_at, marked_removed_at
		FROM staged_transactions
		WHERE connection_id = $1 AND native_id = $2
	`

	var staged models.StagedTransaction
	err := tx.QueryRow(ctx, query, connectionID, nativeID).Scan(
		&staged.ID,
		&staged.ConnectionID,
		&staged.NativeID,
		&staged.AccountNativeID,
		&staged.Amount,
		&staged.Currency,
		&staged.BookedDate,
		&staged.ValueDate,
		&staged.Description,
		&staged.DescriptionHash,
		&staged.CounterpartyName,
		&staged.Status,
		&staged.Category,
		&staged.Payload,
		&staged.FirstSeenAt,
		&staged.LastSeenAt,
		&staged.MarkedRemovedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get staged transaction: %w", err)
	}

	return &staged, nil
}

func (r *StagingRepository) insertStagedTransaction(ctx context.Context, tx pgx.Tx, connectionID uuid.UUID, record *types.RawTransaction, seenAt time.Time) (*models.StagedTransaction, error) {
	query := `
		INSERT INTO staged_transactions (
			connection_id, native_id, account_native_id, amount, currency,
			booked_date, value_date, description, description_hash,
			counterparty_name, status, category, payload,
			first_seen_at, last_seen_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		RETURNING id
	`

	staged := &models.StagedTransaction{
		ConnectionID:     connectionID,
		NativeID:         record.NativeID,
		AccountNativeID:  record.AccountNativeID,
		Amount:           record.Amount,
		Currency:         record.Currency,
		BookedDate:       record.BookedDate,
		ValueDate:        record.ValueDate,
		Description:      record.Description,
		DescriptionHash:  record.DescriptionHash(),
		CounterpartyName: record.CounterpartyName,
		Status:           record.Status,
		Category:         record.Category,
		Payload:          record.Payload,
		FirstSeenAt:      seenAt,
		LastSeenAt:       seenAt,
	}

	err := tx.QueryRow(ctx, query,
		connectionID,
		record.NativeID,
		record.AccountNativeID,
		record.Amount,
		record.Currency,
		record.BookedDate,
		record.ValueDate,
		record.Description,
		staged.DescriptionHash,
		record.CounterpartyName,
		record.Status,
		record.Category,
		record.Payload,
		seenAt,
	).Scan(&staged.ID)

	if err != nil {
		return nil, fmt.Errorf("failed to insert staged transaction: %w", err)
	}

	return staged, nil
}

func (r *StagingRepository) updateStagedTransaction(ctx context.Context, tx pgx.Tx, id int64, record *types.RawTransaction, seenAt time.Time) (*models.StagedTransaction, error) {
	query := `
		UPDATE staged_transactions
		SET account_native_id = $2, amount = $3, currency = $4, booked_date = $5,
			value_date = $6, description = $7, description_hash = $8,
			counterparty_name = $9, status = $10, category = $11, payload = $12,
			last_seen_at = $13, marked_removed_at = NULL
		WHERE id = $1
		RETURNING connection_id, first_seen_at
	`

	staged := &models.StagedTransaction{
		ID:               id,
		NativeID:         record.NativeID,
		AccountNativeID:  record.AccountNativeID,
		Amount:           record.Amount,
		Currency:         record.Currency,
		BookedDate:       record.BookedDate,
		ValueDate:        record.ValueDate,
		Description:      record.Description,
		DescriptionHash:  record.DescriptionHash(),
		CounterpartyName: record.CounterpartyName,
		Status:           record.Status,
		Category:         record.Category,
		Payload:          record.Payload,
		LastSeenAt:       seenAt,
	}

	err := tx.QueryRow(ctx, query,
		id,
		record.AccountNativeID,
		record.Amount,
		record.Currency,
		record.BookedDate,
		record.ValueDate,
		record.Description,
		staged.DescriptionHash,
		record.CounterpartyName,
		record.Status,
		record.Category,
		record.Payload,
		seenAt,
	).Scan(&staged.ConnectionID, &staged.FirstSeenAt)

	if err != nil {
		return nil, fmt.Errorf("failed to update staged transaction: %w", err)
	}

	return staged, nil
}

func (r *StagingRepository) markRemovedTransactions(ctx context.Context, tx pgx.Tx, connectionID uuid.UUID, window types.FetchWindow, seenAt time.Time) ([]*models.StagedTransaction, error) {
	query := `
		UPDATE staged_transactions
		SET marked_removed_at = $2
		WHERE connection_id = $1 AND last_seen_at < $2 AND marked_removed_at IS NULL
		  AND ($3::timestamptz IS NULL OR booked_date >= $3)
		  AND ($4::timestamptz IS NULL OR booked_date <= $4)
		RETURNING id, connection_id, native_id, account_native_id, amount, currency,
				  booked_date, value_date, description, description_hash,
				  counterparty_name, status, category, payload,
				  first_seen_at, last_seen_at, marked_removed_at
	`

	var windowStart, windowEnd *time.Time
	if !window.Start.IsZero() {
		windowStart = &window.Start
	}
	if !window.End.IsZero() {
		windowEnd = &window.End
	}

	rows, err := tx.Query(ctx, query, connectionID, seenAt, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to mark removed transactions: %w", err)
	}
	defer rows.Close()

	var removed []*models.StagedTransaction
	for rows.Next() {
		var staged models.StagedTransaction
		err := rows.Scan(
			&staged.ID,
			&staged.ConnectionID,
			&staged.NativeID,
			&staged.AccountNativeID,
			&staged.Amount,
			&staged.Currency,
			&staged.BookedDate,
			&staged.ValueDate,
			&staged.Description,
			&staged.DescriptionHash,
			&staged.CounterpartyName,
			&staged.Status,
			&staged.Category,
			&staged.Payload,
			&staged.FirstSeenAt,
			&staged.LastSeenAt,
			&staged.MarkedRemovedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan removed transaction: %w", err)
		}
		removed = append(removed, &staged)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate removed transactions: %w", err)
	}

	return removed, nil
}

// accountUnchanged compares the change-detection fields of a staged account
// against a freshly fetched one. A row previously marked removed is never
// unchanged; its reappearance must reach the reconciler.
func accountUnchanged(staged *models.StagedAccount, account *types.RawAccount) bool {
	if staged.MarkedRemovedAt != nil {
		return false
	}
	return staged.DisplayName == account.DisplayName &&
		staged.Currency == account.Currency &&
		staged.Balance.Equal(account.Balance) &&
		staged.Status == account.Status
}

func transactionUnchanged(staged *models.StagedTransaction, record *types.RawTransaction) bool {
	if staged.MarkedRemovedAt != nil {
		return false
	}
	if !equalTimePtr(staged.ValueDate, record.ValueDate) {
		return false
	}
	return staged.AccountNativeID == record.AccountNativeID &&
		staged.Amount.Equal(record.Amount) &&
		staged.Currency == record.Currency &&
		staged.BookedDate.Equal(record.BookedDate) &&
		staged.DescriptionHash == record.DescriptionHash() &&
		staged.CounterpartyName == record.CounterpartyName &&
		staged.Status == record.Status &&
		staged.Category == record.Category
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// canonicalAccountExists reports whether a staged account's canonical
// counterpart has been imported. An unchanged staged row without one means a
// prior attempt failed between staging and import.
func (r *StagingRepository) canonicalAccountExists(ctx context.Context, tx pgx.Tx, connectionID uuid.UUID, nativeID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM accounts WHERE connection_id = $1 AND native_id = $2)`

	var exists bool
	if err := tx.QueryRow(ctx, query, connectionID, nativeID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check canonical account: %w", err)
	}
	return exists, nil
}

// canonicalTransactionExists reports whether a staged transaction's canonical
// counterpart has been imported
func (r *StagingRepository) canonicalTransactionExists(ctx context.Context, tx pgx.Tx, connectionID uuid.UUID, nativeID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM transactions WHERE connection_id = $1 AND native_id = $2)`

	var exists bool
	if err := tx.QueryRow(ctx, query, connectionID, nativeID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check canonical transaction: %w", err)
	}
	return exists, nil
}

// StagingCounts summarizes the staging audit trail for one connection
type StagingCounts struct {
	StagedAccounts      int `json:"stagedAccounts"`
	StagedTransactions  int `json:"stagedTransactions"`
	RemovedAccounts     int `json:"removedAccounts"`
	RemovedTransactions int `json:"removedTransactions"`
}

// Counts returns staged row totals, including how many were marked removed
func (r *StagingRepository) Counts(ctx context.Context, connectionID uuid.UUID) (*StagingCounts, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM staged_accounts WHERE connection_id = $1),
			(SELECT COUNT(*) FROM staged_accounts WHERE connection_id = $1 AND marked_removed_at IS NOT NULL),
			(SELECT COUNT(*) FROM staged_transactions WHERE connection_id = $1),
			(SELECT COUNT(*) FROM staged_transactions WHERE connection_id = $1 AND marked_removed_at IS NOT NULL)`

	var counts StagingCounts
	err := r.db.Pool().QueryRow(ctx, query, connectionID).Scan(
		&counts.StagedAccounts,
		&counts.RemovedAccounts,
		&counts.StagedTransactions,
		&counts.RemovedTransactions,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count staged records: %w", err)
	}
	return &counts, nil
}
