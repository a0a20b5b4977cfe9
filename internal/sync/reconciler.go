package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	syncerrors "github.com/provider-sync/internal/errors"
	"github.com/provider-sync/internal/logging"
	"github.com/provider-sync/internal/models"
)

// AccountStore is the canonical account surface the reconciler writes to
type AccountStore interface {
	Insert(ctx context.Context, account *models.Account) (bool, error)
	GetByNativeID(ctx context.Context, connectionID uuid.UUID, nativeID string) (*models.Account, error)
	UpdateFromStaged(ctx context.Context, staged *models.StagedAccount) error
	MarkInactive(ctx context.Context, connectionID uuid.UUID, nativeID string) error
}

// TransactionStore is the canonical transaction surface the reconciler writes to
type TransactionStore interface {
	Insert(ctx context.Context, transaction *models.Transaction) (bool, error)
	GetByNativeID(ctx context.Context, connectionID uuid.UUID, nativeID string) (*models.Transaction, error)
	UpdateMutableFields(ctx context.Context, staged *models.StagedTransaction) error
	FlagRemoved(ctx context.Context, connectionID uuid.UUID, nativeID string) error
}

// ImportResult summarizes one reconciliation pass over a staged diff
type ImportResult struct {
	Imported int // canonical records created
	Updated  int // canonical records updated in place
	Removed  int // canonical records flagged removed or inactive
	Skipped  int // re-delivered records absorbed as no-ops
	Warnings []string
}

// Reconciler normalizes classified staged records into the canonical model.
// It is idempotent: replaying the same diff yields the same canonical state,
// with re-deliveries absorbed rather than erroring.
type Reconciler struct {
	accounts     AccountStore
	transactions TransactionStore
}

// NewReconciler creates a reconciler over the canonical stores
func NewReconciler(accounts AccountStore, transactions TransactionStore) *Reconciler {
	return &Reconciler{accounts: accounts, transactions: transactions}
}

// ReconcileAccounts imports a classified account diff into the canonical model
func (r *Reconciler) ReconcileAccounts(ctx context.Context, conn *models.Connection, diff *models.AccountDiff) (*ImportResult, error) {
	result := &ImportResult{}

	for _, staged := range diff.Added {
		if err := r.importAccount(ctx, conn, staged, result); err != nil {
			return nil, err
		}
	}

	for _, staged := range diff.Modified {
		existing, err := r.accounts.GetByNativeID(ctx, conn.ID, staged.NativeID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			// Staged earlier but never imported; a prior attempt failed
			// between staging and import.
			if err := r.importAccount(ctx, conn, staged, result); err != nil {
				return nil, err
			}
			continue
		}

		if err := r.accounts.UpdateFromStaged(ctx, staged); err != nil {
			return nil, err
		}
		result.Updated++
	}

	for _, staged := range diff.Removed {
		if err := r.accounts.MarkInactive(ctx, conn.ID, staged.NativeID); err != nil {
			return nil, err
		}
		result.Removed++
	}

	return result, nil
}

// ReconcileTransactions imports a classified transaction diff. Amount and
// booked date on an existing canonical record are never overwritten: a
// provider correction of either produces a field conflict warning and the
// canonical value stands.
func (r *Reconciler) ReconcileTransactions(ctx context.Context, conn *models.Connection, diff *models.TransactionDiff) (*ImportResult, error) {
	result := &ImportResult{}

	for _, staged := range diff.Added {
		if err := r.importTransaction(ctx, conn, staged, result); err != nil {
			return nil, err
		}
	}

	for _, staged := range diff.Modified {
		existing, err := r.transactions.GetByNativeID(ctx, conn.ID, staged.NativeID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			// Staged earlier but never imported; a prior attempt failed
			// between staging and import.
			if err := r.importTransaction(ctx, conn, staged, result); err != nil {
				return nil, err
			}
			continue
		}

		result.Warnings = append(result.Warnings, protectedFieldConflicts(existing, staged)...)

		if err := r.transactions.UpdateMutableFields(ctx, staged); err != nil {
			return nil, err
		}
		result.Updated++
	}

	for _, staged := range diff.Removed {
		if err := r.transactions.FlagRemoved(ctx, conn.ID, staged.NativeID); err != nil {
			return nil, err
		}
		result.Removed++
	}

	return result, nil
}

func (r *Reconciler) importAccount(ctx context.Context, conn *models.Connection, staged *models.StagedAccount, result *ImportResult) error {
	stagedID := staged.ID
	inserted, err := r.accounts.Insert(ctx, &models.Account{
		ID:           uuid.New(),
		TenantID:     conn.TenantID,
		ConnectionID: conn.ID,
		StagedID:     &stagedID,
		NativeID:     staged.NativeID,
		Name:         staged.DisplayName,
		Currency:     staged.Currency,
		Balance:      staged.Balance,
		Active:       true,
	})
	if err != nil {
		return err
	}

	if inserted {
		result.Imported++
	} else {
		// Re-delivered; the canonical record already exists.
		result.Skipped++
	}
	return nil
}

func (r *Reconciler) importTransaction(ctx context.Context, conn *models.Connection, staged *models.StagedTransaction, result *ImportResult) error {
	account, err := r.accounts.GetByNativeID(ctx, conn.ID, staged.AccountNativeID)
	if err != nil {
		return err
	}
	if account == nil {
		// The provider reported a transaction for an account it did not
		// report. Record it and move on; the next account sync resolves it.
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("transaction %s references unknown account %s", staged.NativeID, staged.AccountNativeID))
		result.Skipped++
		return nil
	}

	stagedID := staged.ID
	var category *string
	if staged.Category != "" {
		category = &staged.Category
	}

	inserted, err := r.transactions.Insert(ctx, &models.Transaction{
		ID:               uuid.New(),
		TenantID:         conn.TenantID,
		ConnectionID:     conn.ID,
		AccountID:        account.ID,
		StagedID:         &stagedID,
		NativeID:         staged.NativeID,
		Amount:           staged.Amount,
		Currency:         staged.Currency,
		BookedDate:       staged.BookedDate,
		ValueDate:        staged.ValueDate,
		Description:      staged.Description,
		CounterpartyName: staged.CounterpartyName,
		Status:           staged.Status,
		Category:         category,
	})
	if err != nil {
		return err
	}

	if inserted {
		result.Imported++
	} else {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			logging.FieldConnectionID: conn.ID.String(),
			"nativeId":                staged.NativeID,
		}).Debug("duplicate transaction delivery absorbed")
		result.Skipped++
	}

	return nil
}

// protectedFieldConflicts compares the immutable financial fields of a
// canonical transaction against a modified staged record
func protectedFieldConflicts(existing *models.Transaction, staged *models.StagedTransaction) []string {
	var warnings []string

	if !existing.Amount.Equal(staged.Amount) {
		warnings = append(warnings, syncerrors.FieldConflictWarning{
			NativeID: staged.NativeID,
			Field:    "amount",
			Existing: existing.Amount.String(),
			Incoming: staged.Amount.String(),
		}.String())
	}

	if !existing.BookedDate.Equal(staged.BookedDate) {
		warnings = append(warnings, syncerrors.FieldConflictWarning{
			NativeID: staged.NativeID,
			Field:    "booked_date",
			Existing: existing.BookedDate.Format("2006-01-02"),
			Incoming: staged.BookedDate.Format("2006-01-02"),
		}.String())
	}

	return warnings
}
