package sync

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/provider-sync/internal/models"
	"github.com/provider-sync/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConnection() *models.Connection {
	return &models.Connection{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Provider: types.ProviderMock,
		Status:   types.ConnectionActive,
	}
}

func stagedAccount(id int64, conn *models.Connection, nativeID, name string, balance string) *models.StagedAccount {
	return &models.StagedAccount{
		ID:           id,
		ConnectionID: conn.ID,
		NativeID:     nativeID,
		DisplayName:  name,
		Currency:     "EUR",
		Balance:      decimal.RequireFromString(balance),
	}
}

func stagedTransaction(id int64, conn *models.Connection, nativeID, accountNativeID, amount string, bookedDate time.Time) *models.StagedTransaction {
	return &models.StagedTransaction{
		ID:              id,
		ConnectionID:    conn.ID,
		NativeID:        nativeID,
		AccountNativeID: accountNativeID,
		Amount:          decimal.RequireFromString(amount),
		Currency:        "EUR",
		BookedDate:      bookedDate,
		Description:     "test transaction",
		DescriptionHash: types.HashDescription("test transaction"),
	}
}

func TestReconcileAccounts_AddedCreatesCanonical(t *testing.T) {
	conn := testConnection()
	accounts := newMemAccountStore()
	transactions := newMemTransactionStore()
	r := NewReconciler(accounts, transactions)

	diff := &models.AccountDiff{
		Added: []*models.StagedAccount{stagedAccount(1, conn, "A1", "Checking", "100.00")},
	}

	result, err := r.ReconcileAccounts(context.Background(), conn, diff)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Imported)
	assert.Equal(t, 1, accounts.count())

	account, err := accounts.GetByNativeID(context.Background(), conn.ID, "A1")
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, conn.TenantID, account.TenantID)
	assert.True(t, account.Active)
	require.NotNil(t, account.StagedID)
	assert.Equal(t, int64(1), *account.StagedID)
}

func TestReconcileAccounts_RedeliveryIsAbsorbed(t *testing.T) {
	conn := testConnection()
	accounts := newMemAccountStore()
	r := NewReconciler(accounts, newMemTransactionStore())

	diff := &models.AccountDiff{
		Added: []*models.StagedAccount{stagedAccount(1, conn, "A1", "Checking", "100.00")},
	}

	_, err := r.ReconcileAccounts(context.Background(), conn, diff)
	require.NoError(t, err)

	// Same staged record delivered again, e.g. after a crash between
	// import and job finalization.
	result, err := r.ReconcileAccounts(context.Background(), conn, diff)
	require.NoError(t, err)

	assert.Equal(t, 0, result.Imported)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, accounts.count(), "duplicate delivery must not create a second canonical account")
}

func TestReconcileAccounts_ModifiedWithoutCanonicalImports(t *testing.T) {
	conn := testConnection()
	accounts := newMemAccountStore()
	r := NewReconciler(accounts, newMemTransactionStore())

	// Classified as modified, but the canonical row never made it in because
	// an earlier attempt failed after staging. The record must be imported,
	// not dropped with a not-found error.
	diff := &models.AccountDiff{
		Modified: []*models.StagedAccount{stagedAccount(1, conn, "A1", "Checking", "100.00")},
	}

	result, err := r.ReconcileAccounts(context.Background(), conn, diff)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Imported)
	assert.Equal(t, 0, result.Updated)

	account, err := accounts.GetByNativeID(context.Background(), conn.ID, "A1")
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.True(t, account.Active)
}

func TestReconcileAccounts_RemovedMarksInactive(t *testing.T) {
	conn := testConnection()
	accounts := newMemAccountStore()
	r := NewReconciler(accounts, newMemTransactionStore())

	addDiff := &models.AccountDiff{
		Added: []*models.StagedAccount{stagedAccount(1, conn, "A1", "Checking", "100.00")},
	}
	_, err := r.ReconcileAccounts(context.Background(), conn, addDiff)
	require.NoError(t, err)

	removeDiff := &models.AccountDiff{
		Removed: []*models.StagedAccount{stagedAccount(1, conn, "A1", "Checking", "100.00")},
	}
	result, err := r.ReconcileAccounts(context.Background(), conn, removeDiff)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Removed)

	account, err := accounts.GetByNativeID(context.Background(), conn.ID, "A1")
	require.NoError(t, err)
	require.NotNil(t, account, "removed accounts stay in the canonical model")
	assert.False(t, account.Active)
}

func TestReconcileTransactions_AddedLinksToAccount(t *testing.T) {
	conn := testConnection()
	accounts := newMemAccountStore()
	transactions := newMemTransactionStore()
	r := NewReconciler(accounts, transactions)

	_, err := r.ReconcileAccounts(context.Background(), conn, &models.AccountDiff{
		Added: []*models.StagedAccount{stagedAccount(1, conn, "A1", "Checking", "100.00")},
	})
	require.NoError(t, err)

	booked := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	result, err := r.ReconcileTransactions(context.Background(), conn, &models.TransactionDiff{
		Added: []*models.StagedTransaction{stagedTransaction(2, conn, "T1", "A1", "-25.00", booked)},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Imported)

	account, _ := accounts.GetByNativeID(context.Background(), conn.ID, "A1")
	imported := transactions.get("T1")
	require.NotNil(t, imported)
	assert.Equal(t, account.ID, imported.AccountID)
	assert.Equal(t, conn.TenantID, imported.TenantID)
}

func TestReconcileTransactions_UnknownAccountIsSkippedWithWarning(t *testing.T) {
	conn := testConnection()
	r := NewReconciler(newMemAccountStore(), newMemTransactionStore())

	booked := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	result, err := r.ReconcileTransactions(context.Background(), conn, &models.TransactionDiff{
		Added: []*models.StagedTransaction{stagedTransaction(1, conn, "T1", "missing", "-25.00", booked)},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, result.Imported)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "unknown account")
}

func TestReconcileTransactions_ProtectedAmountIsNotOverwritten(t *testing.T) {
	conn := testConnection()
	accounts := newMemAccountStore()
	transactions := newMemTransactionStore()
	r := NewReconciler(accounts, transactions)

	_, err := r.ReconcileAccounts(context.Background(), conn, &models.AccountDiff{
		Added: []*models.StagedAccount{stagedAccount(1, conn, "A1", "Checking", "100.00")},
	})
	require.NoError(t, err)

	booked := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	original := stagedTransaction(2, conn, "T1", "A1", "100.00", booked)
	_, err = r.ReconcileTransactions(context.Background(), conn, &models.TransactionDiff{
		Added: []*models.StagedTransaction{original},
	})
	require.NoError(t, err)

	// The provider now reports a different amount for the same transaction.
	corrected := stagedTransaction(3, conn, "T1", "A1", "105.00", booked)
	corrected.Description = "corrected description"
	corrected.DescriptionHash = types.HashDescription(corrected.Description)

	result, err := r.ReconcileTransactions(context.Background(), conn, &models.TransactionDiff{
		Modified: []*models.StagedTransaction{corrected},
	})
	require.NoError(t, err)

	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "amount")
	assert.Contains(t, result.Warnings[0], "100")
	assert.Contains(t, result.Warnings[0], "105")

	imported := transactions.get("T1")
	assert.True(t, imported.Amount.Equal(decimal.RequireFromString("100.00")),
		"canonical amount must stand")
	assert.Equal(t, "corrected description", imported.Description,
		"non-financial fields still update")
}

func TestReconcileTransactions_ProtectedBookedDateWarns(t *testing.T) {
	conn := testConnection()
	accounts := newMemAccountStore()
	transactions := newMemTransactionStore()
	r := NewReconciler(accounts, transactions)

	_, err := r.ReconcileAccounts(context.Background(), conn, &models.AccountDiff{
		Added: []*models.StagedAccount{stagedAccount(1, conn, "A1", "Checking", "100.00")},
	})
	require.NoError(t, err)

	booked := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	_, err = r.ReconcileTransactions(context.Background(), conn, &models.TransactionDiff{
		Added: []*models.StagedTransaction{stagedTransaction(2, conn, "T1", "A1", "-10.00", booked)},
	})
	require.NoError(t, err)

	shifted := stagedTransaction(3, conn, "T1", "A1", "-10.00", booked.AddDate(0, 0, 2))
	result, err := r.ReconcileTransactions(context.Background(), conn, &models.TransactionDiff{
		Modified: []*models.StagedTransaction{shifted},
	})
	require.NoError(t, err)

	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "booked_date")

	imported := transactions.get("T1")
	assert.True(t, imported.BookedDate.Equal(booked))
}

func TestReconcileTransactions_ModifiedWithoutCanonicalImports(t *testing.T) {
	conn := testConnection()
	accounts := newMemAccountStore()
	transactions := newMemTransactionStore()
	r := NewReconciler(accounts, transactions)

	_, err := r.ReconcileAccounts(context.Background(), conn, &models.AccountDiff{
		Added: []*models.StagedAccount{stagedAccount(1, conn, "A1", "Checking", "100.00")},
	})
	require.NoError(t, err)

	// Staged before but never imported: a prior attempt died between
	// staging and import, so the record arrives classified as modified.
	booked := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	result, err := r.ReconcileTransactions(context.Background(), conn, &models.TransactionDiff{
		Modified: []*models.StagedTransaction{stagedTransaction(2, conn, "T1", "A1", "-25.00", booked)},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Imported)
	assert.NotNil(t, transactions.get("T1"))
}

func TestReconcileTransactions_RemovedFlagsCanonical(t *testing.T) {
	conn := testConnection()
	accounts := newMemAccountStore()
	transactions := newMemTransactionStore()
	r := NewReconciler(accounts, transactions)

	_, err := r.ReconcileAccounts(context.Background(), conn, &models.AccountDiff{
		Added: []*models.StagedAccount{stagedAccount(1, conn, "A1", "Checking", "100.00")},
	})
	require.NoError(t, err)

	booked := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	staged := stagedTransaction(2, conn, "T1", "A1", "-25.00", booked)
	_, err = r.ReconcileTransactions(context.Background(), conn, &models.TransactionDiff{
		Added: []*models.StagedTransaction{staged},
	})
	require.NoError(t, err)

	result, err := r.ReconcileTransactions(context.Background(), conn, &models.TransactionDiff{
		Removed: []*models.StagedTransaction{staged},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Removed)

	imported := transactions.get("T1")
	require.NotNil(t, imported, "removal is a flag, not a delete")
	assert.True(t, imported.RemovedByProvider)
}

// Replaying any batch of added transactions must be idempotent: the second
// pass imports nothing and the canonical count is stable.
func TestReconcileTransactions_ReplayIdempotence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	genBatch := gen.SliceOf(gen.Struct(reflect.TypeOf(testRecord{}), map[string]gopter.Gen{
		"Suffix": gen.IntRange(0, 20),
		"Cents":  gen.Int64Range(-100000, 100000),
	}))

	properties.Property("replayed batch imports nothing new", prop.ForAll(
		func(batch []testRecord) bool {
			conn := testConnection()
			accounts := newMemAccountStore()
			transactions := newMemTransactionStore()
			r := NewReconciler(accounts, transactions)

			_, err := r.ReconcileAccounts(context.Background(), conn, &models.AccountDiff{
				Added: []*models.StagedAccount{stagedAccount(1, conn, "A1", "Checking", "0")},
			})
			if err != nil {
				return false
			}

			diff := &models.TransactionDiff{}
			for i, record := range batch {
				staged := stagedTransaction(int64(i+2), conn,
					fmt.Sprintf("T%d", record.Suffix), "A1",
					decimal.New(record.Cents, -2).String(),
					time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
				diff.Added = append(diff.Added, staged)
			}

			first, err := r.ReconcileTransactions(context.Background(), conn, diff)
			if err != nil {
				return false
			}
			countAfterFirst := transactions.count()

			second, err := r.ReconcileTransactions(context.Background(), conn, diff)
			if err != nil {
				return false
			}

			return second.Imported == 0 &&
				transactions.count() == countAfterFirst &&
				first.Imported+first.Skipped == len(batch)
		},
		genBatch,
	))

	properties.TestingRun(t)
}

type testRecord struct {
	Suffix int
	Cents  int64
}
