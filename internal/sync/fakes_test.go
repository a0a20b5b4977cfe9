package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/provider-sync/internal/models"
	"github.com/provider-sync/internal/storage"
	"github.com/provider-sync/internal/types"
)

// In-memory doubles mirroring the repository contracts. They are shared by
// the reconciler and orchestrator tests.

type memAccountStore struct {
	mu       sync.Mutex
	accounts map[string]*models.Account // keyed by nativeID
}

func newMemAccountStore() *memAccountStore {
	return &memAccountStore{accounts: make(map[string]*models.Account)}
}

func (s *memAccountStore) Insert(ctx context.Context, account *models.Account) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.NativeID]; exists {
		return false, nil
	}
	copied := *account
	s.accounts[account.NativeID] = &copied
	return true, nil
}

func (s *memAccountStore) GetByNativeID(ctx context.Context, connectionID uuid.UUID, nativeID string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[nativeID]
	if !ok {
		return nil, nil
	}
	copied := *account
	return &copied, nil
}

func (s *memAccountStore) UpdateFromStaged(ctx context.Context, staged *models.StagedAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[staged.NativeID]
	if !ok {
		return storage.ErrNotFound
	}
	account.Name = staged.DisplayName
	account.Currency = staged.Currency
	account.Balance = staged.Balance
	account.Active = true
	account.StagedID = &staged.ID
	return nil
}

func (s *memAccountStore) MarkInactive(ctx context.Context, connectionID uuid.UUID, nativeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if account, ok := s.accounts[nativeID]; ok {
		account.Active = false
	}
	return nil
}

func (s *memAccountStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

func (s *memAccountStore) has(nativeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[nativeID]
	return ok
}

type memTransactionStore struct {
	mu           sync.Mutex
	transactions map[string]*models.Transaction // keyed by nativeID
	insertErr    error
}

func newMemTransactionStore() *memTransactionStore {
	return &memTransactionStore{transactions: make(map[string]*models.Transaction)}
}

func (s *memTransactionStore) Insert(ctx context.Context, transaction *models.Transaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.insertErr != nil {
		err := s.insertErr
		s.insertErr = nil
		return false, err
	}
	if _, exists := s.transactions[transaction.NativeID]; exists {
		return false, nil
	}
	copied := *transaction
	s.transactions[transaction.NativeID] = &copied
	return true, nil
}

func (s *memTransactionStore) GetByNativeID(ctx context.Context, connectionID uuid.UUID, nativeID string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	transaction, ok := s.transactions[nativeID]
	if !ok {
		return nil, nil
	}
	copied := *transaction
	return &copied, nil
}

func (s *memTransactionStore) UpdateMutableFields(ctx context.Context, staged *models.StagedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	transaction, ok := s.transactions[staged.NativeID]
	if !ok {
		return storage.ErrNotFound
	}
	// Amount and booked date stay untouched, matching the repository.
	transaction.ValueDate = staged.ValueDate
	transaction.Description = staged.Description
	transaction.CounterpartyName = staged.CounterpartyName
	transaction.Status = staged.Status
	if staged.Category != "" {
		category := staged.Category
		transaction.Category = &category
	} else {
		transaction.Category = nil
	}
	transaction.StagedID = &staged.ID
	transaction.RemovedByProvider = false
	return nil
}

func (s *memTransactionStore) FlagRemoved(ctx context.Context, connectionID uuid.UUID, nativeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if transaction, ok := s.transactions[nativeID]; ok {
		transaction.RemovedByProvider = true
	}
	return nil
}

func (s *memTransactionStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transactions)
}

// failNextInsert makes the next Insert call return err, then clears itself.
func (s *memTransactionStore) failNextInsert(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertErr = err
}

func (s *memTransactionStore) has(nativeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.transactions[nativeID]
	return ok
}

func (s *memTransactionStore) get(nativeID string) *models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if transaction, ok := s.transactions[nativeID]; ok {
		copied := *transaction
		return &copied
	}
	return nil
}

// memStaging classifies batches the same way the Postgres staging repository
// does, against in-memory staged state. When canonical stores are wired it
// also re-delivers unchanged rows whose import never landed.
type memStaging struct {
	mu           sync.Mutex
	accounts     map[string]*models.StagedAccount
	transactions map[string]*models.StagedTransaction
	nextID       int64

	canonicalAccounts     *memAccountStore
	canonicalTransactions *memTransactionStore

	// test hooks
	stageDelay    time.Duration
	inStage       int
	maxConcurrent int
}

func newMemStaging() *memStaging {
	return &memStaging{
		accounts:     make(map[string]*models.StagedAccount),
		transactions: make(map[string]*models.StagedTransaction),
	}
}

func (s *memStaging) enter() {
	s.mu.Lock()
	s.inStage++
	if s.inStage > s.maxConcurrent {
		s.maxConcurrent = s.inStage
	}
	delay := s.stageDelay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	s.mu.Lock()
}

func (s *memStaging) leave() {
	s.inStage--
	s.mu.Unlock()
}

func (s *memStaging) StageAccounts(ctx context.Context, connectionID uuid.UUID, accounts []types.RawAccount) (*models.AccountDiff, error) {
	s.enter()
	defer s.leave()

	seenAt := time.Now().UTC()
	diff := &models.AccountDiff{}
	seen := make(map[string]bool)

	for i := range accounts {
		account := &accounts[i]
		seen[account.NativeID] = true

		existing, ok := s.accounts[account.NativeID]
		if !ok {
			s.nextID++
			staged := &models.StagedAccount{
				ID:           s.nextID,
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
			s.accounts[account.NativeID] = staged
			diff.Added = append(diff.Added, staged)
			continue
		}

		unchanged := existing.MarkedRemovedAt == nil &&
			existing.DisplayName == account.DisplayName &&
			existing.Currency == account.Currency &&
			existing.Balance.Equal(account.Balance) &&
			existing.Status == account.Status

		existing.LastSeenAt = seenAt
		if unchanged {
			if s.canonicalAccounts != nil && !s.canonicalAccounts.has(account.NativeID) {
				diff.Added = append(diff.Added, existing)
				continue
			}
			diff.UnchangedCount++
			continue
		}

		existing.DisplayName = account.DisplayName
		existing.Currency = account.Currency
		existing.Balance = account.Balance
		existing.Status = account.Status
		existing.MarkedRemovedAt = nil
		diff.Modified = append(diff.Modified, existing)
	}

	for nativeID, staged := range s.accounts {
		if !seen[nativeID] && staged.MarkedRemovedAt == nil {
			removedAt := seenAt
			staged.MarkedRemovedAt = &removedAt
			diff.Removed = append(diff.Removed, staged)
		}
	}

	return diff, nil
}

func (s *memStaging) StageTransactions(ctx context.Context, connectionID uuid.UUID, transactions []types.RawTransaction, window types.FetchWindow) (*models.TransactionDiff, error) {
	s.enter()
	defer s.leave()

	seenAt := time.Now().UTC()
	diff := &models.TransactionDiff{}
	seen := make(map[string]bool)

	for i := range transactions {
		record := &transactions[i]
		seen[record.NativeID] = true

		existing, ok := s.transactions[record.NativeID]
		if !ok {
			s.nextID++
			staged := &models.StagedTransaction{
				ID:               s.nextID,
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
			s.transactions[record.NativeID] = staged
			diff.Added = append(diff.Added, staged)
			continue
		}

		unchanged := existing.MarkedRemovedAt == nil &&
			existing.AccountNativeID == record.AccountNativeID &&
			existing.Amount.Equal(record.Amount) &&
			existing.BookedDate.Equal(record.BookedDate) &&
			existing.DescriptionHash == record.DescriptionHash() &&
			existing.Status == record.Status &&
			existing.Category == record.Category

		existing.LastSeenAt = seenAt
		if unchanged {
			if s.canonicalTransactions != nil && !s.canonicalTransactions.has(record.NativeID) {
				diff.Added = append(diff.Added, existing)
				continue
			}
			diff.UnchangedCount++
			continue
		}

		existing.AccountNativeID = record.AccountNativeID
		existing.Amount = record.Amount
		existing.BookedDate = record.BookedDate
		existing.ValueDate = record.ValueDate
		existing.Description = record.Description
		existing.DescriptionHash = record.DescriptionHash()
		existing.CounterpartyName = record.CounterpartyName
		existing.Status = record.Status
		existing.Category = record.Category
		existing.MarkedRemovedAt = nil
		diff.Modified = append(diff.Modified, existing)
	}

	for nativeID, staged := range s.transactions {
		if !seen[nativeID] && staged.MarkedRemovedAt == nil && window.Covers(staged.BookedDate) {
			removedAt := seenAt
			staged.MarkedRemovedAt = &removedAt
			diff.Removed = append(diff.Removed, staged)
		}
	}

	return diff, nil
}

type memConnectionStore struct {
	mu          sync.Mutex
	connections map[uuid.UUID]*models.Connection
}

func newMemConnectionStore() *memConnectionStore {
	return &memConnectionStore{connections: make(map[uuid.UUID]*models.Connection)}
}

func (s *memConnectionStore) add(conn *models.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *conn
	s.connections[conn.ID] = &copied
}

func (s *memConnectionStore) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.connections[id]
	if !ok || conn.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	copied := *conn
	return &copied, nil
}

func (s *memConnectionStore) UpdateStatus(ctx context.Context, id uuid.UUID, status types.ConnectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.connections[id]
	if !ok {
		return storage.ErrNotFound
	}
	conn.Status = status
	return nil
}

func (s *memConnectionStore) RecordSyncSuccess(ctx context.Context, id uuid.UUID, healthScore int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.connections[id]
	if conn.Status != types.ConnectionRevoked {
		conn.Status = types.ConnectionActive
	}
	conn.ConsecutiveFailures = 0
	conn.HealthScore = healthScore
	now := time.Now().UTC()
	conn.LastSuccessAt = &now
	return nil
}

func (s *memConnectionStore) RecordSyncFailure(ctx context.Context, id uuid.UUID, healthScore, failureThreshold int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.connections[id]
	conn.ConsecutiveFailures++
	conn.HealthScore = healthScore
	if conn.Status != types.ConnectionRevoked && conn.ConsecutiveFailures >= failureThreshold {
		conn.Status = types.ConnectionError
	}
	return conn.ConsecutiveFailures, nil
}

func (s *memConnectionStore) get(id uuid.UUID) *models.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.connections[id]
	return &copied
}

type memCursorStore struct {
	mu      sync.Mutex
	cursors map[uuid.UUID]*models.SyncCursor
}

func newMemCursorStore() *memCursorStore {
	return &memCursorStore{cursors: make(map[uuid.UUID]*models.SyncCursor)}
}

func (s *memCursorStore) Get(ctx context.Context, connectionID uuid.UUID) (*models.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor, ok := s.cursors[connectionID]
	if !ok {
		return &models.SyncCursor{ConnectionID: connectionID}, nil
	}
	copied := *cursor
	return &copied, nil
}

func (s *memCursorStore) Advance(ctx context.Context, cursor *models.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.cursors[cursor.ConnectionID]
	if !ok {
		copied := *cursor
		s.cursors[cursor.ConnectionID] = &copied
		return nil
	}

	if cursor.LastSyncedAt.After(existing.LastSyncedAt) {
		existing.LastSyncedAt = cursor.LastSyncedAt
	}
	existing.AccountsSynced += cursor.AccountsSynced
	existing.TransactionsAdded += cursor.TransactionsAdded
	existing.TransactionsModified += cursor.TransactionsModified
	existing.TransactionsRemoved += cursor.TransactionsRemoved
	return nil
}

type memJobStore struct {
	mu   sync.Mutex
	jobs []*models.SyncJob
}

func newMemJobStore() *memJobStore {
	return &memJobStore{}
}

func (s *memJobStore) Start(ctx context.Context, job *models.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.Status = types.JobRunning
	job.StartedAt = time.Now().UTC()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *memJobStore) Finish(ctx context.Context, job *models.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !job.Status.IsTerminal() {
		return fmt.Errorf("cannot finish job with status %q", job.Status)
	}
	now := time.Now().UTC()
	job.CompletedAt = &now
	return nil
}

func (s *memJobStore) latest() *models.SyncJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		return nil
	}
	return s.jobs[len(s.jobs)-1]
}

func (s *memJobStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type fakeVault struct {
	mu        sync.Mutex
	token     string
	tokenErr  error
	refreshes int
	seeded    []*types.TokenSet
}

func (v *fakeVault) GetValidToken(ctx context.Context, conn *models.Connection) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.tokenErr != nil {
		return "", v.tokenErr
	}
	return v.token, nil
}

func (v *fakeVault) ForceRefresh(ctx context.Context, conn *models.Connection, rejectedToken string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refreshes++
	v.token = fmt.Sprintf("%s-r%d", v.token, v.refreshes)
	return v.token, nil
}

func (v *fakeVault) Seed(ctx context.Context, connectionID uuid.UUID, tokens *types.TokenSet) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seeded = append(v.seeded, tokens)
	return nil
}
