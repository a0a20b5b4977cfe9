package provider

import (
	"context"
	"sync"
	"time"

	"github.com/provider-sync/internal/types"
)

// MockAdapter is a scriptable in-memory adapter used by tests and local
// development. Calls are counted so tests can assert retry behavior.
type MockAdapter struct {
	mu sync.Mutex

	ProviderName types.ProviderName

	// Scripted data
	Accounts     []types.RawAccount
	Transactions []types.RawTransaction
	Tokens       *types.TokenSet

	// Scripted failures. Errors are returned once per queued entry, in order,
	// before the scripted data is served.
	FetchAccountErrs     []error
	FetchTransactionErrs []error
	RefreshErr           error
	ExchangeErr          error

	// Call counters
	AccountCalls     int
	TransactionCalls int
	RefreshCalls     int
	ExchangeCalls    int
}

// NewMockAdapter creates a mock adapter with a usable default token set
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		ProviderName: types.ProviderMock,
		Tokens: &types.TokenSet{
			AccessToken:  "mock-access-token",
			RefreshToken: "mock-refresh-token",
			TokenType:    "bearer",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}
}

// Name returns the provider identifier
func (m *MockAdapter) Name() types.ProviderName {
	if m.ProviderName == "" {
		return types.ProviderMock
	}
	return m.ProviderName
}

// ExchangeAuthorizationCode returns the scripted token set
func (m *MockAdapter) ExchangeAuthorizationCode(ctx context.Context, code string) (*types.TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ExchangeCalls++
	if m.ExchangeErr != nil {
		return nil, m.ExchangeErr
	}
	tokens := *m.Tokens
	return &tokens, nil
}

// RefreshToken returns a rotated copy of the scripted token set
func (m *MockAdapter) RefreshToken(ctx context.Context, refreshToken string) (*types.TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RefreshCalls++
	if m.RefreshErr != nil {
		return nil, m.RefreshErr
	}

	tokens := *m.Tokens
	tokens.AccessToken = tokens.AccessToken + "-refreshed"
	tokens.ExpiresAt = time.Now().Add(time.Hour)
	return &tokens, nil
}

// FetchAccounts returns the scripted accounts after draining queued errors
func (m *MockAdapter) FetchAccounts(ctx context.Context, accessToken string) ([]types.RawAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AccountCalls++
	if len(m.FetchAccountErrs) > 0 {
		err := m.FetchAccountErrs[0]
		m.FetchAccountErrs = m.FetchAccountErrs[1:]
		return nil, err
	}

	accounts := make([]types.RawAccount, len(m.Accounts))
	copy(accounts, m.Accounts)
	return accounts, nil
}

// FetchTransactions returns the scripted transactions that fall inside the
// window, in a single page
func (m *MockAdapter) FetchTransactions(ctx context.Context, accessToken string, window types.FetchWindow, pageToken string) (*TransactionPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TransactionCalls++
	if len(m.FetchTransactionErrs) > 0 {
		err := m.FetchTransactionErrs[0]
		m.FetchTransactionErrs = m.FetchTransactionErrs[1:]
		return nil, err
	}

	page := &TransactionPage{}
	for _, tx := range m.Transactions {
		if window.Covers(tx.BookedDate) {
			page.Transactions = append(page.Transactions, tx)
		}
	}
	return page, nil
}
