// Package provider defines the uniform capability surface over external
// banking data providers and the concrete adapter implementations.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/provider-sync/internal/config"
	"github.com/provider-sync/internal/logging"
	"github.com/provider-sync/internal/types"
)

// Adapter is the capability interface every provider implements. Concrete
// adapters map their native response shapes into the shared intermediate
// representation; nothing above this interface knows a provider's API shape.
type Adapter interface {
	// Name returns the provider identifier
	Name() types.ProviderName

	// ExchangeAuthorizationCode exchanges an OAuth authorization code for the
	// initial token set
	ExchangeAuthorizationCode(ctx context.Context, code string) (*types.TokenSet, error)

	// RefreshToken exchanges a refresh token for a new token set.
	// Returns a credential-expired error when the refresh token is no longer
	// accepted by the provider.
	RefreshToken(ctx context.Context, refreshToken string) (*types.TokenSet, error)

	// FetchAccounts retrieves all currently visible accounts
	FetchAccounts(ctx context.Context, accessToken string) ([]types.RawAccount, error)

	// FetchTransactions retrieves transactions within the window, one page at
	// a time. An empty pageToken starts from the first page.
	FetchTransactions(ctx context.Context, accessToken string, window types.FetchWindow, pageToken string) (*TransactionPage, error)
}

// TransactionPage is one page of fetched transactions
type TransactionPage struct {
	Transactions  []types.RawTransaction
	NextPageToken string // empty when this is the last page
}

// Registry holds the configured adapters, keyed by provider name
type Registry struct {
	mu       sync.RWMutex
	adapters map[types.ProviderName]Adapter
}

// NewRegistry creates an empty adapter registry
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[types.ProviderName]Adapter),
	}
}

// Register adds an adapter to the registry, replacing any prior adapter with
// the same name
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Name()] = adapter
}

// Get returns the adapter for a provider name
func (r *Registry) Get(name types.ProviderName) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", name)
	}
	return adapter, nil
}

// Names returns the registered provider names, sorted
func (r *Registry) Names() []types.ProviderName {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]types.ProviderName, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// BuildRegistry constructs a registry from the enabled provider
// configuration. Unknown names are skipped so a typo in the enabled list
// cannot take the service down.
func BuildRegistry(cfg *config.ProvidersConfig) *Registry {
	registry := NewRegistry()

	for _, name := range cfg.Enabled {
		providerCfg, ok := cfg.Providers[name]
		if !ok {
			continue
		}

		switch types.ProviderName(name) {
		case types.ProviderSaltEdge:
			registry.Register(NewSaltEdgeClient(&providerCfg))
		case types.ProviderBunq:
			registry.Register(NewBunqClient(&providerCfg))
		case types.ProviderMock:
			registry.Register(NewMockAdapter())
		default:
			logging.GetGlobalLogger().WithField("provider", name).
				Warn("skipping unknown provider in enabled list")
		}
	}

	return registry
}
