package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/provider-sync/internal/config"
	syncerrors "github.com/provider-sync/internal/errors"
	"github.com/provider-sync/internal/types"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	saltEdgeDefaultTimeout = 30 * time.Second
	saltEdgePageSize       = 500
)

// SaltEdgeClient adapts the Salt Edge aggregation API to the Adapter
// interface. Salt Edge sits between us and many banks, so its shapes are
// already uniform per record kind; only paging and token handling are
// provider-specific here.
type SaltEdgeClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	limiter      *rate.Limiter
}

// NewSaltEdgeClient creates a Salt Edge adapter from provider configuration
func NewSaltEdgeClient(cfg *config.ProviderConfig) *SaltEdgeClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5.0
	}

	return &SaltEdgeClient{
		baseURL:      cfg.BaseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: saltEdgeDefaultTimeout},
		limiter:      rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Name returns the provider identifier
func (c *SaltEdgeClient) Name() types.ProviderName {
	return types.ProviderSaltEdge
}

// saltEdgeTokenResponse is the OAuth token endpoint response shape
type saltEdgeTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Subject      string `json:"customer_id"`
}

// saltEdgeAccount is the native account shape
type saltEdgeAccount struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Nature       string          `json:"nature"`
	Balance      decimal.Decimal `json:"balance"`
	CurrencyCode string          `json:"currency_code"`
	Status       string          `json:"status"`
}

// saltEdgeTransaction is the native transaction shape
type saltEdgeTransaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	MadeOn       string          `json:"made_on"` // booked date, YYYY-MM-DD
	Amount       decimal.Decimal `json:"amount"`
	CurrencyCode string          `json:"currency_code"`
	Description  string          `json:"description"`
	Status       string          `json:"status"`
	Category     string          `json:"category"`
	Extra        struct {
		PostingDate      string `json:"posting_date"`
		CounterpartyName string `json:"payee"`
	} `json:"extra"`
}

// saltEdgeListMeta carries Salt Edge's cursor-based paging
type saltEdgeListMeta struct {
	NextID string `json:"next_id"`
}

// ExchangeAuthorizationCode exchanges an OAuth code for the initial token set
func (c *SaltEdgeClient) ExchangeAuthorizationCode(ctx context.Context, code string) (*types.TokenSet, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	return c.requestToken(ctx, form)
}

// RefreshToken exchanges a refresh token for a new token set
func (c *SaltEdgeClient) RefreshToken(ctx context.Context, refreshToken string) (*types.TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	tokens, err := c.requestToken(ctx, form)
	if err != nil {
		// A rejected refresh grant is terminal: the user must reconnect
		if syncerrors.IsAuth(err) {
			return nil, syncerrors.NewCredentialExpiredError(string(c.Name()), err)
		}
		return nil, err
	}
	return tokens, nil
}

func (c *SaltEdgeClient) requestToken(ctx context.Context, form url.Values) (*types.TokenSet, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var tokenResp saltEdgeTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, syncerrors.NewProviderFatalError(string(c.Name()), "malformed token response", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, syncerrors.NewProviderFatalError(string(c.Name()), "token response missing access_token", nil)
	}

	tokens := &types.TokenSet{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    tokenResp.TokenType,
		ExpiresAt:    time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
		Subject:      tokenResp.Subject,
	}
	if tokenResp.Scope != "" {
		tokens.Scopes = []string{tokenResp.Scope}
	}
	return tokens, nil
}

// FetchAccounts retrieves all currently visible accounts
func (c *SaltEdgeClient) FetchAccounts(ctx context.Context, accessToken string) ([]types.RawAccount, error) {
	var accounts []types.RawAccount
	nextID := ""

	for {
		query := url.Values{"per_page": {strconv.Itoa(saltEdgePageSize)}}
		if nextID != "" {
			query.Set("from_id", nextID)
		}

		body, err := c.get(ctx, accessToken, "/accounts", query)
		if err != nil {
			return nil, err
		}

		var page struct {
			Data []json.RawMessage `json:"data"`
			Meta saltEdgeListMeta  `json:"meta"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, syncerrors.NewProviderFatalError(string(c.Name()), "malformed accounts response", err)
		}

		for _, raw := range page.Data {
			var native saltEdgeAccount
			if err := json.Unmarshal(raw, &native); err != nil {
				return nil, syncerrors.NewProviderFatalError(string(c.Name()), "malformed account record", err)
			}
			if native.ID == "" {
				return nil, syncerrors.NewProviderFatalError(string(c.Name()), "account record missing id", nil)
			}

			accounts = append(accounts, types.RawAccount{
				NativeID:    native.ID,
				DisplayName: native.Name,
				Currency:    native.CurrencyCode,
				Balance:     native.Balance,
				Status:      native.Status,
				Payload:     raw,
			})
		}

		if page.Meta.NextID == "" {
			return accounts, nil
		}
		nextID = page.Meta.NextID
	}
}

// FetchTransactions retrieves one page of transactions within the window
func (c *SaltEdgeClient) FetchTransactions(ctx context.Context, accessToken string, window types.FetchWindow, pageToken string) (*TransactionPage, error) {
	query := url.Values{"per_page": {strconv.Itoa(saltEdgePageSize)}}
	if !window.Start.IsZero() {
		query.Set("from_date", window.Start.Format("2006-01-02"))
	}
	if !window.End.IsZero() {
		query.Set("to_date", window.End.Format("2006-01-02"))
	}
	if pageToken != "" {
		query.Set("from_id", pageToken)
	}

	body, err := c.get(ctx, accessToken, "/transactions", query)
	if err != nil {
		return nil, err
	}

	var page struct {
		Data []json.RawMessage `json:"data"`
		Meta saltEdgeListMeta  `json:"meta"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, syncerrors.NewProviderFatalError(string(c.Name()), "malformed transactions response", err)
	}

	result := &TransactionPage{NextPageToken: page.Meta.NextID}
	for _, raw := range page.Data {
		var native saltEdgeTransaction
		if err := json.Unmarshal(raw, &native); err != nil {
			return nil, syncerrors.NewProviderFatalError(string(c.Name()), "malformed transaction record", err)
		}

		tx, err := c.convertTransaction(native, raw)
		if err != nil {
			return nil, err
		}
		result.Transactions = append(result.Transactions, tx)
	}

	return result, nil
}

func (c *SaltEdgeClient) convertTransaction(native saltEdgeTransaction, raw json.RawMessage) (types.RawTransaction, error) {
	if native.ID == "" || native.AccountID == "" {
		return types.RawTransaction{}, syncerrors.NewProviderFatalError(string(c.Name()), "transaction record missing identifiers", nil)
	}

	bookedDate, err := time.Parse("2006-01-02", native.MadeOn)
	if err != nil {
		return types.RawTransaction{}, syncerrors.NewProviderFatalError(string(c.Name()),
			fmt.Sprintf("unparseable made_on date %q", native.MadeOn), err)
	}

	tx := types.RawTransaction{
		NativeID:         native.ID,
		AccountNativeID:  native.AccountID,
		Amount:           native.Amount,
		Currency:         native.CurrencyCode,
		BookedDate:       bookedDate,
		Description:      native.Description,
		CounterpartyName: native.Extra.CounterpartyName,
		Status:           native.Status,
		Category:         native.Category,
		Payload:          raw,
	}

	if native.Extra.PostingDate != "" {
		if valueDate, err := time.Parse("2006-01-02", native.Extra.PostingDate); err == nil {
			tx.ValueDate = &valueDate
		}
	}

	return tx, nil
}

func (c *SaltEdgeClient) get(ctx context.Context, accessToken, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	return c.do(req)
}

// do executes the request and classifies non-2xx responses into the sync
// error taxonomy the orchestrator dispatches on
func (c *SaltEdgeClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerrors.NewProviderFatalError(string(c.Name()), "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerrors.NewProviderFatalError(string(c.Name()), "failed to read response body", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, syncerrors.NewAuthError(string(c.Name()), fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body)))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, syncerrors.NewRateLimitedError(string(c.Name()), parseRetryAfter(resp), fmt.Errorf("status 429: %s", truncate(body)))
	default:
		return nil, syncerrors.NewProviderFatalError(string(c.Name()),
			fmt.Sprintf("unexpected status %d", resp.StatusCode), fmt.Errorf("%s", truncate(body)))
	}
}

// parseRetryAfter reads the Retry-After header in seconds form
func parseRetryAfter(resp *http.Response) time.Duration {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// truncate keeps provider error bodies short enough for error messages
func truncate(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
