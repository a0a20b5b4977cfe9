package provider

import (
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
	bunqDefaultTimeout = 30 * time.Second
	bunqPageSize       = 200
	// bunq access tokens do not expire; a synthetic far-future expiry keeps
	// the vault's refresh-margin check uniform across providers
	bunqTokenLifetime = 10 * 365 * 24 * time.Hour
)

// BunqClient adapts the bunq bank API to the Adapter interface. Unlike an
// aggregation intermediary, bunq is a single bank speaking its own envelope:
// every response wraps typed objects in a "Response" array.
type BunqClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	limiter      *rate.Limiter
}

// NewBunqClient creates a bunq adapter from provider configuration
func NewBunqClient(cfg *config.ProviderConfig) *BunqClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 3.0
	}

	return &BunqClient{
		baseURL:      cfg.BaseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: bunqDefaultTimeout},
		limiter:      rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Name returns the provider identifier
func (c *BunqClient) Name() types.ProviderName {
	return types.ProviderBunq
}

// bunqEnvelope is the outer shape of every bunq response
type bunqEnvelope struct {
	Response []json.RawMessage `json:"Response"`
	Pagination struct {
		OlderURL string `json:"older_url"`
	} `json:"Pagination"`
}

// bunqAmount is bunq's money representation
type bunqAmount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// bunqMonetaryAccount is the native account shape, nested under its type key
type bunqMonetaryAccount struct {
	MonetaryAccountBank *struct {
		ID          int64      `json:"id"`
		Description string     `json:"description"`
		Balance     bunqAmount `json:"balance"`
		Status      string     `json:"status"`
	} `json:"MonetaryAccountBank"`
}

// bunqPayment is the native transaction shape, nested under its type key
type bunqPayment struct {
	Payment *struct {
		ID                int64      `json:"id"`
		MonetaryAccountID int64      `json:"monetary_account_id"`
		Amount            bunqAmount `json:"amount"`
		Description       string     `json:"description"`
		Created           string     `json:"created"`
		CounterpartyAlias struct {
			DisplayName string `json:"display_name"`
		} `json:"counterparty_alias"`
	} `json:"Payment"`
}

// ExchangeAuthorizationCode exchanges an OAuth code for the initial token set
func (c *BunqClient) ExchangeAuthorizationCode(ctx context.Context, code string) (*types.TokenSet, error) {
	query := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	return c.requestToken(ctx, query)
}

// RefreshToken is a no-op rotation for bunq: tokens do not expire, so a
// refresh request simply revalidates the stored token. A rejected token is
// terminal because bunq has no refresh grant to fall back to.
func (c *BunqClient) RefreshToken(ctx context.Context, refreshToken string) (*types.TokenSet, error) {
	if refreshToken == "" {
		return nil, syncerrors.NewCredentialExpiredError(string(c.Name()), nil)
	}

	return &types.TokenSet{
		AccessToken:  refreshToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresAt:    time.Now().Add(bunqTokenLifetime),
	}, nil
}

func (c *BunqClient) requestToken(ctx context.Context, query url.Values) (*types.TokenSet, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/token?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, syncerrors.NewProviderFatalError(string(c.Name()), "malformed token response", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, syncerrors.NewProviderFatalError(string(c.Name()), "token response missing access_token", nil)
	}

	return &types.TokenSet{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.AccessToken,
		TokenType:    tokenResp.TokenType,
		ExpiresAt:    time.Now().Add(bunqTokenLifetime),
	}, nil
}

// FetchAccounts retrieves all monetary accounts
func (c *BunqClient) FetchAccounts(ctx context.Context, accessToken string) ([]types.RawAccount, error) {
	body, err := c.get(ctx, accessToken, "/v1/user/monetary-account", nil)
	if err != nil {
		return nil, err
	}

	var envelope bunqEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, syncerrors.NewProviderFatalError(string(c.Name()), "malformed accounts response", err)
	}

	accounts := make([]types.RawAccount, 0, len(envelope.Response))
	for _, raw := range envelope.Response {
		var native bunqMonetaryAccount
		if err := json.Unmarshal(raw, &native); err != nil {
			return nil, syncerrors.NewProviderFatalError(string(c.Name()), "malformed account record", err)
		}
		if native.MonetaryAccountBank == nil {
			// Other monetary account types (savings, joint) are not wrapped
			// under MonetaryAccountBank; skip shapes we do not support yet
			continue
		}

		bank := native.MonetaryAccountBank
		accounts = append(accounts, types.RawAccount{
			NativeID:    strconv.FormatInt(bank.ID, 10),
			DisplayName: bank.Description,
			Currency:    bank.Balance.Currency,
			Balance:     bank.Balance.Value,
			Status:      bank.Status,
			Payload:     raw,
		})
	}

	return accounts, nil
}

// FetchTransactions retrieves one page of payments within the window
func (c *BunqClient) FetchTransactions(ctx context.Context, accessToken string, window types.FetchWindow, pageToken string) (*TransactionPage, error) {
	path := "/v1/user/payment"
	query := url.Values{"count": {strconv.Itoa(bunqPageSize)}}
	if pageToken != "" {
		query.Set("older_id", pageToken)
	}

	body, err := c.get(ctx, accessToken, path, query)
	if err != nil {
		return nil, err
	}

	var envelope bunqEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, syncerrors.NewProviderFatalError(string(c.Name()), "malformed payments response", err)
	}

	result := &TransactionPage{}
	for _, raw := range envelope.Response {
		var native bunqPayment
		if err := json.Unmarshal(raw, &native); err != nil {
			return nil, syncerrors.NewProviderFatalError(string(c.Name()), "malformed payment record", err)
		}
		if native.Payment == nil {
			continue
		}

		payment := native.Payment
		created, err := time.Parse("2006-01-02 15:04:05.000000", payment.Created)
		if err != nil {
			return nil, syncerrors.NewProviderFatalError(string(c.Name()),
				fmt.Sprintf("unparseable created timestamp %q", payment.Created), err)
		}

		// Payments before the window start terminate paging: bunq returns
		// payments newest-first with no server-side date filter
		if !window.Start.IsZero() && created.Before(window.Start) {
			return result, nil
		}
		if !window.End.IsZero() && created.After(window.End) {
			continue
		}

		result.Transactions = append(result.Transactions, types.RawTransaction{
			NativeID:         strconv.FormatInt(payment.ID, 10),
			AccountNativeID:  strconv.FormatInt(payment.MonetaryAccountID, 10),
			Amount:           payment.Amount.Value,
			Currency:         payment.Amount.Currency,
			BookedDate:       created,
			Description:      payment.Description,
			CounterpartyName: payment.CounterpartyAlias.DisplayName,
			Payload:          raw,
		})
	}

	if envelope.Pagination.OlderURL != "" && len(result.Transactions) > 0 {
		last := result.Transactions[len(result.Transactions)-1]
		result.NextPageToken = last.NativeID
	}

	return result, nil
}

func (c *BunqClient) get(ctx context.Context, accessToken, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	return c.do(req)
}

func (c *BunqClient) do(req *http.Request) ([]byte, error) {
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
