package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	syncerrors "github.com/provider-sync/internal/errors"
	"github.com/provider-sync/internal/logging"
	"github.com/provider-sync/internal/models"
	"github.com/provider-sync/internal/provider"
	"github.com/provider-sync/internal/types"
	"golang.org/x/sync/singleflight"
)

// CredentialStore is the persistence surface the vault needs. Token values
// cross this boundary already encrypted.
type CredentialStore interface {
	GetByConnectionID(ctx context.Context, connectionID uuid.UUID) (*models.Credential, error)
	Create(ctx context.Context, credential *models.Credential) error
	UpdateTokens(ctx context.Context, connectionID uuid.UUID, accessToken string, refreshToken *string, tokenType string, expiresAt time.Time) error
	TouchLastUsed(ctx context.Context, connectionID uuid.UUID) error
}

// Vault hands out valid access tokens for connections, refreshing expired
// ones on demand. Concurrent refreshes for the same connection are collapsed
// into a single provider call; the other callers wait and reuse the result.
type Vault struct {
	store         CredentialStore
	registry      *provider.Registry
	encryptor     *Encryptor
	refreshMargin time.Duration
	group         singleflight.Group
}

// New creates a Vault. Tokens whose expiry is within refreshMargin are
// treated as already expired so a sync never starts with a token about to
// lapse mid-flight.
func New(store CredentialStore, registry *provider.Registry, encryptor *Encryptor, refreshMargin time.Duration) *Vault {
	return &Vault{
		store:         store,
		registry:      registry,
		encryptor:     encryptor,
		refreshMargin: refreshMargin,
	}
}

// Seed stores the initial token set obtained from an authorization exchange
func (v *Vault) Seed(ctx context.Context, connectionID uuid.UUID, tokens *types.TokenSet) error {
	encAccess, err := v.encryptor.Encrypt(tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	var encRefresh *string
	if tokens.RefreshToken != "" {
		enc, err := v.encryptor.Encrypt(tokens.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		encRefresh = &enc
	}

	return v.store.Create(ctx, &models.Credential{
		ID:           uuid.New(),
		ConnectionID: connectionID,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		TokenType:    tokens.TokenType,
		ExpiresAt:    tokens.ExpiresAt,
		Scopes:       tokens.Scopes,
		Subject:      tokens.Subject,
	})
}

// GetValidToken returns a decrypted access token for the connection,
// refreshing it first when expired or about to expire. Returns a
// credential-expired error when no refresh path exists.
func (v *Vault) GetValidToken(ctx context.Context, conn *models.Connection) (string, error) {
	credential, err := v.store.GetByConnectionID(ctx, conn.ID)
	if err != nil {
		return "", err
	}

	if !v.needsRefresh(credential) {
		token, err := v.encryptor.Decrypt(credential.AccessToken)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt access token: %w", err)
		}
		v.touchLastUsed(ctx, conn.ID)
		return token, nil
	}

	token, err := v.refresh(ctx, conn, "")
	if err != nil {
		return "", err
	}
	v.touchLastUsed(ctx, conn.ID)
	return token, nil
}

// ForceRefresh rotates the token even if it has not reached its expiry,
// used after a provider rejects a token that looked valid locally.
// rejectedToken lets a caller skip the provider round trip when another
// caller already rotated past the rejected value.
func (v *Vault) ForceRefresh(ctx context.Context, conn *models.Connection, rejectedToken string) (string, error) {
	token, err := v.refresh(ctx, conn, rejectedToken)
	if err != nil {
		return "", err
	}
	v.touchLastUsed(ctx, conn.ID)
	return token, nil
}

func (v *Vault) needsRefresh(credential *models.Credential) bool {
	return time.Until(credential.ExpiresAt) <= v.refreshMargin
}

// refresh performs the provider refresh grant behind a per-connection
// singleflight so concurrent callers share one rotation. skipToken, when
// non-empty, marks the access token the caller considers spent; a stored
// token different from it is taken as an already completed rotation.
func (v *Vault) refresh(ctx context.Context, conn *models.Connection, skipToken string) (string, error) {
	result, err, _ := v.group.Do(conn.ID.String(), func() (interface{}, error) {
		// Re-read inside the flight: a previous flight may have rotated the
		// token between this caller's check and its arrival here.
		credential, err := v.store.GetByConnectionID(ctx, conn.ID)
		if err != nil {
			return nil, err
		}

		current, err := v.encryptor.Decrypt(credential.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}

		if skipToken != "" {
			if current != skipToken {
				return current, nil
			}
		} else if !v.needsRefresh(credential) {
			return current, nil
		}

		if credential.RefreshToken == nil || *credential.RefreshToken == "" {
			return nil, syncerrors.NewCredentialExpiredError(string(conn.Provider), nil)
		}

		refreshToken, err := v.encryptor.Decrypt(*credential.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}

		adapter, err := v.registry.Get(conn.Provider)
		if err != nil {
			return nil, err
		}

		logging.FromContext(ctx).WithFields(map[string]interface{}{
			logging.FieldConnectionID: conn.ID.String(),
			logging.FieldProvider:     string(conn.Provider),
		}).Info("refreshing provider credential")

		tokens, err := adapter.RefreshToken(ctx, refreshToken)
		if err != nil {
			return nil, err
		}

		encAccess, err := v.encryptor.Encrypt(tokens.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt access token: %w", err)
		}

		// Providers that do not rotate the refresh token on every grant
		// return an empty one; keep the stored value in that case.
		encRefresh := credential.RefreshToken
		if tokens.RefreshToken != "" {
			enc, err := v.encryptor.Encrypt(tokens.RefreshToken)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
			}
			encRefresh = &enc
		}

		tokenType := tokens.TokenType
		if tokenType == "" {
			tokenType = credential.TokenType
		}

		if err := v.store.UpdateTokens(ctx, conn.ID, encAccess, encRefresh, tokenType, tokens.ExpiresAt); err != nil {
			return nil, err
		}

		return tokens.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// touchLastUsed records the access for the credential audit trail. Failures
// are logged and swallowed; an audit miss must not fail a sync.
func (v *Vault) touchLastUsed(ctx context.Context, connectionID uuid.UUID) {
	if err := v.store.TouchLastUsed(ctx, connectionID); err != nil {
		logging.FromContext(ctx).WithError(err).WithField(logging.FieldConnectionID, connectionID.String()).
			Warn("failed to update credential last_used_at")
	}
}
