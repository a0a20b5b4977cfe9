package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/provider-sync/internal/models"
)

// CredentialRepository handles encrypted OAuth credential persistence.
// Token columns hold ciphertext; this layer never sees plaintext tokens.
type CredentialRepository struct {
	db *PostgresDB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *PostgresDB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Create stores the credential for a connection, replacing any prior one.
// A connection has exactly one live credential row.
func (r *CredentialRepository) Create(ctx context.Context, credential *models.Credential) error {
	query := `
		INSERT INTO credentials (
			id, connection_id, access_token, refresh_token,
			token_type, expires_at, scopes, subject, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (connection_id)
		DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			expires_at = EXCLUDED.expires_at,
			scopes = EXCLUDED.scopes,
			subject = EXCLUDED.subject,
			updated_at = NOW()
	`

	_, err := r.db.Pool().Exec(ctx, query,
		credential.ID,
		credential.ConnectionID,
		credential.AccessToken,
		credential.RefreshToken,
		credential.TokenType,
		credential.ExpiresAt,
		credential.Scopes,
		credential.Subject,
	)

	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}

	return nil
}

// GetByConnectionID retrieves the credential for a connection
func (r *CredentialRepository) GetByConnectionID(ctx context.Context, connectionID uuid.UUID) (*models.Credential, error) {
	query := `
		SELECT id, connection_id, access_token, refresh_token,
			   token_type, expires_at, scopes, subject, last_used_at,
			   created_at, updated_at
		FROM credentials
		WHERE connection_id = $1
	`

	var credential models.Credential

	err := r.db.Pool().QueryRow(ctx, query, connectionID).Scan(
		&credential.ID,
		&credential.ConnectionID,
		&credential.AccessToken,
		&credential.RefreshToken,
		&credential.TokenType,
		&credential.ExpiresAt,
		&credential.Scopes,
		&credential.Subject,
		&credential.LastUsedAt,
		&credential.CreatedAt,
		&credential.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("credential for connection %s: %w", connectionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return &credential, nil
}

// UpdateTokens stores a rotated token set
func (r *CredentialRepository) UpdateTokens(ctx context.Context, connectionID uuid.UUID, accessToken string, refreshToken *string, tokenType string, expiresAt time.Time) error {
	query := `
		UPDATE credentials
		SET access_token = $2, refresh_token = $3, token_type = $4,
			expires_at = $5, updated_at = NOW()
		WHERE connection_id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, connectionID, accessToken, refreshToken, tokenType, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("credential for connection %s: %w", connectionID, ErrNotFound)
	}

	return nil
}

// TouchLastUsed records when the credential was last handed out
func (r *CredentialRepository) TouchLastUsed(ctx context.Context, connectionID uuid.UUID) error {
	query := `
		UPDATE credentials
		SET last_used_at = NOW()
		WHERE connection_id = $1
	`

	_, err := r.db.Pool().Exec(ctx, query, connectionID)
	if err != nil {
		return fmt.Errorf("failed to update last_used_at: %w", err)
	}

	return nil
}
