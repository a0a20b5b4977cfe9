package models

import (
	"time"

	"github.com/google/uuid"
)

// Credential represents the OAuth token set for a connection. Token values
// are stored encrypted; the vault is the only component that decrypts them.
type Credential struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	ConnectionID uuid.UUID  `json:"connectionId" db:"connection_id"`
	AccessToken  string     `json:"-" db:"access_token"`  // encrypted at rest
	RefreshToken *string    `json:"-" db:"refresh_token"` // encrypted at rest, optional
	TokenType    string     `json:"tokenType" db:"token_type"`
	ExpiresAt    time.Time  `json:"expiresAt" db:"expires_at"`
	Scopes       []string   `json:"scopes,omitempty" db:"scopes"`
	Subject      string     `json:"subject,omitempty" db:"subject"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty" db:"last_used_at"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
}
