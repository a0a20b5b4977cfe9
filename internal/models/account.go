package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account is the canonical, tenant-facing account record. Provider-originated
// accounts trace back to exactly one staged row.
type Account struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	TenantID     uuid.UUID       `json:"tenantId" db:"tenant_id"`
	ConnectionID uuid.UUID       `json:"connectionId" db:"connection_id"`
	StagedID     *int64          `json:"stagedId,omitempty" db:"staged_account_id"`
	NativeID     string          `json:"nativeId" db:"native_id"`
	Name         string          `json:"name" db:"name"`
	Currency     string          `json:"currency" db:"currency"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	Active       bool            `json:"active" db:"active"`
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time       `json:"updatedAt" db:"updated_at"`
}
