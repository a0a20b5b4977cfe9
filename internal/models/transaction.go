package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction is the canonical, tenant-facing transaction record.
// Amount and booked date are immutable post-import; a provider correction of
// either surfaces as a field conflict warning instead of an overwrite.
type Transaction struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	TenantID          uuid.UUID       `json:"tenantId" db:"tenant_id"`
	ConnectionID      uuid.UUID       `json:"connectionId" db:"connection_id"`
	AccountID         uuid.UUID       `json:"accountId" db:"account_id"`
	StagedID          *int64          `json:"stagedId,omitempty" db:"staged_transaction_id"`
	NativeID          string          `json:"nativeId" db:"native_id"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Currency          string          `json:"currency" db:"currency"`
	BookedDate        time.Time       `json:"bookedDate" db:"booked_date"`
	ValueDate         *time.Time      `json:"valueDate,omitempty" db:"value_date"`
	Description       string          `json:"description" db:"description"`
	CounterpartyName  string          `json:"counterpartyName,omitempty" db:"counterparty_name"`
	Status            string          `json:"status,omitempty" db:"status"`
	Category          *string         `json:"category,omitempty" db:"category"`
	RemovedByProvider bool            `json:"removedByProvider" db:"removed_by_provider"`
	CreatedAt         time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time       `json:"updatedAt" db:"updated_at"`
}
